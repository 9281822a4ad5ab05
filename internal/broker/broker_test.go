package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(t *testing.T) *SQLiteQueue {
	t.Helper()
	q, err := NewSQLiteQueue(":memory:", testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	q.SetPollInterval(10 * time.Millisecond)
	t.Cleanup(func() { q.Close() })
	return q
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]model.StatusEvent
}

func (p *recordingPublisher) PublishStatus(_ context.Context, jobID string, ev model.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]model.StatusEvent)
	}
	p.events[jobID] = append(p.events[jobID], ev)
	return nil
}

func TestSQLiteQueue_FIFO(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	for _, p := range []string{"one", "two", "three"} {
		if err := q.Push(ctx, "k", []byte(p)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if n, _ := q.Len(ctx, "k"); n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}

	for _, want := range []string{"one", "two", "three"} {
		got, err := q.Pop(ctx, "k", time.Second)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if string(got) != want {
			t.Errorf("Pop = %q, want %q", got, want)
		}
	}
}

func TestSQLiteQueue_KeysAreIsolated(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	q.Push(ctx, "a", []byte("for-a"))

	got, err := q.Pop(ctx, "b", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got != nil {
		t.Errorf("Pop(b) = %q, want nil", got)
	}
	if n, _ := q.Len(ctx, "a"); n != 1 {
		t.Errorf("Len(a) = %d, want 1", n)
	}
}

func TestSQLiteQueue_PopTimeout(t *testing.T) {
	q := testQueue(t)
	start := time.Now()
	got, err := q.Pop(context.Background(), "empty", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got != nil {
		t.Errorf("got %q, want nil", got)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, expected to block for the timeout", elapsed)
	}
}

func TestSQLiteQueue_PopWakesOnPush(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		q.Push(ctx, "k", []byte("late"))
	}()

	got, err := q.Pop(ctx, "k", 2*time.Second)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if string(got) != "late" {
		t.Errorf("Pop = %q, want late", got)
	}
}

func TestSQLiteQueue_PopContextCancelled(t *testing.T) {
	q := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Pop(ctx, "k", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestQueueBroker_RoundTrip(t *testing.T) {
	pub := &recordingPublisher{}
	b := New(testQueue(t), pub, testLogger())
	ctx := context.Background()

	if err := b.PushDownload(ctx, "gw_1", model.DownloadMessage{JobID: "job_1", SourceRef: "src.zip"}); err != nil {
		t.Fatalf("PushDownload: %v", err)
	}
	if err := b.PushJob(ctx, "gw_1", model.DispatchMessage{JobID: "job_1", GroupID: "grp_1", DeviceID: "dev_1"}); err != nil {
		t.Fatalf("PushJob: %v", err)
	}

	// Queues of other gateways stay empty.
	if msg, _ := b.PopJob(ctx, "gw_2", 10*time.Millisecond); msg != nil {
		t.Errorf("gw_2 received %+v", msg)
	}

	dl, err := b.PopDownload(ctx, "gw_1", time.Second)
	if err != nil || dl == nil {
		t.Fatalf("PopDownload = %v, %v", dl, err)
	}
	if dl.JobID != "job_1" || dl.SourceRef != "src.zip" {
		t.Errorf("download = %+v", dl)
	}

	job, err := b.PopJob(ctx, "gw_1", time.Second)
	if err != nil || job == nil {
		t.Fatalf("PopJob = %v, %v", job, err)
	}
	if *job != (model.DispatchMessage{JobID: "job_1", GroupID: "grp_1", DeviceID: "dev_1"}) {
		t.Errorf("dispatch = %+v", job)
	}

	if err := b.PublishStatus(ctx, "job_1", model.StatusEvent{Status: model.StatusRunning}); err != nil {
		t.Fatalf("PublishStatus: %v", err)
	}
	if len(pub.events["job_1"]) != 1 {
		t.Errorf("events = %v", pub.events)
	}
}

func TestQueueBroker_NilPublisherLogs(t *testing.T) {
	b := New(testQueue(t), nil, testLogger())
	if err := b.PublishStatus(context.Background(), "job_1", model.StatusEvent{Status: model.StatusFailed}); err != nil {
		t.Errorf("PublishStatus: %v", err)
	}
}

func TestQueueKeys(t *testing.T) {
	if got := DownloadQueueKey("gw_1"); got != "gateway:gw_1:downloads" {
		t.Errorf("DownloadQueueKey = %q", got)
	}
	if got := JobQueueKey("gw_1"); got != "gateway:gw_1:jobs" {
		t.Errorf("JobQueueKey = %q", got)
	}
}

// fakeToken is a completed mqtt.Token.
type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type fakeMQTT struct {
	topic   string
	qos     byte
	payload []byte
	err     error
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.topic = topic
	f.qos = qos
	f.payload = payload.([]byte)
	return fakeToken{err: f.err}
}

func TestMQTTPublisher_PublishStatus(t *testing.T) {
	fake := &fakeMQTT{}
	p := newMQTTPublisher(fake, "", testLogger())

	err := p.PublishStatus(context.Background(), "job_42", model.StatusEvent{Status: model.StatusCompleted, Message: "done"})
	if err != nil {
		t.Fatalf("PublishStatus: %v", err)
	}
	if fake.topic != "testbed/jobs/job_42/status" {
		t.Errorf("topic = %q", fake.topic)
	}
	if fake.qos != 1 {
		t.Errorf("qos = %d, want 1", fake.qos)
	}
	if string(fake.payload) != `{"status":"completed","message":"done"}` {
		t.Errorf("payload = %s", fake.payload)
	}
}

func TestMQTTPublisher_Error(t *testing.T) {
	fake := &fakeMQTT{err: errors.New("not connected")}
	p := newMQTTPublisher(fake, "custom/{job_id}", testLogger())
	err := p.PublishStatus(context.Background(), "job_1", model.StatusEvent{Status: model.StatusFailed})
	if err == nil {
		t.Fatal("expected error")
	}
	if fake.topic != "custom/job_1" {
		t.Errorf("topic = %q", fake.topic)
	}
}
