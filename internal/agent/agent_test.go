package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// --- fakes ---

type reported struct {
	JobID  string
	Report model.StatusReport
}

type fakeAPI struct {
	mu         sync.Mutex
	reports    []reported
	heartbeats [][]string
	reportErr  error

	downloads chan *model.DownloadMessage
	jobs      chan *model.DispatchMessage
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		downloads: make(chan *model.DownloadMessage, 8),
		jobs:      make(chan *model.DispatchMessage, 8),
	}
}

func (f *fakeAPI) PollDownload(ctx context.Context, wait time.Duration) (*model.DownloadMessage, error) {
	select {
	case m := <-f.downloads:
		return m, nil
	case <-time.After(wait):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeAPI) PollJob(ctx context.Context, wait time.Duration) (*model.DispatchMessage, error) {
	select {
	case m := <-f.jobs:
		return m, nil
	case <-time.After(wait):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeAPI) ReportStatus(_ context.Context, jobID string, r model.StatusReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, reported{JobID: jobID, Report: r})
	return f.reportErr
}

func (f *fakeAPI) Heartbeat(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, ids)
	return nil
}

func (f *fakeAPI) Reports() []reported {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reported(nil), f.reports...)
}

func (f *fakeAPI) Heartbeats() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.heartbeats...)
}

type fakeTransfer struct {
	mu        sync.Mutex
	sources   map[string][]byte
	uploaded  map[string][]byte
	uploadErr error
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{sources: map[string][]byte{}, uploaded: map[string][]byte{}}
}

func (f *fakeTransfer) Download(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.sources[ref]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (f *fakeTransfer) Upload(_ context.Context, jobID string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploaded[jobID] = append([]byte(nil), data...)
	return "logs/" + jobID + "/device.log", nil
}

func (f *fakeTransfer) Uploaded(jobID string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.uploaded[jobID]
	return data, ok
}

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(ctx context.Context, argv []string) (string, int, error)
}

func (f *fakeRunner) Run(ctx context.Context, _ string, argv []string) (string, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return "", 0, nil
	}
	return fn(ctx, argv)
}

func (f *fakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

type fakePort struct {
	mu      sync.Mutex
	chunks  [][]byte
	readErr error
	signals []bool
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.chunks) > 0 {
		n := copy(b, p.chunks[0])
		p.chunks = p.chunks[1:]
		p.mu.Unlock()
		return n, nil
	}
	err := p.readErr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	time.Sleep(2 * time.Millisecond)
	return 0, nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakePort) ResetInputBuffer() error            { return nil }

func (p *fakePort) SetDTR(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, v)
	return nil
}

func (p *fakePort) SetRTS(bool) error { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type recordingSink struct {
	mu    sync.Mutex
	lines []LogLine
}

func (s *recordingSink) WriteLine(_ context.Context, l LogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, l)
	return nil
}

func (s *recordingSink) Close() error { return nil }

// --- helpers ---

type harness struct {
	agent    *Agent
	api      *fakeAPI
	transfer *fakeTransfer
	runner   *fakeRunner
	port     *fakePort
	opened   []string
	sink     *recordingSink
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.GatewayID = "gw-1"
	cfg.Token = "secret"
	cfg.WorkDir = t.TempDir()
	cfg.Devices = map[string]string{"dev-1": "/dev/ttyUSB0"}
	cfg.PollWait = 20 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.FlashTimeout = 50 * time.Millisecond
	cfg.Serial.ReadTimeout = 2 * time.Millisecond
	cfg.Serial.CaptureWindow = 60 * time.Millisecond
	cfg.Serial.ResetPulse = time.Millisecond
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		api:      newFakeAPI(),
		transfer: newFakeTransfer(),
		runner:   &fakeRunner{},
		port:     &fakePort{},
		sink:     &recordingSink{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(testConfig(t), h.api, logger,
		WithTransfer(h.transfer),
		WithCommandRunner(h.runner),
		WithLogSink(h.sink),
		WithPortOpener(func(path string, _ int) (Port, error) {
			h.opened = append(h.opened, path)
			return h.port, nil
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.agent = a
	return h
}

func (h *harness) lastReport(t *testing.T) reported {
	t.Helper()
	reports := h.api.Reports()
	if len(reports) == 0 {
		t.Fatal("no status reported")
	}
	return reports[len(reports)-1]
}

func dispatch(jobID string) *model.DispatchMessage {
	return &model.DispatchMessage{JobID: jobID, GroupID: "grp-1", DeviceID: "dev-1"}
}

// --- download + compile ---

func TestHandleDownload_CompilesAndReportsPending(t *testing.T) {
	h := newHarness(t)
	h.transfer.sources["fw/blink.c"] = []byte("int main() {}")

	h.agent.handleDownload(context.Background(), &model.DownloadMessage{JobID: "job-1", SourceRef: "fw/blink.c"})

	dir := filepath.Join(h.agent.cfg.WorkDir, "job-1")
	src := filepath.Join(dir, "blink.c")
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("source not saved: %v", err)
	}
	if string(data) != "int main() {}" {
		t.Errorf("source = %q", data)
	}

	calls := h.runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(calls))
	}
	want := []string{"make", "-C", dir, "SOURCE=" + src, "OUTPUT=" + filepath.Join(dir, "firmware.bin")}
	if !reflect.DeepEqual(calls[0], want) {
		t.Errorf("compile argv = %v, want %v", calls[0], want)
	}

	r := h.lastReport(t)
	if r.JobID != "job-1" || r.Report.Status != model.StatusPending {
		t.Errorf("report = %+v, want job-1 pending", r)
	}
}

func TestHandleDownload_CompileFailure(t *testing.T) {
	h := newHarness(t)
	h.transfer.sources["src.c"] = []byte("broken")
	h.runner.fn = func(context.Context, []string) (string, int, error) {
		return "src.c:1: error: expected ';'", 2, nil
	}

	h.agent.handleDownload(context.Background(), &model.DownloadMessage{JobID: "job-1", SourceRef: "src.c"})

	r := h.lastReport(t)
	if r.Report.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", r.Report.Status)
	}
	if !strings.Contains(r.Report.Message, "code 2") || !strings.Contains(r.Report.Message, "expected ';'") {
		t.Errorf("message = %q", r.Report.Message)
	}
}

func TestHandleDownload_DownloadFailure(t *testing.T) {
	h := newHarness(t)

	h.agent.handleDownload(context.Background(), &model.DownloadMessage{JobID: "job-1", SourceRef: "missing.c"})

	if r := h.lastReport(t); r.Report.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", r.Report.Status)
	}
	if n := len(h.runner.Calls()); n != 0 {
		t.Errorf("compile ran %d times after failed download", n)
	}
}

// --- dispatch: flash + capture ---

func TestHandleDispatch_FlashCaptureUpload(t *testing.T) {
	h := newHarness(t)
	h.port.chunks = [][]byte{
		[]byte("boot\r\n"),
		[]byte("hello wor"),
		[]byte("ld\n\n   \n"),
		[]byte("tail"),
	}

	h.agent.handleDispatch(context.Background(), dispatch("job-1"))

	calls := h.runner.Calls()
	dir := filepath.Join(h.agent.cfg.WorkDir, "job-1")
	want := []string{"make", "flash", "PORT=/dev/ttyUSB0", "SRC_DIR=" + dir}
	if len(calls) != 1 || !reflect.DeepEqual(calls[0], want) {
		t.Fatalf("flash calls = %v, want [%v]", calls, want)
	}
	if !reflect.DeepEqual(h.opened, []string{"/dev/ttyUSB0"}) {
		t.Errorf("opened ports = %v", h.opened)
	}
	if !reflect.DeepEqual(h.port.signals, []bool{false, true}) {
		t.Errorf("DTR sequence = %v, want [false true]", h.port.signals)
	}
	if !h.port.Closed() {
		t.Error("port not closed")
	}

	wantLog := "boot\nhello world\ntail\n"
	logFile, err := os.ReadFile(filepath.Join(dir, "device.log"))
	if err != nil {
		t.Fatalf("read device.log: %v", err)
	}
	if string(logFile) != wantLog {
		t.Errorf("device.log = %q, want %q", logFile, wantLog)
	}
	uploaded, ok := h.transfer.Uploaded("job-1")
	if !ok || string(uploaded) != wantLog {
		t.Errorf("uploaded = %q, want %q", uploaded, wantLog)
	}
	if len(h.sink.lines) != 3 || h.sink.lines[1].Line != "hello world" || h.sink.lines[1].DeviceID != "dev-1" {
		t.Errorf("sink lines = %+v", h.sink.lines)
	}

	r := h.lastReport(t)
	if r.Report.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", r.Report.Status)
	}
	if r.Report.OutputRef != "logs/job-1/device.log" {
		t.Errorf("output_ref = %q", r.Report.OutputRef)
	}
}

func TestHandleDispatch_NoOutputStillCompletes(t *testing.T) {
	h := newHarness(t)

	h.agent.handleDispatch(context.Background(), dispatch("job-1"))

	if r := h.lastReport(t); r.Report.Status != model.StatusCompleted {
		t.Errorf("status = %s, want completed", r.Report.Status)
	}
	if data, ok := h.transfer.Uploaded("job-1"); !ok || len(data) != 0 {
		t.Errorf("uploaded = %q, %v; want empty log", data, ok)
	}
}

func TestHandleDispatch_UnknownDevice(t *testing.T) {
	h := newHarness(t)

	h.agent.handleDispatch(context.Background(), &model.DispatchMessage{JobID: "job-1", DeviceID: "dev-9"})

	r := h.lastReport(t)
	if r.Report.Status != model.StatusFailed || !strings.Contains(r.Report.Message, "dev-9") {
		t.Errorf("report = %+v, want failed naming dev-9", r.Report)
	}
	if n := len(h.runner.Calls()); n != 0 {
		t.Errorf("flash ran %d times", n)
	}
}

func TestHandleDispatch_FlashTimeout(t *testing.T) {
	h := newHarness(t)
	h.runner.fn = func(ctx context.Context, _ []string) (string, int, error) {
		<-ctx.Done()
		return "", -1, ctx.Err()
	}

	start := time.Now()
	h.agent.handleDispatch(context.Background(), dispatch("job-1"))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("flash not bounded by timeout: took %s", elapsed)
	}

	r := h.lastReport(t)
	if r.Report.Status != model.StatusFailed || !strings.Contains(r.Report.Message, "timed out") {
		t.Errorf("report = %+v, want failed with timeout", r.Report)
	}
	if len(h.opened) != 0 {
		t.Error("serial capture ran after flash timeout")
	}
	if _, ok := h.transfer.Uploaded("job-1"); ok {
		t.Error("log uploaded after flash timeout")
	}
}

func TestHandleDispatch_FlashNonZeroExit(t *testing.T) {
	h := newHarness(t)
	h.runner.fn = func(context.Context, []string) (string, int, error) {
		return "A fatal error occurred: Failed to connect", 1, nil
	}

	h.agent.handleDispatch(context.Background(), dispatch("job-1"))

	r := h.lastReport(t)
	if r.Report.Status != model.StatusFailed || !strings.Contains(r.Report.Message, "Failed to connect") {
		t.Errorf("report = %+v", r.Report)
	}
	if len(h.opened) != 0 {
		t.Error("serial capture ran after failed flash")
	}
}

func TestHandleDispatch_StreamError(t *testing.T) {
	h := newHarness(t)
	h.port.chunks = [][]byte{[]byte("boot\n")}
	h.port.readErr = errors.New("device disconnected")

	h.agent.handleDispatch(context.Background(), dispatch("job-1"))

	r := h.lastReport(t)
	if r.Report.Status != model.StatusFailed || !strings.Contains(r.Report.Message, "device disconnected") {
		t.Errorf("report = %+v", r.Report)
	}
	if !h.port.Closed() {
		t.Error("port not closed after read error")
	}
	if _, ok := h.transfer.Uploaded("job-1"); ok {
		t.Error("log uploaded after stream error")
	}
}

func TestHandleDispatch_UploadFailure(t *testing.T) {
	h := newHarness(t)
	h.transfer.uploadErr = errors.New("connection refused")

	h.agent.handleDispatch(context.Background(), dispatch("job-1"))

	if r := h.lastReport(t); r.Report.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", r.Report.Status)
	}
}

func TestHandleDispatch_ConflictIsNoop(t *testing.T) {
	h := newHarness(t)
	h.api.reportErr = &HTTPError{StatusCode: 409, Body: "job already cancelled"}

	h.agent.handleDispatch(context.Background(), dispatch("job-1"))
	// A redelivered dispatch for the finished job does nothing.
	h.agent.handleDispatch(context.Background(), dispatch("job-1"))

	if n := len(h.runner.Calls()); n != 1 {
		t.Errorf("flash ran %d times, want 1", n)
	}
	if n := len(h.api.Reports()); n != 1 {
		t.Errorf("reports = %d, want 1", n)
	}
}

func TestFinishedJobsExpire(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.agent.now = func() time.Time { return now }
	h.agent.finishedTTL = time.Minute

	h.agent.markFinished("job-1", model.StatusCompleted)
	if st, ok := h.agent.finishedStatus("job-1"); !ok || st != model.StatusCompleted {
		t.Fatalf("finishedStatus = %s, %v, want completed", st, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := h.agent.finishedStatus("job-1"); ok {
		t.Error("expired job still reported finished")
	}

	h.agent.markFinished("job-2", model.StatusFailed)
	h.agent.mu.Lock()
	n := len(h.agent.finished)
	_, kept := h.agent.finished["job-1"]
	h.agent.mu.Unlock()
	if n != 1 || kept {
		t.Errorf("finished = %d entries (job-1 kept=%v), want only job-2", n, kept)
	}
}

// --- run loop ---

func TestRun_ProcessesBothQueues(t *testing.T) {
	h := newHarness(t)
	h.agent.stat = func(path string) (os.FileInfo, error) {
		if path == "/dev/ttyUSB0" {
			return nil, nil
		}
		return nil, os.ErrNotExist
	}
	h.transfer.sources["src.c"] = []byte("x")
	h.api.downloads <- &model.DownloadMessage{JobID: "job-a", SourceRef: "src.c"}
	h.api.jobs <- dispatch("job-b")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for len(h.api.Reports()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := map[string]model.Status{}
	for _, r := range h.api.Reports() {
		got[r.JobID] = r.Report.Status
	}
	if got["job-a"] != model.StatusPending || got["job-b"] != model.StatusCompleted {
		t.Errorf("reports = %v", got)
	}

	hbs := h.api.Heartbeats()
	if len(hbs) == 0 {
		t.Fatal("no heartbeats sent")
	}
	if !reflect.DeepEqual(hbs[0], []string{"dev-1"}) {
		t.Errorf("heartbeat devices = %v, want [dev-1]", hbs[0])
	}
}

func TestRun_WaitsForInflightPipelines(t *testing.T) {
	h := newHarness(t)
	h.agent.cfg.HeartbeatInterval = 0
	release := make(chan struct{})
	started := make(chan struct{})
	h.runner.fn = func(context.Context, []string) (string, int, error) {
		close(started)
		<-release
		return "", 0, nil
	}
	h.transfer.sources["src.c"] = []byte("x")
	h.api.downloads <- &model.DownloadMessage{JobID: "job-1", SourceRef: "src.c"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("compile never started")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a pipeline was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after pipeline finished")
	}
	if r := h.lastReport(t); r.Report.Status != model.StatusPending {
		t.Errorf("status = %s, want pending", r.Report.Status)
	}
}

func TestNew_RequiresTransfer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(testConfig(t), newFakeAPI(), logger); err == nil {
		t.Error("expected error without a transfer")
	}
}

func TestSourceName(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"fw/blink.c", "blink.c"},
		{"https://example.com/src/app.zip?sig=abc", "app.zip"},
		{"s3://bucket/a/b/main.ino", "main.ino"},
		{"", "source"},
		{"/", "source"},
	}
	for _, tt := range tests {
		if got := sourceName(tt.ref); got != tt.want {
			t.Errorf("sourceName(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
