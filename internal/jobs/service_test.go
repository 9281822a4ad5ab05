package jobs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/broker"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/store"
	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

type recorder struct {
	mu     sync.Mutex
	events map[string][]model.Status
}

func (r *recorder) PublishStatus(_ context.Context, jobID string, ev model.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string][]model.Status)
	}
	r.events[jobID] = append(r.events[jobID], ev.Status)
	return nil
}

type testEnv struct {
	svc   *Service
	store *store.SQLiteStore
	queue *broker.SQLiteQueue
	rec   *recorder
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := broker.NewSQLiteQueue(":memory:", logger)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	rec := &recorder{}
	return &testEnv{
		svc:   NewService(st, broker.New(q, rec, logger), logger),
		store: st,
		queue: q,
		rec:   rec,
	}
}

func (e *testEnv) addGateway(t *testing.T, id string) {
	t.Helper()
	err := e.store.CreateGateway(context.Background(), &model.Gateway{
		ID: id, Name: id, TokenHash: "h", Verification: model.Verified,
		Status: model.ResourceAvailable, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateGateway: %v", err)
	}
}

func (e *testEnv) addDevice(t *testing.T, id, gatewayID string, status model.ResourceStatus) {
	t.Helper()
	err := e.store.CreateDevice(context.Background(), &model.Device{
		ID: id, Name: id, GatewayID: gatewayID, Status: status, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
}

func (e *testEnv) device(t *testing.T, id string) *model.Device {
	t.Helper()
	d, err := e.store.GetDevice(context.Background(), id)
	if err != nil || d == nil {
		t.Fatalf("GetDevice(%s) = %v, %v", id, d, err)
	}
	return d
}

func (e *testEnv) group(t *testing.T, id string) *model.JobGroup {
	t.Helper()
	g, err := e.store.GetJobGroup(context.Background(), id)
	if err != nil || g == nil {
		t.Fatalf("GetJobGroup(%s) = %v, %v", id, g, err)
	}
	return g
}

// forceRunning puts the group, its jobs and their devices into the dispatched state directly.
func (e *testEnv) forceRunning(t *testing.T, g *model.JobGroup) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, job := range g.Jobs {
		job.Status = model.StatusRunning
		job.StartedAt = &now
		if err := e.store.UpdateJob(ctx, job); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
		d := e.device(t, job.DeviceID)
		d.Status = model.ResourceBusy
		if err := e.store.UpdateDevice(ctx, d); err != nil {
			t.Fatalf("UpdateDevice: %v", err)
		}
	}
	g.Status = model.StatusRunning
	g.StartedAt = &now
	if err := e.store.UpdateJobGroup(ctx, g); err != nil {
		t.Fatalf("UpdateJobGroup: %v", err)
	}
}

func twoDeviceGroup(t *testing.T, e *testEnv) *model.JobGroup {
	t.Helper()
	e.addGateway(t, "gw_1")
	e.addGateway(t, "gw_2")
	e.addDevice(t, "dev_a", "gw_1", model.ResourceAvailable)
	e.addDevice(t, "dev_b", "gw_2", model.ResourceAvailable)

	g, err := e.svc.CreateGroup(context.Background(), "alice", model.CreateJobGroupRequest{
		Name: "blink",
		Jobs: []model.JobSpec{
			{DeviceID: "dev_a", SourceRef: "src/a.zip"},
			{DeviceID: "dev_b", SourceRef: "src/b.zip"},
		},
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return g
}

func report(t *testing.T, e *testEnv, jobID string, status model.Status) *model.Job {
	t.Helper()
	job, err := e.svc.ReportStatus(context.Background(), jobID, "", model.StatusReport{Status: status})
	if err != nil {
		t.Fatalf("ReportStatus(%s, %s): %v", jobID, status, err)
	}
	return job
}

func TestCreateGroup(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	g := twoDeviceGroup(t, e)

	if g.Status != model.StatusPreparing {
		t.Errorf("Status = %s, want preparing", g.Status)
	}
	if g.Owner != "alice" || len(g.Jobs) != 2 {
		t.Errorf("group = %+v", g)
	}
	for _, job := range g.Jobs {
		if job.Status != model.StatusPreparing {
			t.Errorf("job %s status = %s", job.ID, job.Status)
		}
	}

	// One download notification per job, on the owning gateway's queue.
	for _, gw := range []string{"gw_1", "gw_2"} {
		n, err := e.queue.Len(ctx, broker.DownloadQueueKey(gw))
		if err != nil || n != 1 {
			t.Errorf("download queue %s = %d, %v, want 1", gw, n, err)
		}
	}
	if n, _ := e.queue.Len(ctx, broker.JobQueueKey("gw_1")); n != 0 {
		t.Errorf("job queue should be empty before dispatch, got %d", n)
	}
}

func TestCreateGroup_Validation(t *testing.T) {
	e := setup(t)
	e.addGateway(t, "gw_1")
	e.addDevice(t, "dev_a", "gw_1", model.ResourceAvailable)
	ctx := context.Background()

	tests := []struct {
		name string
		req  model.CreateJobGroupRequest
	}{
		{"empty name", model.CreateJobGroupRequest{Jobs: []model.JobSpec{{DeviceID: "dev_a", SourceRef: "s"}}}},
		{"no jobs", model.CreateJobGroupRequest{Name: "x"}},
		{"missing source", model.CreateJobGroupRequest{Name: "x", Jobs: []model.JobSpec{{DeviceID: "dev_a"}}}},
		{"duplicate device", model.CreateJobGroupRequest{Name: "x", Jobs: []model.JobSpec{
			{DeviceID: "dev_a", SourceRef: "s"}, {DeviceID: "dev_a", SourceRef: "t"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.CreateGroup(ctx, "alice", tt.req)
			if !model.IsValidation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestCreateGroup_UnknownDevice(t *testing.T) {
	e := setup(t)
	_, err := e.svc.CreateGroup(context.Background(), "alice", model.CreateJobGroupRequest{
		Name: "x", Jobs: []model.JobSpec{{DeviceID: "dev_missing", SourceRef: "s"}},
	})
	if !model.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestReportStatus_AllPendingPromotesGroup(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)

	report(t, e, g.Jobs[0].ID, model.StatusPending)
	if got := e.group(t, g.ID).Status; got != model.StatusPreparing {
		t.Errorf("after one pending: group = %s, want preparing", got)
	}

	report(t, e, g.Jobs[1].ID, model.StatusPending)
	if got := e.group(t, g.ID).Status; got != model.StatusPending {
		t.Errorf("after all pending: group = %s, want pending", got)
	}
}

func TestReportStatus_CompletedAndFailed(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	e.forceRunning(t, g)

	report(t, e, g.Jobs[0].ID, model.StatusCompleted)
	got := e.group(t, g.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("group = %s, want running while one job runs", got.Status)
	}
	if e.device(t, "dev_a").Status != model.ResourceAvailable {
		t.Error("dev_a should be released when its job completes")
	}
	if e.device(t, "dev_b").Status != model.ResourceBusy {
		t.Error("dev_b should still be busy")
	}

	report(t, e, g.Jobs[1].ID, model.StatusFailed)
	got = e.group(t, g.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("group = %s, want failed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("group completed_at not set")
	}
	if e.device(t, "dev_b").Status != model.ResourceAvailable {
		t.Error("dev_b should be released")
	}
}

func TestReportStatus_AllCompleted(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	e.forceRunning(t, g)

	report(t, e, g.Jobs[1].ID, model.StatusCompleted)
	job := report(t, e, g.Jobs[0].ID, model.StatusCompleted)
	if job.CompletedAt == nil {
		t.Error("job completed_at not set")
	}
	if got := e.group(t, g.ID).Status; got != model.StatusCompleted {
		t.Errorf("group = %s, want completed", got)
	}
}

func TestReportStatus_CancelledJobCascades(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	e.forceRunning(t, g)

	report(t, e, g.Jobs[0].ID, model.StatusCancelled)

	got := e.group(t, g.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("group = %s, want cancelled", got.Status)
	}
	for _, job := range got.Jobs {
		if job.Status != model.StatusCancelled {
			t.Errorf("job %s = %s, want cancelled", job.ID, job.Status)
		}
	}
	for _, id := range []string{"dev_a", "dev_b"} {
		if e.device(t, id).Status != model.ResourceAvailable {
			t.Errorf("%s not released", id)
		}
	}
	if len(e.rec.events[g.Jobs[1].ID]) != 1 {
		t.Errorf("cascaded job events = %v", e.rec.events[g.Jobs[1].ID])
	}
}

func TestReportStatus_LateReportIsNoop(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	e.forceRunning(t, g)

	if _, err := e.svc.CancelGroup(context.Background(), g.ID); err != nil {
		t.Fatalf("CancelGroup: %v", err)
	}
	job := report(t, e, g.Jobs[0].ID, model.StatusCompleted)
	if job.Status != model.StatusCancelled {
		t.Errorf("late report changed job to %s", job.Status)
	}
	if got := e.group(t, g.ID).Status; got != model.StatusCancelled {
		t.Errorf("group = %s, want cancelled", got)
	}
}

func TestReportStatus_InvalidTransition(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)

	_, err := e.svc.ReportStatus(context.Background(), g.Jobs[0].ID, "", model.StatusReport{Status: model.StatusCompleted})
	var te *model.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if !model.IsPrecondition(err) {
		t.Error("transition error should be a precondition error")
	}
}

func TestReportStatus_UnknownStatus(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	_, err := e.svc.ReportStatus(context.Background(), g.Jobs[0].ID, "", model.StatusReport{Status: "done"})
	if !model.IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestReportStatus_NotFound(t *testing.T) {
	e := setup(t)
	_, err := e.svc.ReportStatus(context.Background(), "job_missing", "", model.StatusReport{Status: model.StatusPending})
	if !model.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestReportStatus_WrongGateway(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	_, err := e.svc.ReportStatus(context.Background(), g.Jobs[0].ID, "gw_2", model.StatusReport{Status: model.StatusPending})
	if !model.IsUnauthorized(err) {
		t.Errorf("err = %v, want unauthorized", err)
	}
	if _, err := e.svc.ReportStatus(context.Background(), g.Jobs[0].ID, "gw_1", model.StatusReport{Status: model.StatusPending}); err != nil {
		t.Errorf("owning gateway rejected: %v", err)
	}
}

func TestReportStatus_OutputRefAndMessage(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	e.forceRunning(t, g)

	job, err := e.svc.ReportStatus(context.Background(), g.Jobs[0].ID, "gw_1", model.StatusReport{
		Status: model.StatusCompleted, Message: "log uploaded", OutputRef: "logs/job.log",
	})
	if err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if job.OutputRef != "logs/job.log" || job.Message != "log uploaded" {
		t.Errorf("job = %+v", job)
	}
	stored, _ := e.svc.GetJob(context.Background(), job.ID)
	if stored.OutputRef != "logs/job.log" {
		t.Errorf("stored output_ref = %q", stored.OutputRef)
	}
}

func TestCancelGroup(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	e.forceRunning(t, g)
	report(t, e, g.Jobs[0].ID, model.StatusCompleted)

	got, err := e.svc.CancelGroup(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("CancelGroup: %v", err)
	}
	if got.Status != model.StatusCancelled || got.CompletedAt == nil {
		t.Errorf("group = %+v", got)
	}

	stored := e.group(t, g.ID)
	if stored.Jobs[0].Status != model.StatusCompleted {
		t.Errorf("finished job changed to %s", stored.Jobs[0].Status)
	}
	if stored.Jobs[1].Status != model.StatusCancelled {
		t.Errorf("running job = %s, want cancelled", stored.Jobs[1].Status)
	}
	if e.device(t, "dev_b").Status != model.ResourceAvailable {
		t.Error("dev_b not released on cancel")
	}
}

func TestCancelGroup_Completed(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	e.forceRunning(t, g)
	report(t, e, g.Jobs[0].ID, model.StatusCompleted)
	report(t, e, g.Jobs[1].ID, model.StatusCompleted)

	_, err := e.svc.CancelGroup(context.Background(), g.ID)
	if !model.IsPrecondition(err) {
		t.Errorf("err = %v, want precondition error", err)
	}
	if got := e.group(t, g.ID).Status; got != model.StatusCompleted {
		t.Errorf("group = %s, want completed", got)
	}
}

func TestCancelGroup_AlreadyFailedIsUnchanged(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	e.forceRunning(t, g)
	report(t, e, g.Jobs[0].ID, model.StatusFailed)
	report(t, e, g.Jobs[1].ID, model.StatusCompleted)

	got, err := e.svc.CancelGroup(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("CancelGroup: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("group = %s, want failed", got.Status)
	}
}

func TestCancelGroup_Preparing(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)

	if _, err := e.svc.CancelGroup(context.Background(), g.ID); err != nil {
		t.Fatalf("CancelGroup: %v", err)
	}
	for _, job := range e.group(t, g.ID).Jobs {
		if job.Status != model.StatusCancelled {
			t.Errorf("job %s = %s", job.ID, job.Status)
		}
	}
	// Devices were never claimed.
	if e.device(t, "dev_a").Status != model.ResourceAvailable {
		t.Error("dev_a status changed")
	}
}

func TestCancelGroup_NotFound(t *testing.T) {
	e := setup(t)
	_, err := e.svc.CancelGroup(context.Background(), "grp_missing")
	if !model.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestFailGroup(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	e.forceRunning(t, g)
	ctx := context.Background()

	var failed []string
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		failed, err = FailGroup(ctx, tx, g.ID, "dispatch failed", time.Now().UTC())
		return err
	})
	if err != nil {
		t.Fatalf("FailGroup: %v", err)
	}
	if len(failed) != 2 {
		t.Errorf("failed = %v", failed)
	}
	got := e.group(t, g.ID)
	if got.Status != model.StatusFailed || got.CompletedAt == nil {
		t.Errorf("group = %+v", got)
	}
	for _, id := range []string{"dev_a", "dev_b"} {
		if e.device(t, id).Status != model.ResourceAvailable {
			t.Errorf("%s still busy", id)
		}
	}
}

func TestQueueAndSummary(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	ctx := context.Background()
	report(t, e, g.Jobs[0].ID, model.StatusPending)
	report(t, e, g.Jobs[1].ID, model.StatusPending)

	entries, err := e.svc.Queue(ctx)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if len(entries) != 1 || !entries[0].ReadyToRun {
		t.Fatalf("entries = %+v", entries)
	}

	d := e.device(t, "dev_b")
	d.Status = model.ResourceOffline
	e.store.UpdateDevice(ctx, d)
	entries, _ = e.svc.Queue(ctx)
	if entries[0].ReadyToRun {
		t.Error("group with an offline device reported ready")
	}

	sum, err := e.svc.Summary(ctx, g.ID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Status != model.StatusPending || sum.JobCounts[model.StatusPending] != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Devices) != 2 || sum.Devices[1].Status != model.ResourceOffline {
		t.Errorf("summary devices = %+v", sum.Devices)
	}
}

// checkDeviceBinding asserts that a device is busy exactly when a running job holds it.
func (e *testEnv) checkDeviceBinding(t *testing.T, step string) {
	t.Helper()
	ctx := context.Background()
	devices, _, err := e.store.ListDevices(ctx, model.ListOptions{Limit: -1})
	if err != nil {
		t.Fatalf("%s: ListDevices: %v", step, err)
	}
	for _, d := range devices {
		n, err := e.store.CountJobsForDevice(ctx, d.ID, model.StatusRunning)
		if err != nil {
			t.Fatalf("%s: CountJobsForDevice(%s): %v", step, d.ID, err)
		}
		if (d.Status == model.ResourceBusy) != (n > 0) {
			t.Errorf("%s: device %s is %s with %d running job(s)", step, d.ID, d.Status, n)
		}
	}
}

func TestReportStatus_RunningIsRejected(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	report(t, e, g.Jobs[0].ID, model.StatusPending)
	report(t, e, g.Jobs[1].ID, model.StatusPending)

	_, err := e.svc.ReportStatus(context.Background(), g.Jobs[0].ID, "gw_1", model.StatusReport{Status: model.StatusRunning})
	var te *model.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if !model.IsPrecondition(err) {
		t.Error("running report should map to a conflict")
	}

	got := e.group(t, g.ID)
	if got.Status != model.StatusPending {
		t.Errorf("group = %s, want pending", got.Status)
	}
	if got.Jobs[0].Status != model.StatusPending || got.Jobs[0].StartedAt != nil {
		t.Errorf("job = %s started_at=%v, want untouched", got.Jobs[0].Status, got.Jobs[0].StartedAt)
	}
	if d := e.device(t, "dev_a"); d.Status != model.ResourceAvailable {
		t.Errorf("dev_a = %s, want available", d.Status)
	}
	e.checkDeviceBinding(t, "after running report")
}

func TestReportStatus_RunningOnRunningJobIsNoop(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	e.forceRunning(t, g)

	job := report(t, e, g.Jobs[0].ID, model.StatusRunning)
	if job.Status != model.StatusRunning {
		t.Errorf("job = %s, want running", job.Status)
	}
	e.checkDeviceBinding(t, "after repeated running report")
}

func TestReportStatus_FlashTimeoutReleasesDevice(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	e.forceRunning(t, g)
	e.checkDeviceBinding(t, "dispatched")

	job, err := e.svc.ReportStatus(context.Background(), g.Jobs[0].ID, "gw_1", model.StatusReport{
		Status: model.StatusFailed, Message: "flash timed out after 30s",
	})
	if err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if job.Status != model.StatusFailed || job.CompletedAt == nil || job.OutputRef != "" {
		t.Errorf("job = %+v, want failed with no output", job)
	}
	if d := e.device(t, "dev_a"); d.Status != model.ResourceAvailable {
		t.Errorf("dev_a = %s, want available after timeout", d.Status)
	}
	if d := e.device(t, "dev_b"); d.Status != model.ResourceBusy {
		t.Errorf("dev_b = %s, want busy while its job runs", d.Status)
	}
	if got := e.group(t, g.ID).Status; got != model.StatusRunning {
		t.Errorf("group = %s, want running", got)
	}
	e.checkDeviceBinding(t, "after timeout")

	report(t, e, g.Jobs[1].ID, model.StatusCompleted)
	if got := e.group(t, g.ID).Status; got != model.StatusFailed {
		t.Errorf("group = %s, want failed", got)
	}
	e.checkDeviceBinding(t, "after sibling completed")
}

func TestReportStatus_LifecycleKeepsDeviceBinding(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)
	ctx := context.Background()
	e.checkDeviceBinding(t, "created")

	report(t, e, g.Jobs[0].ID, model.StatusPending)
	e.checkDeviceBinding(t, "first compiled")
	report(t, e, g.Jobs[1].ID, model.StatusPending)
	e.checkDeviceBinding(t, "all compiled")

	e.forceRunning(t, e.group(t, g.ID))
	e.checkDeviceBinding(t, "dispatched")

	report(t, e, g.Jobs[0].ID, model.StatusCompleted)
	e.checkDeviceBinding(t, "first completed")

	if _, err := e.svc.CancelGroup(ctx, g.ID); err != nil {
		t.Fatalf("CancelGroup: %v", err)
	}
	e.checkDeviceBinding(t, "cancelled")

	report(t, e, g.Jobs[1].ID, model.StatusCompleted)
	e.checkDeviceBinding(t, "late report")
}

func TestReportStatus_StalledPreparingGroupWarns(t *testing.T) {
	e := setup(t)
	g := twoDeviceGroup(t, e)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e.svc = NewService(e.store, broker.New(e.queue, e.rec, logger), logger)

	report(t, e, g.Jobs[0].ID, model.StatusFailed)
	report(t, e, g.Jobs[1].ID, model.StatusPending)

	if got := e.group(t, g.ID).Status; got != model.StatusPreparing {
		t.Errorf("group = %s, want preparing", got)
	}
	if !strings.Contains(buf.String(), "job group stalled by failed job") {
		t.Errorf("no stall warning logged:\n%s", buf.String())
	}
}
