// Package agent implements the gateway-side execution agent: it polls the
// server for download and dispatch messages, compiles and flashes firmware,
// captures device serial output and reports job status back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// Queue delivers work for this gateway. Both methods return nil on timeout.
type Queue interface {
	PollDownload(ctx context.Context, wait time.Duration) (*model.DownloadMessage, error)
	PollJob(ctx context.Context, wait time.Duration) (*model.DispatchMessage, error)
}

// StatusReporter sends job status changes to the server.
type StatusReporter interface {
	ReportStatus(ctx context.Context, jobID string, report model.StatusReport) error
}

// Heartbeater tells the server which devices the gateway can reach.
type Heartbeater interface {
	Heartbeat(ctx context.Context, activeDeviceIDs []string) error
}

// API is the server surface the agent needs. *Client implements it.
type API interface {
	Queue
	StatusReporter
	Heartbeater
}

// Agent runs the download, compile, flash and capture pipeline.
type Agent struct {
	cfg      Config
	api      API
	transfer Transfer
	runner   CommandRunner
	openPort PortOpener
	sink     LogSink
	stat     func(string) (os.FileInfo, error)
	sem      *Semaphore
	backoff  time.Duration
	logger   *slog.Logger

	inflight sync.WaitGroup

	mu          sync.Mutex
	finished    map[string]finishedJob
	finishedTTL time.Duration
	now         func() time.Time
}

// finishedJob remembers a job's final status long enough to drop redelivered dispatches.
type finishedJob struct {
	status model.Status
	at     time.Time
}

// defaultFinishedTTL bounds how long finished jobs are remembered.
const defaultFinishedTTL = time.Hour

// Option configures an Agent.
type Option func(*Agent)

// WithTransfer sets how sources are fetched and logs are uploaded.
func WithTransfer(t Transfer) Option { return func(a *Agent) { a.transfer = t } }

// WithCommandRunner replaces os/exec for the compile and flash commands.
func WithCommandRunner(r CommandRunner) Option { return func(a *Agent) { a.runner = r } }

// WithPortOpener replaces the serial port implementation.
func WithPortOpener(o PortOpener) Option { return func(a *Agent) { a.openPort = o } }

// WithLogSink mirrors captured device output to s.
func WithLogSink(s LogSink) Option { return func(a *Agent) { a.sink = s } }

// New creates an Agent. When no transfer is given and api can serve
// artifacts, sources and logs go through the server's artifact endpoints.
func New(cfg Config, api API, logger *slog.Logger, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:         cfg,
		api:         api,
		runner:      osCommandRunner{},
		openPort:    OpenSerial,
		stat:        os.Stat,
		sem:         NewSemaphore(cfg.Concurrency),
		backoff:     2 * time.Second,
		logger:      logger.With("component", "agent", "gateway_id", cfg.GatewayID),
		finished:    make(map[string]finishedJob),
		finishedTTL: defaultFinishedTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.transfer == nil {
		aa, ok := api.(artifactAPI)
		if !ok {
			return nil, fmt.Errorf("no transfer configured")
		}
		a.transfer = NewHTTPTransfer(aa, cfg.Transfer.MaxRetries, cfg.Transfer.RetryDelay)
	}
	if a.sink == nil {
		a.sink = NewSlogSink(a.logger)
	}
	return a, nil
}

// Run polls for work until ctx is cancelled, then waits for in-flight
// pipelines to finish.
func (a *Agent) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", a.cfg.WorkDir, err)
	}
	a.logger.Info("agent started",
		"work_dir", a.cfg.WorkDir,
		"concurrency", a.sem.Capacity(),
		"devices", len(a.cfg.Devices),
	)

	var loops sync.WaitGroup
	loops.Add(3)
	go func() {
		defer loops.Done()
		a.heartbeatLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		a.pollLoop(ctx, "downloads", func(ctx context.Context) (func(context.Context), error) {
			msg, err := a.api.PollDownload(ctx, a.cfg.PollWait)
			if err != nil || msg == nil {
				return nil, err
			}
			return func(ctx context.Context) { a.handleDownload(ctx, msg) }, nil
		})
	}()
	go func() {
		defer loops.Done()
		a.pollLoop(ctx, "jobs", func(ctx context.Context) (func(context.Context), error) {
			msg, err := a.api.PollJob(ctx, a.cfg.PollWait)
			if err != nil || msg == nil {
				return nil, err
			}
			return func(ctx context.Context) { a.handleDispatch(ctx, msg) }, nil
		})
	}()

	loops.Wait()
	a.logger.Info("shutting down, waiting for in-flight jobs")
	a.inflight.Wait()
	return nil
}

// pollLoop takes a semaphore slot before each poll so a message is only
// accepted when there is capacity to run it.
func (a *Agent) pollLoop(ctx context.Context, name string, poll func(context.Context) (func(context.Context), error)) {
	for {
		if !a.sem.Acquire(ctx) {
			return
		}
		work, err := poll(ctx)
		if err != nil {
			a.sem.Release()
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("poll failed", "queue", name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.backoff):
			}
			continue
		}
		if work == nil {
			a.sem.Release()
			continue
		}

		// Stages are bounded by their own timeouts, not by shutdown.
		stageCtx := context.WithoutCancel(ctx)
		a.inflight.Add(1)
		go func() {
			defer a.inflight.Done()
			defer a.sem.Release()
			work(stageCtx)
		}()
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	if a.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := a.api.Heartbeat(ctx, a.activeDevices()); err != nil && ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// activeDevices returns the configured devices whose serial port exists.
func (a *Agent) activeDevices() []string {
	ids := make([]string, 0, len(a.cfg.Devices))
	for id, port := range a.cfg.Devices {
		if _, err := a.stat(port); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// --- Pipeline ---

func (a *Agent) jobDir(jobID string) string {
	return filepath.Join(a.cfg.WorkDir, jobID)
}

// handleDownload fetches a job's source and compiles it. A successful build
// moves the job to pending.
func (a *Agent) handleDownload(ctx context.Context, msg *model.DownloadMessage) {
	log := a.logger.With("job_id", msg.JobID)
	log.Info("download received", "source_ref", msg.SourceRef)

	dir := a.jobDir(msg.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.fail(ctx, msg.JobID, fmt.Errorf("create job dir: %w", err))
		return
	}

	data, err := a.transfer.Download(ctx, msg.SourceRef)
	if err != nil {
		a.fail(ctx, msg.JobID, fmt.Errorf("download source: %w", err))
		return
	}
	source := filepath.Join(dir, sourceName(msg.SourceRef))
	if err := os.WriteFile(source, data, 0o644); err != nil {
		a.fail(ctx, msg.JobID, fmt.Errorf("save source: %w", err))
		return
	}
	log.Debug("source saved", "path", source, "size", len(data))

	argv := expandCommand(a.cfg.CompileCommand, map[string]string{
		"dir":    dir,
		"source": source,
		"output": filepath.Join(dir, "firmware.bin"),
	})
	out, code, err := a.runner.Run(ctx, dir, argv)
	if err != nil {
		a.fail(ctx, msg.JobID, fmt.Errorf("compile: %w", err))
		return
	}
	if code != 0 {
		a.fail(ctx, msg.JobID, fmt.Errorf("compile exited with code %d: %s", code, tail(out, 512)))
		return
	}

	log.Info("compile succeeded")
	a.report(ctx, msg.JobID, model.StatusReport{Status: model.StatusPending, Message: "compiled"})
}

// handleDispatch flashes a compiled job onto its device, captures the
// device's output and uploads it.
func (a *Agent) handleDispatch(ctx context.Context, msg *model.DispatchMessage) {
	log := a.logger.With("job_id", msg.JobID, "device_id", msg.DeviceID)
	if st, done := a.finishedStatus(msg.JobID); done {
		log.Info("ignoring dispatch for finished job", "status", st)
		return
	}
	log.Info("dispatch received", "group_id", msg.GroupID)

	port, ok := a.cfg.Devices[msg.DeviceID]
	if !ok || port == "" {
		a.fail(ctx, msg.JobID, fmt.Errorf("no serial port configured for device %s", msg.DeviceID))
		return
	}
	dir := a.jobDir(msg.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.fail(ctx, msg.JobID, fmt.Errorf("create job dir: %w", err))
		return
	}

	if err := a.flash(ctx, dir, port); err != nil {
		a.fail(ctx, msg.JobID, err)
		return
	}
	log.Info("flash succeeded", "port", port)

	data, lines, err := a.captureLogs(ctx, msg.JobID, msg.DeviceID, port, filepath.Join(dir, "device.log"))
	if err != nil {
		a.fail(ctx, msg.JobID, fmt.Errorf("capture logs: %w", err))
		return
	}
	if lines == 0 {
		log.Warn("no output captured from device", "port", port)
	}

	ref, err := a.transfer.Upload(ctx, msg.JobID, data)
	if err != nil {
		a.fail(ctx, msg.JobID, fmt.Errorf("upload log: %w", err))
		return
	}
	log.Info("log uploaded", "output_ref", ref, "lines", lines)
	a.report(ctx, msg.JobID, model.StatusReport{
		Status:    model.StatusCompleted,
		Message:   fmt.Sprintf("captured %d lines", lines),
		OutputRef: ref,
	})
}

// flash runs the flash command under the flash timeout. The process is
// killed when the timeout expires.
func (a *Agent) flash(ctx context.Context, dir, port string) error {
	fctx := ctx
	if a.cfg.FlashTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, a.cfg.FlashTimeout)
		defer cancel()
	}

	argv := expandCommand(a.cfg.FlashCommand, map[string]string{"port": port, "dir": dir})
	out, code, err := a.runner.Run(fctx, dir, argv)
	switch {
	case errors.Is(fctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("flash timed out after %s", a.cfg.FlashTimeout)
	case err != nil:
		return fmt.Errorf("flash: %w", err)
	case code != 0:
		return fmt.Errorf("flash exited with code %d: %s", code, tail(out, 512))
	}
	return nil
}

func (a *Agent) fail(ctx context.Context, jobID string, err error) {
	a.logger.Error("job failed", "job_id", jobID, "error", err)
	a.report(ctx, jobID, model.StatusReport{Status: model.StatusFailed, Message: err.Error()})
}

// report sends a status change. A conflict means the server already holds a
// terminal status for the job, so the report is dropped.
func (a *Agent) report(ctx context.Context, jobID string, r model.StatusReport) {
	if r.Status.IsTerminal() {
		a.markFinished(jobID, r.Status)
	}
	err := a.api.ReportStatus(ctx, jobID, r)
	switch {
	case err == nil:
		a.logger.Debug("status reported", "job_id", jobID, "status", r.Status)
	case IsConflict(err):
		a.logger.Info("status report ignored by server", "job_id", jobID, "status", r.Status)
	default:
		a.logger.Error("report status failed", "job_id", jobID, "status", r.Status, "error", err)
	}
}

// markFinished records a job's final status and forgets jobs older than finishedTTL.
func (a *Agent) markFinished(jobID string, st model.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for id, f := range a.finished {
		if now.Sub(f.at) > a.finishedTTL {
			delete(a.finished, id)
		}
	}
	a.finished[jobID] = finishedJob{status: st, at: now}
}

func (a *Agent) finishedStatus(jobID string) (model.Status, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.finished[jobID]
	if !ok || a.now().Sub(f.at) > a.finishedTTL {
		return "", false
	}
	return f.status, true
}

// sourceName derives the saved file name from a source reference.
func sourceName(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	name := path.Base(ref)
	if name == "." || name == "/" || name == "" {
		return "source"
	}
	return name
}
