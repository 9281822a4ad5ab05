package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/broker"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/jobs"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/store"
	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	PollInterval time.Duration
	// HeartbeatTimeout marks gateways and devices offline when their last
	// heartbeat is older than this. Zero disables the sweep.
	HeartbeatTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second, HeartbeatTimeout: 90 * time.Second}
}

// Sweeper marks resources offline whose heartbeat is older than cutoff.
type Sweeper interface {
	SweepStale(ctx context.Context, cutoff time.Time) (int, error)
}

// errNotReady aborts a dispatch transaction without compensation.
var errNotReady = errors.New("group not ready")

// Loop implements the Scheduler interface with a polling-based scheduling loop.
type Loop struct {
	store    store.Store
	broker   broker.Broker
	sweeper  Sweeper
	config   Config
	logger   *slog.Logger
	now      func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLoop creates a new scheduler loop.
func NewLoop(st store.Store, br broker.Broker, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		store:  st,
		broker: br,
		config: cfg,
		logger: logger.With("component", "scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetSweeper enables the stale heartbeat sweep on each tick.
func (l *Loop) SetSweeper(s Sweeper) {
	l.sweeper = s
}

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler started", "poll_interval", l.config.PollInterval)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()
	defer close(l.doneCh)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
	return nil
}

// Tick runs a single scheduling iteration.
func (l *Loop) Tick(ctx context.Context) error {
	// Phase 1: Mark silent gateways and devices offline.
	if l.sweeper != nil && l.config.HeartbeatTimeout > 0 {
		cutoff := l.now().Add(-l.config.HeartbeatTimeout)
		if n, err := l.sweeper.SweepStale(ctx, cutoff); err != nil {
			l.logger.Error("stale sweep", "error", err)
		} else if n > 0 {
			l.logger.Info("marked resources offline", "count", n)
		}
	}

	// Phase 2: Dispatch pending groups in creation order.
	if err := l.dispatchPending(ctx); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

func (l *Loop) dispatchPending(ctx context.Context) error {
	groups, err := l.store.ListJobGroupsByStatus(ctx, model.StatusPending)
	if err != nil {
		return err
	}

	for _, g := range groups {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := l.DispatchGroup(ctx, g.ID); err != nil {
			l.logger.Error("dispatch group", "group_id", g.ID, "error", err)
		}
	}
	return nil
}

// DispatchGroup dispatches one pending group if every device it targets is
// available. All devices are claimed, all jobs started and one dispatch
// message per job enqueued in a single transaction. If anything inside that
// transaction fails, the group and its jobs are marked failed instead.
//
// It reports whether the group was dispatched.
func (l *Loop) DispatchGroup(ctx context.Context, groupID string) (bool, error) {
	var dispatched []model.DispatchMessage

	err := l.store.WithTx(ctx, func(tx store.Store) error {
		dispatched = nil

		g, err := tx.GetJobGroup(ctx, groupID)
		if err != nil {
			return fmt.Errorf("get job group: %w", err)
		}
		if g == nil || g.Status != model.StatusPending || len(g.Jobs) == 0 {
			return errNotReady
		}
		for _, job := range g.Jobs {
			if job.Status.IsTerminal() {
				return &settledJobError{jobID: job.ID, status: job.Status}
			}
			if job.Status != model.StatusPending {
				return errNotReady
			}
		}

		devices := make([]*model.Device, len(g.Jobs))
		for i, job := range g.Jobs {
			d, err := tx.GetDevice(ctx, job.DeviceID)
			if err != nil {
				return fmt.Errorf("get device %s: %w", job.DeviceID, err)
			}
			if d == nil {
				return model.NewNotFoundError("device", job.DeviceID)
			}
			if d.Status != model.ResourceAvailable {
				return errNotReady
			}
			devices[i] = d
		}

		now := l.now()
		for _, d := range devices {
			d.Status = model.ResourceBusy
			if err := tx.UpdateDevice(ctx, d); err != nil {
				return fmt.Errorf("claim device %s: %w", d.ID, err)
			}
		}
		for _, job := range g.Jobs {
			job.Status = model.StatusRunning
			job.StartedAt = &now
			if err := tx.UpdateJob(ctx, job); err != nil {
				return fmt.Errorf("start job %s: %w", job.ID, err)
			}
		}
		g.Status = model.StatusRunning
		g.StartedAt = &now
		if err := tx.UpdateJobGroup(ctx, g); err != nil {
			return fmt.Errorf("start job group: %w", err)
		}

		for i, job := range g.Jobs {
			msg := model.DispatchMessage{JobID: job.ID, GroupID: g.ID, DeviceID: job.DeviceID}
			if err := l.broker.PushJob(ctx, devices[i].GatewayID, msg); err != nil {
				return fmt.Errorf("enqueue job %s: %w", job.ID, err)
			}
			dispatched = append(dispatched, msg)
		}
		return nil
	})

	if errors.Is(err, errNotReady) {
		return false, nil
	}
	var settled *settledJobError
	if errors.As(err, &settled) {
		// Nothing was claimed yet, so only the group and its jobs change.
		l.logger.Warn("group has a finished job, failing it", "group_id", groupID,
			"job_id", settled.jobID, "job_status", settled.status)
		if cerr := l.compensate(ctx, groupID, err); cerr != nil {
			return false, fmt.Errorf("fail group %s: %w", groupID, cerr)
		}
		return false, nil
	}
	if err != nil {
		l.logger.Error("dispatch failed, compensating", "group_id", groupID, "error", err)
		if cerr := l.compensate(ctx, groupID, err); cerr != nil {
			return false, fmt.Errorf("compensate after %v: %w", err, cerr)
		}
		return false, err
	}

	l.logger.Info("job group dispatched", "group_id", groupID, "jobs", len(dispatched))
	for _, msg := range dispatched {
		if perr := l.broker.PublishStatus(ctx, msg.JobID, model.StatusEvent{Status: model.StatusRunning}); perr != nil {
			l.logger.Warn("status publish failed", "job_id", msg.JobID, "error", perr)
		}
	}
	return true, nil
}

// settledJobError stops dispatch of a pending group that already holds a finished job.
type settledJobError struct {
	jobID  string
	status model.Status
}

func (e *settledJobError) Error() string {
	return fmt.Sprintf("job %s is already %s", e.jobID, e.status)
}

// compensate commits the failed state for a group whose dispatch was rolled back.
func (l *Loop) compensate(ctx context.Context, groupID string, cause error) error {
	message := "dispatch failed: " + cause.Error()
	var failed []string
	err := l.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		failed, err = jobs.FailGroup(ctx, tx, groupID, message, l.now())
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range failed {
		if perr := l.broker.PublishStatus(ctx, id, model.StatusEvent{Status: model.StatusFailed, Message: message}); perr != nil {
			l.logger.Warn("status publish failed", "job_id", id, "error", perr)
		}
	}
	return nil
}
