// Package jobs owns the job and job group lifecycle: creation, status
// reports from gateways, aggregation of group status and cancellation.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/broker"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/store"
	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// Service implements job group operations on top of a Store and a Broker.
type Service struct {
	store  store.Store
	broker broker.Broker
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a job Service.
func NewService(st store.Store, br broker.Broker, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		broker: br,
		logger: logger.With("component", "jobs"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateGroup validates the request, persists the group with all its jobs in
// status preparing, and notifies each owning gateway to download the source.
// Download notifications are best-effort: a failed push is logged and the
// group is still returned.
func (s *Service) CreateGroup(ctx context.Context, owner string, req model.CreateJobGroupRequest) (*model.JobGroup, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	devices := make(map[string]*model.Device, len(req.Jobs))
	for _, spec := range req.Jobs {
		d, err := s.store.GetDevice(ctx, spec.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("get device %s: %w", spec.DeviceID, err)
		}
		if d == nil {
			return nil, model.NewNotFoundError("device", spec.DeviceID)
		}
		devices[d.ID] = d
	}

	now := s.now()
	if owner == "" {
		owner = req.Owner
	}
	g := &model.JobGroup{
		ID:        "grp_" + uuid.New().String(),
		Owner:     owner,
		Name:      strings.TrimSpace(req.Name),
		Status:    model.StatusPreparing,
		CreatedAt: now,
	}
	for _, spec := range req.Jobs {
		g.Jobs = append(g.Jobs, &model.Job{
			ID:        "job_" + uuid.New().String(),
			DeviceID:  spec.DeviceID,
			SourceRef: spec.SourceRef,
			Status:    model.StatusPreparing,
			CreatedAt: now,
		})
	}

	if err := s.store.CreateJobGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("create job group: %w", err)
	}
	s.logger.Info("job group created", "group_id", g.ID, "owner", g.Owner, "jobs", len(g.Jobs))

	for _, job := range g.Jobs {
		gatewayID := devices[job.DeviceID].GatewayID
		msg := model.DownloadMessage{JobID: job.ID, SourceRef: job.SourceRef}
		if err := s.broker.PushDownload(ctx, gatewayID, msg); err != nil {
			s.logger.Warn("download notification failed",
				"group_id", g.ID, "job_id", job.ID, "gateway_id", gatewayID, "error", err)
		}
	}
	return g, nil
}

func validateCreate(req model.CreateJobGroupRequest) error {
	var details []model.FieldError
	if strings.TrimSpace(req.Name) == "" {
		details = append(details, model.FieldError{Field: "name", Message: "required"})
	}
	if len(req.Jobs) == 0 {
		details = append(details, model.FieldError{Field: "jobs", Message: "at least one job is required"})
	}
	seen := make(map[string]bool, len(req.Jobs))
	for i, spec := range req.Jobs {
		field := fmt.Sprintf("jobs[%d]", i)
		if spec.DeviceID == "" {
			details = append(details, model.FieldError{Field: field + ".device_id", Message: "required"})
		} else if seen[spec.DeviceID] {
			details = append(details, model.FieldError{Field: field + ".device_id", Message: "device appears more than once in the group"})
		}
		seen[spec.DeviceID] = true
		if spec.SourceRef == "" {
			details = append(details, model.FieldError{Field: field + ".source_ref", Message: "required"})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError("Invalid job group", details...)
	}
	return nil
}

// ReportStatus applies a gateway's status report to a job and re-evaluates
// the job's group in the same transaction.
//
// Reports against a job that is already terminal are accepted and ignored.
// When gatewayID is non-empty the job's device must belong to that gateway.
func (s *Service) ReportStatus(ctx context.Context, jobID, gatewayID string, report model.StatusReport) (*model.Job, error) {
	if !report.Status.Valid() {
		return nil, model.NewValidationError("Invalid status",
			model.FieldError{Field: "status", Message: fmt.Sprintf("unknown status %q", report.Status)})
	}

	var result *model.Job
	var events []jobEvent
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("get job %s: %w", jobID, err)
		}
		if job == nil {
			return model.NewNotFoundError("job", jobID)
		}
		result = job

		if gatewayID != "" {
			d, err := tx.GetDevice(ctx, job.DeviceID)
			if err != nil {
				return fmt.Errorf("get device %s: %w", job.DeviceID, err)
			}
			if d == nil || d.GatewayID != gatewayID {
				return &model.UnauthorizedError{Message: fmt.Sprintf("job %s is not assigned to gateway %s", jobID, gatewayID)}
			}
		}

		if job.Status.IsTerminal() {
			s.logger.Info("ignoring report for finished job",
				"job_id", jobID, "status", job.Status, "reported", report.Status)
			return nil
		}
		if job.Status == report.Status {
			return nil
		}
		// Only dispatch starts a job, since it must claim the device too.
		if report.Status == model.StatusRunning || !job.Status.CanTransitionTo(report.Status) {
			return &model.InvalidTransitionError{
				Entity: "Job", ID: jobID, From: job.Status.String(), To: report.Status.String(),
			}
		}

		now := s.now()
		prev := job.Status
		job.Status = report.Status
		job.Message = report.Message
		if report.OutputRef != "" {
			job.OutputRef = report.OutputRef
		}
		if job.Status == model.StatusRunning && job.StartedAt == nil {
			job.StartedAt = &now
		}
		if job.Status.IsTerminal() {
			job.CompletedAt = &now
		}
		if err := tx.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("update job %s: %w", jobID, err)
		}
		events = append(events, jobEvent{jobID, model.StatusEvent{Status: job.Status, Message: job.Message}})

		if prev == model.StatusRunning && job.Status.IsTerminal() {
			if err := ReleaseDevice(ctx, tx, job.DeviceID); err != nil {
				return err
			}
		}

		cascaded, err := s.aggregate(ctx, tx, job.GroupID, now)
		if err != nil {
			return err
		}
		events = append(events, cascaded...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events)
	return result, nil
}

// aggregate recomputes the group's status from its jobs. When the result is
// cancelled every remaining non-terminal job is cancelled too.
func (s *Service) aggregate(ctx context.Context, tx store.Store, groupID string, now time.Time) ([]jobEvent, error) {
	g, err := tx.GetJobGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("get job group %s: %w", groupID, err)
	}
	if g == nil {
		return nil, model.NewNotFoundError("job group", groupID)
	}

	statuses := g.JobStatuses()
	next := model.AggregateGroupStatus(g.Status, statuses)
	if next == g.Status {
		if g.Status == model.StatusPreparing && slices.Contains(statuses, model.StatusFailed) {
			s.logger.Warn("job group stalled by failed job", "group_id", g.ID)
		}
		return nil, nil
	}

	var events []jobEvent
	if next == model.StatusCancelled {
		if events, err = cancelJobs(ctx, tx, g, "group cancelled", now); err != nil {
			return nil, err
		}
	}

	s.logger.Info("job group status changed", "group_id", g.ID, "from", g.Status, "to", next)
	g.Status = next
	if next.IsTerminal() {
		g.CompletedAt = &now
	}
	if err := tx.UpdateJobGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("update job group %s: %w", g.ID, err)
	}
	return events, nil
}

// CancelGroup cancels a group and every job in it that has not finished.
// Cancelling a completed group is rejected; a failed or already cancelled
// group is returned unchanged.
func (s *Service) CancelGroup(ctx context.Context, groupID string) (*model.JobGroup, error) {
	var result *model.JobGroup
	var events []jobEvent
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		g, err := tx.GetJobGroup(ctx, groupID)
		if err != nil {
			return fmt.Errorf("get job group %s: %w", groupID, err)
		}
		if g == nil {
			return model.NewNotFoundError("job group", groupID)
		}
		result = g

		switch g.Status {
		case model.StatusCompleted:
			return model.NewPreconditionError("job group %s is already completed", groupID)
		case model.StatusFailed, model.StatusCancelled:
			return nil
		}

		now := s.now()
		if events, err = cancelJobs(ctx, tx, g, "cancelled by user", now); err != nil {
			return err
		}
		g.Status = model.StatusCancelled
		g.CompletedAt = &now
		return tx.UpdateJobGroup(ctx, g)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("job group cancelled", "group_id", groupID, "jobs_cancelled", len(events))
	s.publish(ctx, events)
	return result, nil
}

// cancelJobs moves every non-terminal job of g to cancelled and releases the
// devices of jobs that were running. g.Jobs is updated in place.
func cancelJobs(ctx context.Context, tx store.Store, g *model.JobGroup, message string, now time.Time) ([]jobEvent, error) {
	var events []jobEvent
	for _, job := range g.Jobs {
		if job.Status.IsTerminal() {
			continue
		}
		wasRunning := job.Status == model.StatusRunning
		job.Status = model.StatusCancelled
		job.Message = message
		job.CompletedAt = &now
		if err := tx.UpdateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("cancel job %s: %w", job.ID, err)
		}
		if wasRunning {
			if err := ReleaseDevice(ctx, tx, job.DeviceID); err != nil {
				return nil, err
			}
		}
		events = append(events, jobEvent{job.ID, model.StatusEvent{Status: model.StatusCancelled, Message: message}})
	}
	return events, nil
}

// FailGroup marks a group and all of its unfinished jobs failed and releases
// any of its devices left busy. Used to compensate for a failed dispatch.
// It returns the ids of the jobs it failed.
func FailGroup(ctx context.Context, tx store.Store, groupID, message string, now time.Time) ([]string, error) {
	g, err := tx.GetJobGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("get job group %s: %w", groupID, err)
	}
	if g == nil {
		return nil, model.NewNotFoundError("job group", groupID)
	}
	if g.Status.IsTerminal() {
		return nil, nil
	}

	var failed []string
	for _, job := range g.Jobs {
		if job.Status.IsTerminal() {
			continue
		}
		job.Status = model.StatusFailed
		job.Message = message
		job.CompletedAt = &now
		if err := tx.UpdateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("fail job %s: %w", job.ID, err)
		}
		failed = append(failed, job.ID)
	}
	for _, job := range g.Jobs {
		if err := ReleaseDevice(ctx, tx, job.DeviceID); err != nil {
			return nil, err
		}
	}

	g.Status = model.StatusFailed
	g.CompletedAt = &now
	if err := tx.UpdateJobGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("fail job group %s: %w", groupID, err)
	}
	return failed, nil
}

// ReleaseDevice returns a busy device to available once no running job holds it.
func ReleaseDevice(ctx context.Context, tx store.Store, deviceID string) error {
	d, err := tx.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("get device %s: %w", deviceID, err)
	}
	if d == nil || d.Status != model.ResourceBusy {
		return nil
	}
	n, err := tx.CountJobsForDevice(ctx, deviceID, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("count running jobs for %s: %w", deviceID, err)
	}
	if n > 0 {
		return nil
	}
	d.Status = model.ResourceAvailable
	if err := tx.UpdateDevice(ctx, d); err != nil {
		return fmt.Errorf("release device %s: %w", deviceID, err)
	}
	return nil
}

type jobEvent struct {
	jobID string
	event model.StatusEvent
}

// publish sends status events after commit. Delivery is advisory.
func (s *Service) publish(ctx context.Context, events []jobEvent) {
	for _, e := range events {
		if err := s.broker.PublishStatus(ctx, e.jobID, e.event); err != nil {
			s.logger.Warn("status publish failed", "job_id", e.jobID, "error", err)
		}
	}
}
