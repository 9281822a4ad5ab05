package jobs

import (
	"context"
	"fmt"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// GetGroup returns a group with its jobs.
func (s *Service) GetGroup(ctx context.Context, id string) (*model.JobGroup, error) {
	g, err := s.store.GetJobGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job group %s: %w", id, err)
	}
	if g == nil {
		return nil, model.NewNotFoundError("job group", id)
	}
	return g, nil
}

// ListGroups returns a page of groups, newest first.
func (s *Service) ListGroups(ctx context.Context, opts model.ListOptions) ([]*model.JobGroup, int, error) {
	opts.Clamp()
	return s.store.ListJobGroups(ctx, opts)
}

// GetJob returns a single job.
func (s *Service) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if job == nil {
		return nil, model.NewNotFoundError("job", id)
	}
	return job, nil
}

// ListJobs returns a page of jobs across all groups.
func (s *Service) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	opts.Clamp()
	return s.store.ListJobs(ctx, opts)
}

// Queue lists pending groups in dispatch order together with the current
// status of their devices. ReadyToRun is true when every device is available.
func (s *Service) Queue(ctx context.Context) ([]model.QueueEntry, error) {
	groups, err := s.store.ListJobGroupsByStatus(ctx, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending groups: %w", err)
	}

	entries := make([]model.QueueEntry, 0, len(groups))
	for _, g := range groups {
		devices, ready, err := s.deviceStates(ctx, g)
		if err != nil {
			return nil, err
		}
		entries = append(entries, model.QueueEntry{Group: g, Devices: devices, ReadyToRun: ready})
	}
	return entries, nil
}

// Summary returns a group's status with per-status job counts.
func (s *Service) Summary(ctx context.Context, groupID string) (*model.GroupSummary, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	counts := make(map[model.Status]int)
	for _, job := range g.Jobs {
		counts[job.Status]++
	}
	devices, _, err := s.deviceStates(ctx, g)
	if err != nil {
		return nil, err
	}

	return &model.GroupSummary{
		GroupID:     g.ID,
		Name:        g.Name,
		Status:      g.Status,
		JobCounts:   counts,
		Devices:     devices,
		CreatedAt:   g.CreatedAt,
		StartedAt:   g.StartedAt,
		CompletedAt: g.CompletedAt,
	}, nil
}

func (s *Service) deviceStates(ctx context.Context, g *model.JobGroup) ([]model.DeviceState, bool, error) {
	ready := len(g.Jobs) > 0
	states := make([]model.DeviceState, 0, len(g.Jobs))
	for _, job := range g.Jobs {
		d, err := s.store.GetDevice(ctx, job.DeviceID)
		if err != nil {
			return nil, false, fmt.Errorf("get device %s: %w", job.DeviceID, err)
		}
		if d == nil {
			ready = false
			states = append(states, model.DeviceState{ID: job.DeviceID, Status: model.ResourceOffline})
			continue
		}
		if d.Status != model.ResourceAvailable {
			ready = false
		}
		states = append(states, model.DeviceState{ID: d.ID, Name: d.Name, Status: d.Status})
	}
	return states, ready, nil
}
