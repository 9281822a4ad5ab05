package model

import "time"

// JobGroup is a named set of jobs dispatched together.
type JobGroup struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Jobs        []*Job     `json:"jobs,omitempty"`
}

// Job compiles and flashes one source artifact onto one device.
type Job struct {
	ID          string     `json:"id"`
	GroupID     string     `json:"group_id"`
	DeviceID    string     `json:"device_id"`
	Position    int        `json:"position"`
	SourceRef   string     `json:"source_ref"`
	OutputRef   string     `json:"output_ref,omitempty"`
	Message     string     `json:"message,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobStatuses returns the statuses of the group's jobs in order.
func (g *JobGroup) JobStatuses() []Status {
	out := make([]Status, len(g.Jobs))
	for i, j := range g.Jobs {
		out[i] = j.Status
	}
	return out
}

// DeviceIDs returns the target device of each job in order.
func (g *JobGroup) DeviceIDs() []string {
	out := make([]string, len(g.Jobs))
	for i, j := range g.Jobs {
		out[i] = j.DeviceID
	}
	return out
}
