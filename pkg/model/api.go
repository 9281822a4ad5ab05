package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	Status string // Optional status filter
	Owner  string // Optional owner filter (job groups)
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// JobSpec is one entry of a job group submission.
type JobSpec struct {
	DeviceID  string `json:"device_id"`
	SourceRef string `json:"source_ref"`
}

// CreateJobGroupRequest is the body of POST /api/v1/job-groups.
type CreateJobGroupRequest struct {
	Name  string    `json:"name"`
	Owner string    `json:"owner,omitempty"`
	Jobs  []JobSpec `json:"jobs"`
}

// StatusReport is sent by a gateway when a job changes stage.
type StatusReport struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	OutputRef string `json:"output_ref,omitempty"`
}

// HeartbeatRequest lists the devices a gateway currently sees.
type HeartbeatRequest struct {
	ActiveDeviceIDs []string `json:"active_device_ids"`
}

// CreateGatewayRequest is the body of POST /api/v1/gateways.
type CreateGatewayRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// CreateGatewayResponse carries the plaintext token, which is never shown again.
type CreateGatewayResponse struct {
	Gateway *Gateway `json:"gateway"`
	Token   string   `json:"token"`
}

// RegisterGatewayRequest verifies a gateway by presenting its token.
type RegisterGatewayRequest struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// CreateDeviceRequest is the body of POST /api/v1/devices.
type CreateDeviceRequest struct {
	Name      string `json:"name"`
	GatewayID string `json:"gateway_id"`
	Port      string `json:"port,omitempty"`
}

// DeviceStatusRequest overrides a device's availability.
type DeviceStatusRequest struct {
	Status ResourceStatus `json:"status"`
}

// DeviceState is a device's id, name and status as seen in queue listings.
type DeviceState struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Status ResourceStatus `json:"status"`
}

// QueueEntry is a pending group with the readiness of its devices.
type QueueEntry struct {
	Group      *JobGroup     `json:"group"`
	Devices    []DeviceState `json:"devices"`
	ReadyToRun bool          `json:"ready_to_run"`
}

// GroupSummary is the aggregate view returned by the group status endpoint.
type GroupSummary struct {
	GroupID     string         `json:"group_id"`
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	JobCounts   map[Status]int `json:"job_counts"`
	Devices     []DeviceState  `json:"devices"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
