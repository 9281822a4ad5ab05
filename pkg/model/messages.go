package model

// DownloadMessage asks a gateway to fetch and compile a job's source.
type DownloadMessage struct {
	JobID     string `json:"job_id"`
	SourceRef string `json:"source_reference"`
}

// DispatchMessage tells a gateway to flash a compiled job onto its device.
type DispatchMessage struct {
	JobID    string `json:"job_id"`
	GroupID  string `json:"group_id"`
	DeviceID string `json:"device_id"`
}

// StatusEvent is published on a job's status channel after each accepted change.
type StatusEvent struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}
