package model

// Status is the lifecycle state shared by Jobs and JobGroups.
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPreparing, StatusPending, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidTransitions defines the allowed status transitions for Jobs and JobGroups.
var ValidTransitions = map[Status][]Status{
	StatusPreparing: {StatusPending, StatusFailed, StatusCancelled},
	StatusPending:   {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range ValidTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ResourceStatus is the availability of a Gateway or Device.
type ResourceStatus string

const (
	ResourceAvailable ResourceStatus = "available"
	ResourceBusy      ResourceStatus = "busy"
	ResourceOffline   ResourceStatus = "offline"
)

// String returns the string representation of the resource status.
func (s ResourceStatus) String() string {
	return string(s)
}

// Valid reports whether s is a known resource status.
func (s ResourceStatus) Valid() bool {
	switch s {
	case ResourceAvailable, ResourceBusy, ResourceOffline:
		return true
	}
	return false
}

// Verification records whether a gateway has proven possession of its token.
type Verification string

const (
	Unverified Verification = "unverified"
	Verified   Verification = "verified"
)
