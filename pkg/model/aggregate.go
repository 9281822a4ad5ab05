package model

// AggregateGroupStatus derives a group's status from the statuses of its jobs.
//
// Rules are applied in order:
//  1. all jobs pending: pending
//  2. any job cancelled: cancelled
//  3. all jobs terminal: failed if any failed, otherwise completed
//  4. otherwise the current status is kept
//
// A terminal group status is never re-opened.
func AggregateGroupStatus(current Status, jobs []Status) Status {
	if current.IsTerminal() || len(jobs) == 0 {
		return current
	}

	allPending, allTerminal := true, true
	anyCancelled, anyFailed := false, false
	for _, s := range jobs {
		if s != StatusPending {
			allPending = false
		}
		if !s.IsTerminal() {
			allTerminal = false
		}
		switch s {
		case StatusCancelled:
			anyCancelled = true
		case StatusFailed:
			anyFailed = true
		}
	}

	switch {
	case allPending:
		return StatusPending
	case anyCancelled:
		return StatusCancelled
	case allTerminal && anyFailed:
		return StatusFailed
	case allTerminal:
		return StatusCompleted
	}
	return current
}
