package core

// Status is the lifecycle state of an evaluation. Transitions form a DAG;
// status only ever advances, and terminal states are final.
type Status string

const (
	StatusSubmitted    Status = "submitted"
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// transitions is the legal-move table for the status DAG.
//
//	submitted → queued → provisioning → running → completed
//	                              ↘             ↘ failed
//	                               → failed       ↘ cancelled
var transitions = map[Status][]Status{
	StatusSubmitted:    {StatusQueued},
	StatusQueued:       {StatusProvisioning, StatusFailed, StatusCancelled},
	StatusProvisioning: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusCancelled},
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the evaluation occupies an executor
// (membership criterion for the running-set).
func (s Status) Active() bool {
	return s == StatusProvisioning || s == StatusRunning
}

// CanTransition reports whether from → to is a legal walk on the DAG.
// Self-transitions are allowed (duplicate event delivery is expected).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusForEvent maps an event kind to the status it drives.
// Returns "" for kinds that do not move the lifecycle (workload.cleaned).
func StatusForEvent(kind string) Status {
	switch kind {
	case EventQueued:
		return StatusQueued
	case EventProvisioning:
		return StatusProvisioning
	case EventRunning:
		return StatusRunning
	case EventCompleted:
		return StatusCompleted
	case EventFailed:
		return StatusFailed
	}
	return ""
}
