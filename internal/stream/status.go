package stream

// Status is the lifecycle state of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further transition can occur from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// StopResult is the outcome of a stop request.
type StopResult string

const (
	StopNotFound       StopResult = "not_found"
	StopAlreadyStopped StopResult = "already_stopped"
	StopStopping       StopResult = "stopping"
)
