package agent

// SessionStatus represents the current state of an agent session.
type SessionStatus int

const (
	// StatusPending indicates the session has not yet started.
	StatusPending SessionStatus = iota
	// StatusRunning indicates the session is actively running.
	StatusRunning
	// StatusCompleted indicates the session completed successfully.
	StatusCompleted
	// StatusFailed indicates the session failed with an error.
	StatusFailed
	// StatusCancelled indicates the session was cancelled.
	StatusCancelled
)

// String returns a human-readable string representation of the status.
func (s SessionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if this is a terminal status (completed, failed, or cancelled).
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
