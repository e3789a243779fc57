package agent

// Session represents a running streaming agent session.
// Implementations provide access to the decoded event stream, the input side
// of the stream, and process lifecycle.
type Session interface {
	// Events returns a channel of decoded response events.
	// The channel is closed when the session ends.
	Events() <-chan ResponseEvent

	// Errors returns a channel of session errors.
	// Non-blocking; errors are dropped if the channel is full.
	Errors() <-chan error

	// Send queues one user message into the session's input stream.
	Send(text string) error

	// CloseInput closes the input stream, letting the session drain and exit.
	CloseInput() error

	// SessionRef returns the provider session identifier.
	// May be empty until the init event is received.
	SessionRef() string

	// Status returns the current session status.
	Status() SessionStatus

	// IsRunning returns true if the session is actively running.
	IsRunning() bool

	// WorkDir returns the working directory of the session.
	WorkDir() string

	// PID returns the OS process ID, or -1 if not running.
	PID() int

	// Cancel terminates the session.
	Cancel() error

	// Wait blocks until the session completes.
	Wait() error
}
