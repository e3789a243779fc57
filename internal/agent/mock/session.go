package mock

import (
	"sync"
	"time"

	"github.com/kiln-dev/kiln/internal/agent"
)

// Session is a mock implementation of agent.Session for testing.
// It provides methods to inject events and errors, script replies to Send,
// and control session lifecycle.
type Session struct {
	events      chan agent.ResponseEvent
	errors      chan error
	sessionID   string
	workDir     string
	pid         int
	status      agent.SessionStatus
	inputClosed bool
	sent        []string
	done        chan struct{}
	waitErr     error
	mu          sync.RWMutex

	// OnSend, when set, is called for each Send with the message text.
	// Returned events are injected into the events channel, simulating the
	// runtime's reply to that message.
	OnSend func(text string) []agent.ResponseEvent

	// SendErr, when set, is returned by Send.
	SendErr error
}

// NewSession creates a new mock session with buffered channels.
func NewSession() *Session {
	return &Session{
		events: make(chan agent.ResponseEvent, 100),
		errors: make(chan error, 10),
		status: agent.StatusRunning,
		done:   make(chan struct{}),
	}
}

// Events returns the events channel.
func (s *Session) Events() <-chan agent.ResponseEvent {
	return s.events
}

// Errors returns the errors channel.
func (s *Session) Errors() <-chan error {
	return s.errors
}

// Send records the message and, if OnSend is set, injects its reply events.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	if s.SendErr != nil {
		err := s.SendErr
		s.mu.Unlock()
		return err
	}
	if s.inputClosed {
		s.mu.Unlock()
		return agent.ErrInputClosed
	}
	s.sent = append(s.sent, text)
	onSend := s.OnSend
	s.mu.Unlock()

	if onSend != nil {
		for _, event := range onSend(text) {
			s.SendEvent(event)
		}
	}
	return nil
}

// CloseInput closes the input side. Subsequent Sends fail.
func (s *Session) CloseInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputClosed = true
	return nil
}

// Sent returns a copy of all messages passed to Send.
func (s *Session) Sent() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// SessionRef returns the session reference.
func (s *Session) SessionRef() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Status returns the current session status.
func (s *Session) Status() agent.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsRunning returns true if the session is running.
func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == agent.StatusRunning
}

// WorkDir returns the working directory.
func (s *Session) WorkDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workDir
}

// PID returns the mock process ID.
func (s *Session) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pid
}

// Cancel terminates the mock session.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == agent.StatusRunning {
		s.status = agent.StatusCancelled
		close(s.events)
		close(s.errors)
		close(s.done)
	}
	return nil
}

// Wait blocks until the session completes.
func (s *Session) Wait() error {
	<-s.done
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waitErr
}

// --- Control Methods for Tests ---

// SendEvent sends an event to the events channel.
// It's safe to call from tests to simulate runtime output.
func (s *Session) SendEvent(event agent.ResponseEvent) {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()

	if status == agent.StatusRunning {
		s.events <- event
	}
}

// SendError sends an error to the errors channel.
func (s *Session) SendError(err error) {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()

	if status == agent.StatusRunning {
		select {
		case s.errors <- err:
		default:
			// Drop if buffer full
		}
	}
}

// Complete marks the session as successfully completed.
// It closes the event channel and signals completion.
func (s *Session) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == agent.StatusRunning {
		s.status = agent.StatusCompleted
		close(s.events)
		close(s.errors)
		close(s.done)
	}
}

// Fail marks the session as failed with the given error.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == agent.StatusRunning {
		s.status = agent.StatusFailed
		s.waitErr = err
		close(s.events)
		close(s.errors)
		close(s.done)
	}
}

// SetSessionID sets the session ID (useful before the session starts).
func (s *Session) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

// SetWorkDir sets the working directory.
func (s *Session) SetWorkDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workDir = dir
}

// SetPID sets the mock process ID.
func (s *Session) SetPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
}

// Done returns a channel that's closed when the session completes.
// Useful for tests that need to wait for completion.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// --- Helper Methods for Common Event Types ---

// SendInitEvent sends a system init event with the given session ID and working directory.
func (s *Session) SendInitEvent(sessionID, workDir string) {
	s.mu.Lock()
	s.sessionID = sessionID
	s.workDir = workDir
	s.mu.Unlock()

	s.SendEvent(agent.ResponseEvent{
		Type:      agent.EventSystem,
		SubType:   "init",
		SessionID: sessionID,
		WorkDir:   workDir,
		Timestamp: time.Now(),
	})
}

// SendTextEvent sends an assistant text message event.
func (s *Session) SendTextEvent(text string) {
	s.SendEvent(agent.ResponseEvent{
		Type:      agent.EventMessage,
		Timestamp: time.Now(),
		Text:      text,
	})
}

// SendResultEvent sends a successful result event carrying the reply text
// and token usage.
func (s *Session) SendResultEvent(text string, inputTokens, outputTokens int, costUSD float64) {
	s.SendEvent(agent.ResponseEvent{
		Type:      agent.EventResult,
		Timestamp: time.Now(),
		Text:      text,
		Usage: &agent.UsageInfo{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		},
		CostUSD: costUSD,
	})
}

// SendErrorResultEvent sends an error result event.
func (s *Session) SendErrorResultEvent(errMsg string) {
	s.SendEvent(agent.ResponseEvent{
		Type:          agent.EventResult,
		Timestamp:     time.Now(),
		IsErrorResult: true,
		Text:          errMsg,
	})
}

// SendOverflowResultEvent sends a result event classified as context window
// exhaustion.
func (s *Session) SendOverflowResultEvent() {
	s.SendEvent(agent.ResponseEvent{
		Type:      agent.EventError,
		Timestamp: time.Now(),
		Error: &agent.ErrorInfo{
			Message: "Prompt is too long",
			Code:    "invalid_request",
			Reason:  agent.ErrReasonContextExceeded,
		},
	})
}

// Ensure Session implements agent.Session at compile time.
var _ agent.Session = (*Session)(nil)
