// Package agent provides common types and utilities for headless AI
// runtime session management.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kiln-dev/kiln/internal/log"
)

// ErrTimeout is returned when a session exceeds its configured timeout.
var ErrTimeout = fmt.Errorf("session timed out")

// ErrInputClosed is returned by Send after the input stream has been closed.
var ErrInputClosed = fmt.Errorf("session input closed")

// ParseEventFunc parses a JSON line from stdout into a ResponseEvent.
// Each runtime implements this to handle its specific JSON format.
type ParseEventFunc func(line []byte) (ResponseEvent, error)

// SessionExtractorFunc extracts the session reference from an event.
// Returns the session ID, or empty string if not found.
type SessionExtractorFunc func(event ResponseEvent, rawLine []byte) string

// EncodeInputFunc converts one user message into the bytes written to the
// session's stdin, including any trailing newline the runtime requires.
type EncodeInputFunc func(text string) ([]byte, error)

// OnInitEventFunc is called when an init event is received.
// Optional; only set if the runtime needs extra init handling.
type OnInitEventFunc func(event ResponseEvent, rawLine []byte)

// BaseSessionOption is a functional option for configuring BaseSession.
type BaseSessionOption func(*BaseSession)

// WithParseEventFunc sets the event parsing function.
func WithParseEventFunc(fn ParseEventFunc) BaseSessionOption {
	return func(bs *BaseSession) {
		bs.parseEventFn = fn
	}
}

// WithEventParser wires the parser's methods as the parse and session
// extraction functions.
func WithEventParser(p EventParser) BaseSessionOption {
	return func(bs *BaseSession) {
		bs.parseEventFn = p.ParseEvent
		bs.extractSessionFn = p.ExtractSessionRef
	}
}

// WithSessionExtractor sets the session extraction function.
func WithSessionExtractor(fn SessionExtractorFunc) BaseSessionOption {
	return func(bs *BaseSession) {
		bs.extractSessionFn = fn
	}
}

// WithInputEncoder sets the stdin encoding function used by Send.
func WithInputEncoder(fn EncodeInputFunc) BaseSessionOption {
	return func(bs *BaseSession) {
		bs.encodeInputFn = fn
	}
}

// WithOnInitEvent sets the init event callback.
func WithOnInitEvent(fn OnInitEventFunc) BaseSessionOption {
	return func(bs *BaseSession) {
		bs.onInitEventFn = fn
	}
}

// WithStderrCapture enables stderr line capture for error messages.
func WithStderrCapture(capture bool) BaseSessionOption {
	return func(bs *BaseSession) {
		bs.captureStderr = capture
	}
}

// WithRuntimeName sets the runtime name for logging.
func WithRuntimeName(name string) BaseSessionOption {
	return func(bs *BaseSession) {
		bs.runtimeName = name
	}
}

// BaseSession provides common session lifecycle management for all runtimes.
// Runtimes embed this struct and configure behavior via functional options.
type BaseSession struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	stderr      io.ReadCloser
	sessionRef  string
	workDir     string
	status      SessionStatus
	inputClosed bool
	events      chan ResponseEvent
	errors      chan error
	cancelFunc  context.CancelFunc
	ctx         context.Context
	mu          sync.RWMutex
	wg          sync.WaitGroup

	stderrLines   []string
	captureStderr bool

	runtimeName string

	parseEventFn     ParseEventFunc
	extractSessionFn SessionExtractorFunc
	encodeInputFn    EncodeInputFunc
	onInitEventFn    OnInitEventFunc
}

// NewBaseSession creates a new BaseSession with the given configuration.
// The cmd must already have its pipes set up (stdout, stderr, and optionally stdin).
func NewBaseSession(
	ctx context.Context,
	cancelFunc context.CancelFunc,
	cmd *exec.Cmd,
	stdout io.ReadCloser,
	stderr io.ReadCloser,
	workDir string,
	opts ...BaseSessionOption,
) *BaseSession {
	bs := &BaseSession{
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
		workDir:     workDir,
		status:      StatusPending,
		events:      make(chan ResponseEvent, 100),
		errors:      make(chan error, 10),
		cancelFunc:  cancelFunc,
		ctx:         ctx,
		runtimeName: "base",
	}

	for _, opt := range opts {
		opt(bs)
	}

	return bs
}

// SetStdin sets the stdin writer. Must be called before StartGoroutines
// for runtimes that stream input.
func (bs *BaseSession) SetStdin(stdin io.WriteCloser) {
	bs.stdin = stdin
}

// SetSessionRef sets the session reference. Thread-safe.
func (bs *BaseSession) SetSessionRef(ref string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.sessionRef = ref
}

// Events returns the channel of parsed response events.
// The channel is closed when the session completes.
func (bs *BaseSession) Events() <-chan ResponseEvent {
	return bs.events
}

// Errors returns the channel of session errors.
// Non-blocking; errors are dropped if the channel is full.
func (bs *BaseSession) Errors() <-chan error {
	return bs.errors
}

// Status returns the current session status. Thread-safe.
func (bs *BaseSession) Status() SessionStatus {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.status
}

// IsRunning returns true if the session is actively running.
func (bs *BaseSession) IsRunning() bool {
	return bs.Status() == StatusRunning
}

// WorkDir returns the working directory of the session.
func (bs *BaseSession) WorkDir() string {
	return bs.workDir
}

// PID returns the OS process ID, or -1 if not running.
func (bs *BaseSession) PID() int {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if bs.cmd == nil || bs.cmd.Process == nil {
		return -1
	}
	return bs.cmd.Process.Pid
}

// SessionRef returns the runtime session identifier.
// May be empty until the init event is received. Thread-safe.
func (bs *BaseSession) SessionRef() string {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.sessionRef
}

// Send encodes one user message and writes it to the session's stdin.
// Returns ErrInputClosed after CloseInput, and an error if the session has
// no stdin configured.
func (bs *BaseSession) Send(text string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.stdin == nil {
		return fmt.Errorf("%s session has no input stream", bs.runtimeName)
	}
	if bs.inputClosed {
		return ErrInputClosed
	}

	data := []byte(text + "\n")
	if bs.encodeInputFn != nil {
		var err error
		data, err = bs.encodeInputFn(text)
		if err != nil {
			return fmt.Errorf("encode input: %w", err)
		}
	}

	if _, err := bs.stdin.Write(data); err != nil {
		return fmt.Errorf("write to %s session: %w", bs.runtimeName, err)
	}
	return nil
}

// CloseInput closes the input stream, letting the session drain its output
// and exit. Idempotent.
func (bs *BaseSession) CloseInput() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.inputClosed || bs.stdin == nil {
		bs.inputClosed = true
		return nil
	}
	bs.inputClosed = true
	return bs.stdin.Close()
}

// Context returns the session context.
func (bs *BaseSession) Context() context.Context {
	return bs.ctx
}

// Cmd returns the underlying exec.Cmd.
func (bs *BaseSession) Cmd() *exec.Cmd {
	return bs.cmd
}

// StderrLines returns captured stderr lines. Thread-safe.
func (bs *BaseSession) StderrLines() []string {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	result := make([]string, len(bs.stderrLines))
	copy(result, bs.stderrLines)
	return result
}

// RuntimeName returns the runtime name for logging.
func (bs *BaseSession) RuntimeName() string {
	return bs.runtimeName
}

// SetStatus updates the session status. Thread-safe.
func (bs *BaseSession) SetStatus(s SessionStatus) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.status = s
}

// SendError attempts to send an error to the errors channel.
// If the channel is full, the error is logged but not sent to avoid blocking.
func (bs *BaseSession) SendError(err error) {
	select {
	case bs.errors <- err:
	default:
		log.Debug(log.CatAgent, "error channel full, dropping error",
			"runtime", bs.runtimeName, "error", err)
	}
}

// Cancel cancels the session. It sets the status to Cancelled before calling
// the cancelFunc to prevent race conditions with waitForCompletion.
// Cancel is a no-op if the session is already in a terminal status.
func (bs *BaseSession) Cancel() error {
	bs.mu.Lock()
	if bs.status.IsTerminal() {
		bs.mu.Unlock()
		return nil
	}
	bs.status = StatusCancelled
	bs.mu.Unlock()
	bs.cancelFunc()
	return nil
}

// Wait blocks until all session goroutines complete.
func (bs *BaseSession) Wait() error {
	bs.wg.Wait()
	return nil
}

// StartGoroutines launches the three goroutines that handle output parsing,
// stderr reading, and process completion. Call this after the process is started.
func (bs *BaseSession) StartGoroutines() {
	bs.wg.Add(3)
	go bs.parseOutput()
	go bs.parseStderr()
	go bs.waitForCompletion()
}

// parseOutput reads stdout and parses stream-json events.
// It calls extractSessionFn for every event since some runtimes emit the
// session ID outside the init event.
func (bs *BaseSession) parseOutput() {
	defer bs.wg.Done()
	defer close(bs.events)

	scanner := bufio.NewScanner(bs.stdout)
	// Increase buffer size for large outputs (64KB initial, 1MB max)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if bs.parseEventFn == nil {
			continue
		}

		event, err := bs.parseEventFn(line)
		if err != nil {
			log.Debug(log.CatAgent, "parse error",
				"runtime", bs.runtimeName, "error", err, "line", string(line))
			continue
		}

		event.Raw = make([]byte, len(line))
		copy(event.Raw, line)
		event.Timestamp = time.Now()

		if bs.extractSessionFn != nil {
			if sessionRef := bs.extractSessionFn(event, line); sessionRef != "" {
				bs.mu.Lock()
				if bs.sessionRef == "" {
					bs.sessionRef = sessionRef
					log.Debug(log.CatAgent, "got session ref",
						"runtime", bs.runtimeName, "sessionRef", sessionRef)
				}
				bs.mu.Unlock()
			}
		}

		if event.IsInit() && bs.onInitEventFn != nil {
			bs.onInitEventFn(event, line)
		}

		select {
		case bs.events <- event:
		case <-bs.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatAgent, "scanner error",
			"runtime", bs.runtimeName, "error", err)
		bs.SendError(fmt.Errorf("stdout scanner error: %w", err))
	}
}

// parseStderr reads and logs stderr output.
// If captureStderr is enabled, lines are captured for inclusion in error messages.
func (bs *BaseSession) parseStderr() {
	defer bs.wg.Done()

	scanner := bufio.NewScanner(bs.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatAgent, "STDERR", "runtime", bs.runtimeName, "line", line)

		if bs.captureStderr {
			bs.mu.Lock()
			bs.stderrLines = append(bs.stderrLines, line)
			bs.mu.Unlock()
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatAgent, "stderr scanner error",
			"runtime", bs.runtimeName, "error", err)
	}
}

// waitForCompletion waits for the process to exit and updates status.
// It closes the errors channel when done to signal completion to consumers.
func (bs *BaseSession) waitForCompletion() {
	defer bs.wg.Done()
	defer close(bs.errors)

	err := bs.cmd.Wait()

	bs.mu.Lock()
	defer bs.mu.Unlock()

	// If already cancelled, don't override status
	if bs.status == StatusCancelled {
		log.Debug(log.CatAgent, "session was cancelled", "runtime", bs.runtimeName)
		return
	}

	if errors.Is(bs.ctx.Err(), context.DeadlineExceeded) {
		bs.status = StatusFailed
		log.Debug(log.CatAgent, "session timed out", "runtime", bs.runtimeName)
		bs.SendError(ErrTimeout)
		return
	}

	if err != nil {
		bs.status = StatusFailed
		if bs.captureStderr && len(bs.stderrLines) > 0 {
			stderrMsg := strings.Join(bs.stderrLines, "\n")
			bs.SendError(fmt.Errorf("%s session failed: %s (exit: %w)", bs.runtimeName, stderrMsg, err))
		} else {
			bs.SendError(fmt.Errorf("%s session exited: %w", bs.runtimeName, err))
		}
	} else {
		bs.status = StatusCompleted
	}
}
