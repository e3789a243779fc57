package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/kiln-dev/kiln/internal/log"
)

// CommandFactoryFunc creates an exec.Cmd for testing purposes.
// It receives the context, executable path, and arguments.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// SpawnBuilder provides a fluent API for spawning headless agent sessions.
// It consolidates the common spawn boilerplate (context setup, pipe creation,
// process start) while preserving runtime flexibility.
type SpawnBuilder struct {
	ctx              context.Context
	timeout          time.Duration
	execPath         string
	args             []string
	workDir          string
	sessionRef       string
	env              []string
	parser           EventParser
	runtimeName      string
	captureStderr    bool
	needsStdin       bool
	inputEncoder     EncodeInputFunc
	onInitEventFn    OnInitEventFunc
	sessionExtractor SessionExtractorFunc
	commandFactory   CommandFactoryFunc
}

// NewSpawnBuilder creates a new SpawnBuilder with the given context.
func NewSpawnBuilder(ctx context.Context) *SpawnBuilder {
	return &SpawnBuilder{
		ctx:         ctx,
		runtimeName: "unknown",
	}
}

// WithExecutable sets the executable path and arguments.
func (b *SpawnBuilder) WithExecutable(path string, args []string) *SpawnBuilder {
	b.execPath = path
	b.args = args
	return b
}

// WithWorkDir sets the working directory for the session process.
func (b *SpawnBuilder) WithWorkDir(dir string) *SpawnBuilder {
	b.workDir = dir
	return b
}

// WithSessionRef sets the initial session reference.
func (b *SpawnBuilder) WithSessionRef(ref string) *SpawnBuilder {
	b.sessionRef = ref
	return b
}

// WithTimeout sets the session timeout. If d is 0 or negative,
// a cancel-only context is created instead of a timeout context.
func (b *SpawnBuilder) WithTimeout(d time.Duration) *SpawnBuilder {
	b.timeout = d
	return b
}

// WithParser sets the EventParser for parsing session output.
// This is a required field - Build() will fail if not set.
func (b *SpawnBuilder) WithParser(p EventParser) *SpawnBuilder {
	b.parser = p
	return b
}

// WithEnv sets additional environment variables to append to os.Environ().
// Variables are in the format "KEY=VALUE".
func (b *SpawnBuilder) WithEnv(env []string) *SpawnBuilder {
	b.env = env
	return b
}

// WithRuntimeName sets the runtime name for logging and error messages.
func (b *SpawnBuilder) WithRuntimeName(name string) *SpawnBuilder {
	b.runtimeName = name
	return b
}

// WithStderrCapture enables stderr line capture for error messages.
func (b *SpawnBuilder) WithStderrCapture(capture bool) *SpawnBuilder {
	b.captureStderr = capture
	return b
}

// WithStdin enables stdin pipe creation so the session accepts streamed
// input via Send.
func (b *SpawnBuilder) WithStdin(enabled bool) *SpawnBuilder {
	b.needsStdin = enabled
	return b
}

// WithInputEncoder sets the stdin encoding function used by Send.
func (b *SpawnBuilder) WithInputEncoder(fn EncodeInputFunc) *SpawnBuilder {
	b.inputEncoder = fn
	return b
}

// WithOnInitEvent sets a callback for init events.
func (b *SpawnBuilder) WithOnInitEvent(fn OnInitEventFunc) *SpawnBuilder {
	b.onInitEventFn = fn
	return b
}

// WithSessionExtractor sets a custom session extraction function.
// This overrides the parser's ExtractSessionRef method if set.
func (b *SpawnBuilder) WithSessionExtractor(fn SessionExtractorFunc) *SpawnBuilder {
	b.sessionExtractor = fn
	return b
}

// WithCommandFactory sets a custom command factory for testing.
// This allows unit tests to mock exec.Command without spawning real processes.
func (b *SpawnBuilder) WithCommandFactory(fn CommandFactoryFunc) *SpawnBuilder {
	b.commandFactory = fn
	return b
}

// Build validates the configuration, creates the session process, and starts it.
// Returns the configured BaseSession or an error.
//
// Build performs the following steps:
//  1. Validates required fields (execPath, parser)
//  2. Creates context with timeout (if configured) or cancel-only
//  3. Creates exec.Cmd (using commandFactory if set)
//  4. Creates pipes (stdin if needsStdin, stdout, stderr)
//  5. Delegates to NewBaseSession() with configured options
//  6. Starts the process and goroutines
//
// On error, all created resources are cleaned up.
func (b *SpawnBuilder) Build() (*BaseSession, error) {
	if b.execPath == "" {
		return nil, fmt.Errorf("spawn builder: executable path is required")
	}
	if b.parser == nil {
		return nil, fmt.Errorf("spawn builder: parser is required")
	}

	var procCtx context.Context
	var cancel context.CancelFunc
	if b.timeout > 0 {
		procCtx, cancel = context.WithTimeout(b.ctx, b.timeout)
	} else {
		procCtx, cancel = context.WithCancel(b.ctx)
	}

	// Track resources for cleanup on error
	var cmd *exec.Cmd
	var stdin io.WriteCloser
	var stdout io.ReadCloser
	var stderr io.ReadCloser

	cleanup := func() {
		cancel()
		if stdin != nil {
			_ = stdin.Close()
		}
		if stdout != nil {
			_ = stdout.Close()
		}
		if stderr != nil {
			_ = stderr.Close()
		}
	}

	if b.commandFactory != nil {
		cmd = b.commandFactory(procCtx, b.execPath, b.args...)
	} else {
		// #nosec G204 -- args are built from SessionConfig, not user input
		cmd = exec.CommandContext(procCtx, b.execPath, b.args...)
	}
	cmd.Dir = b.workDir

	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}

	if b.needsStdin {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("spawn builder: failed to create stdin pipe: %w", err)
		}
	}

	var err error
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to create stdout pipe: %w", err)
	}

	stderr, err = cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to create stderr pipe: %w", err)
	}

	opts := []BaseSessionOption{
		WithEventParser(b.parser),
		WithStderrCapture(b.captureStderr),
		WithRuntimeName(b.runtimeName),
	}
	if b.inputEncoder != nil {
		opts = append(opts, WithInputEncoder(b.inputEncoder))
	}
	if b.onInitEventFn != nil {
		opts = append(opts, WithOnInitEvent(b.onInitEventFn))
	}
	// WithSessionExtractor must be added AFTER WithEventParser to override it
	if b.sessionExtractor != nil {
		opts = append(opts, WithSessionExtractor(b.sessionExtractor))
	}

	bs := NewBaseSession(
		procCtx,
		cancel,
		cmd,
		stdout,
		stderr,
		b.workDir,
		opts...,
	)

	if stdin != nil {
		bs.SetStdin(stdin)
	}

	if b.sessionRef != "" {
		bs.SetSessionRef(b.sessionRef)
	}

	log.Debug(log.CatAgent, "Spawning session",
		"runtime", b.runtimeName,
		"execPath", b.execPath,
		"workDir", b.workDir)

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to start %s session: %w", b.runtimeName, err)
	}

	log.Debug(log.CatAgent, "Session started",
		"runtime", b.runtimeName,
		"pid", cmd.Process.Pid)

	bs.SetStatus(StatusRunning)

	bs.StartGoroutines()

	return bs, nil
}
