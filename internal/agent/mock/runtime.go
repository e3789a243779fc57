package mock

import (
	"context"
	"sync"

	"github.com/kiln-dev/kiln/internal/agent"
)

// Runtime is a mock implementation of agent.Runtime for testing.
// It allows configuring spawn behavior via function fields.
type Runtime struct {
	// SpawnFunc is called when Spawn is invoked.
	// If nil, a new Session is returned.
	SpawnFunc func(ctx context.Context, cfg agent.SessionConfig) (agent.Session, error)

	// AvailableErr is returned by Available. Nil means available.
	AvailableErr error

	mu sync.Mutex
	// spawnCount tracks how many times Spawn was called
	spawnCount int
	// resumeCount tracks how many times Spawn was called with a SessionID (resume)
	resumeCount int
}

// NewRuntime creates a new mock runtime with default behavior.
// By default, Spawn returns new Session instances.
func NewRuntime() *Runtime {
	return &Runtime{}
}

// Type returns the runtime type identifier.
func (r *Runtime) Type() agent.RuntimeType {
	return agent.RuntimeMock
}

// Available returns the configured availability error.
func (r *Runtime) Available() error {
	return r.AvailableErr
}

// Spawn creates a new mock session or resumes an existing one.
// If cfg.SessionID is set, this counts as a resume operation.
// If SpawnFunc is set, it delegates to that function.
func (r *Runtime) Spawn(ctx context.Context, cfg agent.SessionConfig) (agent.Session, error) {
	r.mu.Lock()
	r.spawnCount++
	if cfg.SessionID != "" {
		r.resumeCount++
	}
	r.mu.Unlock()
	if r.SpawnFunc != nil {
		return r.SpawnFunc(ctx, cfg)
	}
	sess := NewSession()
	if cfg.SessionID != "" {
		sess.sessionID = cfg.SessionID
	}
	sess.workDir = cfg.WorkDir
	return sess, nil
}

// SpawnCount returns how many times Spawn was called.
func (r *Runtime) SpawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spawnCount
}

// ResumeCount returns how many times Spawn was called with a SessionID (resume).
func (r *Runtime) ResumeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumeCount
}

// Reset clears the call counters.
func (r *Runtime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawnCount = 0
	r.resumeCount = 0
}

// init registers the mock runtime with the runtime registry.
func init() {
	agent.RegisterRuntime(agent.RuntimeMock, func() agent.Runtime {
		return NewRuntime()
	})
}
