package claude

import (
	"context"

	"github.com/kiln-dev/kiln/internal/agent"
)

func init() {
	agent.RegisterRuntime(agent.RuntimeClaude, func() agent.Runtime {
		return NewRuntime()
	})
}

// Runtime implements agent.Runtime for the Claude Code CLI.
type Runtime struct {
	overflowPatterns []string
}

// NewRuntime creates a new Claude runtime.
func NewRuntime() *Runtime {
	return &Runtime{}
}

// SetOverflowPatterns overrides the context exhaustion patterns used by
// sessions this runtime spawns.
func (r *Runtime) SetOverflowPatterns(patterns []string) {
	r.overflowPatterns = patterns
}

// Type returns the runtime type identifier.
func (r *Runtime) Type() agent.RuntimeType {
	return agent.RuntimeClaude
}

// Available reports whether the claude executable can be located.
func (r *Runtime) Available() error {
	_, err := agent.NewExecutableFinder("claude",
		agent.WithKnownPaths(defaultKnownPaths...),
	).Find()
	return err
}

// Spawn creates and starts a headless Claude session.
// If cfg.SessionID is set, resumes an existing session.
func (r *Runtime) Spawn(ctx context.Context, cfg agent.SessionConfig) (agent.Session, error) {
	parser := NewParser()
	if len(r.overflowPatterns) > 0 {
		parser.SetOverflowPatterns(r.overflowPatterns)
	}
	return spawnWithParser(ctx, cfg, parser)
}

// Ensure Runtime implements agent.Runtime at compile time.
var _ agent.Runtime = (*Runtime)(nil)
