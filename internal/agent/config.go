package agent

import (
	"fmt"
	"os"
	"time"
)

// SessionConfig holds the configuration for spawning an agent session.
type SessionConfig struct {
	// WorkDir is the working directory for the session (required).
	WorkDir string

	// SystemPrompt is appended to the runtime's base system prompt. Pools use
	// this to constrain sessions to single-turn completion behavior.
	SystemPrompt string

	// Model selects the model the runtime should use. Empty uses the
	// runtime's default.
	Model string

	// SessionID resumes an existing provider session when set.
	SessionID string

	// Timeout bounds the whole session lifetime. Zero means no timeout.
	Timeout time.Duration

	// DisallowedTools lists tool names the session must not use.
	DisallowedTools []string

	// SkipPermissions bypasses interactive permission prompts.
	SkipPermissions bool

	// Env holds additional environment variables (KEY=VALUE form) merged
	// over the parent environment.
	Env []string
}

// Validate checks that the configuration is usable.
func (c *SessionConfig) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("workdir is required")
	}
	info, err := os.Stat(c.WorkDir)
	if err != nil {
		return fmt.Errorf("workdir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workdir %s is not a directory", c.WorkDir)
	}
	return nil
}
