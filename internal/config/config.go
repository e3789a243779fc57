// Package config defines kiln's user-facing configuration: pool sizing,
// runtime selection, timeouts, overflow detection, and tracing. Values are
// loaded from ~/.config/kiln/config.yaml via viper and validated before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kiln-dev/kiln/internal/agent"
)

// Config is the root configuration structure.
type Config struct {
	Runtime    string           `mapstructure:"runtime"`     // "claude" (default) or "mock"
	Model      string           `mapstructure:"model"`       // model identifier passed to the runtime
	WorkDir    string           `mapstructure:"work_dir"`    // working directory for spawned sessions
	Completion CompletionConfig `mapstructure:"completion"`  // completion pool settings
	Command    CommandConfig    `mapstructure:"command"`     // command pool settings
	Warmup     WarmupConfig     `mapstructure:"warmup"`      // slot warmup settings
	Overflow   OverflowConfig   `mapstructure:"overflow"`    // context-overflow detection
	RuntimeDir string           `mapstructure:"runtime_dir"` // lock/socket directory override
	Tracing    TracingConfig    `mapstructure:"tracing"`     // distributed tracing
	Debug      bool             `mapstructure:"debug"`       // verbose logging
}

// CompletionConfig sizes the inline-completion pool.
type CompletionConfig struct {
	// Slots is the number of concurrent completion sessions.
	// Default: 2
	Slots int `mapstructure:"slots"`

	// MaxReuses is how many exchanges a session serves before it is
	// recycled to keep its context small. Default: 32
	MaxReuses int `mapstructure:"max_reuses"`

	// CacheTTLMs bounds how long identical requests are served from cache.
	// Default: 5000
	CacheTTLMs int `mapstructure:"cache_ttl_ms"`
}

// CommandConfig sizes the command pool.
type CommandConfig struct {
	// MaxReuses is how many prompts a session serves before recycling.
	// Default: 8
	MaxReuses int `mapstructure:"max_reuses"`

	// TimeoutMs is the default per-prompt timeout. Zero means no timeout.
	// Default: 120000
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// WarmupConfig controls slot warmup validation.
type WarmupConfig struct {
	// TimeoutMs bounds each warmup probe. Default: 30000
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// OverflowConfig controls context-overflow detection on command replies.
type OverflowConfig struct {
	// Patterns are case-insensitive substrings that mark a reply as a
	// context overflow. Empty uses the built-in defaults.
	Patterns []string `mapstructure:"patterns"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: ~/.config/kiln/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns the configuration used when no file exists or a field is
// unset.
func Defaults() Config {
	return Config{
		Runtime: string(agent.RuntimeClaude),
		Completion: CompletionConfig{
			Slots:      2,
			MaxReuses:  32,
			CacheTTLMs: 5000,
		},
		Command: CommandConfig{
			MaxReuses: 8,
			TimeoutMs: 120000,
		},
		Warmup: WarmupConfig{
			TimeoutMs: 30000,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     DefaultTracesFilePath(),
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// ApplyDefaults fills any zero-valued field with its default so a partial
// config file behaves like a full one.
func (c *Config) ApplyDefaults() {
	d := Defaults()
	if c.Runtime == "" {
		c.Runtime = d.Runtime
	}
	if c.Completion.Slots <= 0 {
		c.Completion.Slots = d.Completion.Slots
	}
	if c.Completion.MaxReuses <= 0 {
		c.Completion.MaxReuses = d.Completion.MaxReuses
	}
	if c.Completion.CacheTTLMs <= 0 {
		c.Completion.CacheTTLMs = d.Completion.CacheTTLMs
	}
	if c.Command.MaxReuses <= 0 {
		c.Command.MaxReuses = d.Command.MaxReuses
	}
	if c.Command.TimeoutMs < 0 {
		c.Command.TimeoutMs = d.Command.TimeoutMs
	}
	if c.Warmup.TimeoutMs <= 0 {
		c.Warmup.TimeoutMs = d.Warmup.TimeoutMs
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}
	if c.Tracing.FilePath == "" {
		c.Tracing.FilePath = d.Tracing.FilePath
	}
	if c.Tracing.OTLPEndpoint == "" {
		c.Tracing.OTLPEndpoint = d.Tracing.OTLPEndpoint
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = d.Tracing.SampleRate
	}
}

// Validate checks the configuration for inconsistencies that would only
// surface later as confusing runtime failures.
func (c Config) Validate() error {
	if !agent.IsRegistered(agent.RuntimeType(c.Runtime)) {
		return fmt.Errorf("unknown runtime %q (available: %v)", c.Runtime, agent.RegisteredRuntimes())
	}
	if c.Completion.Slots < 1 {
		return fmt.Errorf("completion.slots must be at least 1, got %d", c.Completion.Slots)
	}
	if c.Completion.MaxReuses < 1 {
		return fmt.Errorf("completion.max_reuses must be at least 1, got %d", c.Completion.MaxReuses)
	}
	if c.Command.MaxReuses < 1 {
		return fmt.Errorf("command.max_reuses must be at least 1, got %d", c.Command.MaxReuses)
	}
	if c.WorkDir != "" {
		info, err := os.Stat(c.WorkDir)
		if err != nil {
			return fmt.Errorf("work_dir %q: %w", c.WorkDir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("work_dir %q is not a directory", c.WorkDir)
		}
	}
	return c.Tracing.Validate()
}

// Validate checks the tracing section.
func (t TracingConfig) Validate() error {
	switch t.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be one of none, file, stdout, otlp; got %q", t.Exporter)
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %g", t.SampleRate)
	}
	return nil
}

// WarmupTimeout returns the warmup timeout as a duration.
func (c Config) WarmupTimeout() time.Duration {
	return time.Duration(c.Warmup.TimeoutMs) * time.Millisecond
}

// CommandTimeout returns the default command timeout as a duration.
func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.Command.TimeoutMs) * time.Millisecond
}

// CompletionCacheTTL returns the completion cache TTL as a duration.
func (c Config) CompletionCacheTTL() time.Duration {
	return time.Duration(c.Completion.CacheTTLMs) * time.Millisecond
}

// OverflowPatterns returns the configured overflow patterns, falling back to
// the built-in defaults.
func (c Config) OverflowPatterns() []string {
	if len(c.Overflow.Patterns) == 0 {
		return agent.DefaultOverflowPatterns
	}
	return c.Overflow.Patterns
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/kiln/traces/traces.jsonl or empty string if home dir
// unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "kiln", "traces", "traces.jsonl")
}
