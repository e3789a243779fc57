package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kiln-dev/kiln/internal/agent"
	_ "github.com/kiln-dev/kiln/internal/agent/claude"
	_ "github.com/kiln-dev/kiln/internal/agent/mock"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.Equal(t, "claude", d.Runtime)
	assert.Equal(t, 2, d.Completion.Slots)
	assert.Equal(t, 32, d.Completion.MaxReuses)
	assert.Equal(t, 5000, d.Completion.CacheTTLMs)
	assert.Equal(t, 8, d.Command.MaxReuses)
	assert.Equal(t, 120000, d.Command.TimeoutMs)
	assert.Equal(t, 30000, d.Warmup.TimeoutMs)
	assert.False(t, d.Tracing.Enabled)
	assert.Equal(t, "file", d.Tracing.Exporter)
	assert.InDelta(t, 1.0, d.Tracing.SampleRate, 1e-9)
}

func TestApplyDefaults_FillsOnlyZeroFields(t *testing.T) {
	cfg := Config{
		Runtime:    "mock",
		Completion: CompletionConfig{Slots: 4},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, "mock", cfg.Runtime, "explicit values survive")
	assert.Equal(t, 4, cfg.Completion.Slots)
	assert.Equal(t, 32, cfg.Completion.MaxReuses)
	assert.Equal(t, 8, cfg.Command.MaxReuses)
	assert.Equal(t, 30000, cfg.Warmup.TimeoutMs)
	assert.Equal(t, "file", cfg.Tracing.Exporter)
}

func TestApplyDefaults_ZeroCommandTimeoutMeansNoTimeout(t *testing.T) {
	cfg := Config{Command: CommandConfig{TimeoutMs: 0}}
	cfg.ApplyDefaults()
	assert.Equal(t, 120000, cfg.Command.TimeoutMs)

	cfg = Config{Command: CommandConfig{TimeoutMs: -1}}
	cfg.ApplyDefaults()
	assert.Equal(t, 120000, cfg.Command.TimeoutMs, "negative values are replaced")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.Runtime = "mock"
		return cfg
	}

	t.Run("defaults pass", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("unknown runtime", func(t *testing.T) {
		cfg := valid()
		cfg.Runtime = "gemini"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown runtime")
	})

	t.Run("zero completion slots", func(t *testing.T) {
		cfg := valid()
		cfg.Completion.Slots = 0
		require.Error(t, cfg.Validate())
	})

	t.Run("zero max reuses", func(t *testing.T) {
		cfg := valid()
		cfg.Command.MaxReuses = 0
		require.Error(t, cfg.Validate())
	})

	t.Run("missing work dir", func(t *testing.T) {
		cfg := valid()
		cfg.WorkDir = filepath.Join(t.TempDir(), "nope")
		require.Error(t, cfg.Validate())
	})

	t.Run("work dir is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "f")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
		cfg := valid()
		cfg.WorkDir = file
		require.Error(t, cfg.Validate())
	})

	t.Run("existing work dir", func(t *testing.T) {
		cfg := valid()
		cfg.WorkDir = t.TempDir()
		require.NoError(t, cfg.Validate())
	})

	t.Run("bad tracing exporter", func(t *testing.T) {
		cfg := valid()
		cfg.Tracing.Exporter = "jaeger"
		require.Error(t, cfg.Validate())
	})

	t.Run("sample rate out of range", func(t *testing.T) {
		cfg := valid()
		cfg.Tracing.SampleRate = 1.5
		require.Error(t, cfg.Validate())
	})
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{
		Completion: CompletionConfig{CacheTTLMs: 2500},
		Command:    CommandConfig{TimeoutMs: 60000},
		Warmup:     WarmupConfig{TimeoutMs: 15000},
	}
	assert.Equal(t, 15*time.Second, cfg.WarmupTimeout())
	assert.Equal(t, time.Minute, cfg.CommandTimeout())
	assert.Equal(t, 2500*time.Millisecond, cfg.CompletionCacheTTL())
}

func TestOverflowPatterns_FallsBackToDefaults(t *testing.T) {
	var cfg Config
	assert.Equal(t, agent.DefaultOverflowPatterns, cfg.OverflowPatterns())

	cfg.Overflow.Patterns = []string{"my-limit-marker"}
	assert.Equal(t, []string{"my-limit-marker"}, cfg.OverflowPatterns())
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kiln configuration")

	err = WriteDefaultConfig(path)
	require.Error(t, err, "an existing file is never overwritten")
	assert.Contains(t, err.Error(), "already exists")
}

func TestDefaultConfigTemplate_IsValidYAML(t *testing.T) {
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(DefaultConfigTemplate()), &doc))
}
