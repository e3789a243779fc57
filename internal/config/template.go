package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kiln-dev/kiln/internal/log"
)

// DefaultConfigTemplate returns a fully-commented config file showing every
// option with its default. Written on first run so users can discover
// settings by opening the file.
func DefaultConfigTemplate() string {
	return `# kiln configuration
# All settings are optional; the values shown are the defaults.

# Runtime powering the session pools: "claude" or "mock".
# runtime: claude

# Model identifier passed to the runtime. Empty uses the runtime's default.
# model: ""

# Working directory for spawned sessions. Empty uses the current directory.
# work_dir: ""

# completion:
#   # Concurrent completion sessions kept warm.
#   slots: 2
#   # Exchanges served by one session before it is recycled.
#   max_reuses: 32
#   # Identical requests within this window share one exchange.
#   cache_ttl_ms: 5000

# command:
#   # Prompts served by the command session before recycling.
#   max_reuses: 8
#   # Default per-prompt timeout. 0 disables the timeout.
#   timeout_ms: 120000

# warmup:
#   # How long a fresh session may take to answer its warmup probe.
#   timeout_ms: 30000

# overflow:
#   # Case-insensitive substrings marking a reply as a context overflow.
#   # Empty uses built-in defaults.
#   patterns: []

# Directory for the leadership lock and IPC socket.
# Empty uses $XDG_RUNTIME_DIR/kiln or ~/.kiln.
# runtime_dir: ""

# tracing:
#   enabled: false
#   # Export backend: none, file, stdout, otlp
#   exporter: file
#   # Output file for the "file" exporter.
#   # file_path: ~/.config/kiln/traces/traces.jsonl
#   # Collector endpoint for the "otlp" exporter.
#   otlp_endpoint: localhost:4317
#   # Fraction of traces to sample (0.0 to 1.0).
#   sample_rate: 1.0

# Verbose logging.
# debug: false
`
}

// WriteDefaultConfig writes the commented template to path, creating parent
// directories as needed. Refuses to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	log.Info(log.CatConfig, "wrote default config", "path", path)
	return nil
}
