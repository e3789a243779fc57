// Package paths resolves the well-known filesystem locations kiln uses for
// its lock file, IPC socket, and configuration.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// RuntimeDir returns the directory holding the leadership lock file and the
// IPC socket. Prefers $XDG_RUNTIME_DIR/kiln, falling back to ~/.kiln.
// The directory is created if it does not exist.
func RuntimeDir() (string, error) {
	var dir string
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		dir = filepath.Join(xdg, "kiln")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".kiln")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// LockPath returns the path of the leadership lock file.
func LockPath(runtimeDir string) string {
	return filepath.Join(runtimeDir, "leader.lock")
}

// SocketPath returns the path of the leader's Unix-domain socket.
// The pid keeps successive leaders from colliding on the same path;
// followers discover the actual socket through the lock record, not this name.
func SocketPath(runtimeDir string, pid int) string {
	return filepath.Join(runtimeDir, fmt.Sprintf("kiln-%d.sock", pid))
}

// ConfigDir returns the user configuration directory (~/.config/kiln).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "kiln"), nil
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
