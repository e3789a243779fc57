package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// FinderOption is a functional option for configuring ExecutableFinder.
type FinderOption func(*ExecutableFinder)

// WithKnownPaths sets priority-ordered path templates checked before PATH
// lookup. Templates may use ~ for the home directory and {name} for the
// executable name.
func WithKnownPaths(paths ...string) FinderOption {
	return func(f *ExecutableFinder) {
		f.knownPaths = paths
	}
}

// ExecutableFinder locates a runtime CLI executable. Known install locations
// are checked first so a local install wins over whatever happens to be on
// PATH.
type ExecutableFinder struct {
	name       string
	knownPaths []string
}

// NewExecutableFinder creates a finder for the given executable name.
func NewExecutableFinder(name string, opts ...FinderOption) *ExecutableFinder {
	f := &ExecutableFinder{name: name}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Find returns the absolute path of the executable, checking known paths
// first and falling back to PATH lookup.
func (f *ExecutableFinder) Find() (string, error) {
	name := f.name
	if runtime.GOOS == "windows" && !strings.HasSuffix(name, ".exe") {
		name += ".exe"
	}

	for _, tmpl := range f.knownPaths {
		path := strings.ReplaceAll(tmpl, "{name}", name)
		if strings.HasPrefix(path, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				continue
			}
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		return path, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s executable not found in known paths or PATH: %w", f.name, err)
	}
	return path, nil
}
