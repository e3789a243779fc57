//go:build !windows

package coord

import (
	"errors"
	"os"
	"syscall"
)

// isProcessAlive probes whether pid names a live process. The leadership
// record is stale exactly when its writer is gone, so this is the takeover
// gate: signal 0 delivers nothing but fails with ESRCH for a dead pid.
func isProcessAlive(pid int) bool {
	// FindProcess never fails on Unix; the signal is the actual probe.
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: the process exists under another uid. Counts as alive, so a
	// record pointing at a foreign pid is never treated as stale.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPERM
	}
	return false
}
