//go:build windows

package coord

import (
	"golang.org/x/sys/windows"
)

// isProcessAlive probes whether pid names a live process, gating stale
// leadership-record takeover. Windows has no signal 0; a limited-access
// handle plus the exit code stands in for it.
func isProcessAlive(pid int) bool {
	const processQueryLimitedInformation = 0x1000

	handle, err := windows.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}

	// STILL_ACTIVE; anything else is a real exit code from a finished
	// process whose pid may already be recycled.
	return exitCode == 259
}
