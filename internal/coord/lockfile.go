// Package coord implements the cross-process coordination layer: exclusive
// leadership election over a lock file, a Unix-socket request server owned
// by the leader, and a client facade that transparently forwards or
// promotes itself when the leader disappears.
package coord

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kiln-dev/kiln/internal/log"
)

// ErrLockHeld is returned when another live process already holds the lock.
var ErrLockHeld = fmt.Errorf("leadership lock held by another process")

// LockRecord identifies the current leader: its process id, the socket it
// listens on, and when it took leadership. Only the leader writes the
// record; followers only read it.
type LockRecord struct {
	PID       int       `json:"pid"`
	Socket    string    `json:"socket"`
	StartedAt time.Time `json:"started_at"`
}

// AcquireLock atomically creates the lock file with this process's record.
// The O_EXCL create is the mutual-exclusion primitive: exactly one of N
// racing processes wins. A stale record (owner no longer alive) is removed
// and the acquire retried once.
func AcquireLock(path string, rec LockRecord) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			enc := json.NewEncoder(f)
			if werr := enc.Encode(rec); werr != nil {
				f.Close()
				_ = os.Remove(path)
				return fmt.Errorf("write lock record: %w", werr)
			}
			if cerr := f.Close(); cerr != nil {
				_ = os.Remove(path)
				return fmt.Errorf("close lock file: %w", cerr)
			}
			log.Debug(log.CatCoord, "acquired leadership lock", "path", path, "pid", rec.PID)
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}

		existing, rerr := ReadLock(path)
		if rerr == nil && isProcessAlive(existing.PID) {
			return ErrLockHeld
		}
		// Unreadable or stale record: the owner is gone, take over.
		log.Debug(log.CatCoord, "removing stale leadership lock", "path", path)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return fmt.Errorf("remove stale lock: %w", rmErr)
		}
	}
	return ErrLockHeld
}

// ReadLock parses the leadership record.
func ReadLock(path string) (LockRecord, error) {
	var rec LockRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse lock record: %w", err)
	}
	return rec, nil
}

// ReleaseLock removes the lock file, but only if this process owns it —
// a new leader's record must never be clobbered by a late-exiting old one.
func ReleaseLock(path string, ownPID int) {
	rec, err := ReadLock(path)
	if err != nil {
		return
	}
	if rec.PID != ownPID {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn(log.CatCoord, "failed to release leadership lock", "path", path, "error", err)
		return
	}
	log.Debug(log.CatCoord, "released leadership lock", "path", path, "pid", ownPID)
}

// LeaderAlive reports whether the record's owning process is still running.
func LeaderAlive(rec LockRecord) bool {
	return isProcessAlive(rec.PID)
}
