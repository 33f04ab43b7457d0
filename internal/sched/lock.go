package sched

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLocked is returned when another live scheduler holds the lock.
var ErrLocked = fmt.Errorf("another scheduler is already running")

type lockFile struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// Lock is a single-flight guard. Only one scheduler may run against a
// repository at a time; concurrent tool invocations in one working tree
// trample each other's edits.
type Lock struct {
	path string
}

// NewLock returns a lock rooted at stateDir.
func NewLock(stateDir string) *Lock {
	return &Lock{path: filepath.Join(stateDir, "scheduler.lock")}
}

// Acquire takes the lock. A lock held by a dead process is reclaimed;
// force reclaims unconditionally.
func (l *Lock) Acquire(force bool) error {
	data, err := os.ReadFile(l.path)
	if err == nil {
		var lf lockFile
		if json.Unmarshal(data, &lf) == nil && !force && processAlive(lf.PID) {
			return fmt.Errorf("%w (pid %d since %s)", ErrLocked, lf.PID, lf.StartedAt.Format(time.RFC3339))
		}
		// Stale or forced; fall through and overwrite.
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading lock file: %w", err)
	}

	lf := lockFile{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	out, err := json.Marshal(lf)
	if err != nil {
		return fmt.Errorf("encoding lock file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	if err := os.WriteFile(l.path, out, 0o644); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}

// Release removes the lock if this process holds it.
func (l *Lock) Release() error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading lock file: %w", err)
	}
	var lf lockFile
	if json.Unmarshal(data, &lf) == nil && lf.PID != os.Getpid() {
		// Someone else reclaimed it; leave their lock alone.
		return nil
	}
	return os.Remove(l.path)
}

// processAlive reports whether pid refers to a live process. Signal 0
// performs the existence check without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
