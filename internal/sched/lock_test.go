package sched

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLockAcquireRelease(t *testing.T) {
	l := NewLock(t.TempDir())

	if err := l.Acquire(false); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Released lock can be taken again.
	if err := l.Acquire(false); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
}

func TestLockHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()

	// Our own PID is as live as it gets.
	lf := lockFile{PID: os.Getpid(), StartedAt: time.Now()}
	data, _ := json.Marshal(lf)
	if err := os.WriteFile(filepath.Join(dir, "scheduler.lock"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLock(dir)
	err := l.Acquire(false)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("Acquire against a live holder = %v, want ErrLocked", err)
	}

	// Force takes it over regardless.
	if err := l.Acquire(true); err != nil {
		t.Fatalf("forced Acquire: %v", err)
	}
}

func TestLockStaleReclaim(t *testing.T) {
	dir := t.TempDir()

	// PID 1 is init and init is not a scheduler, but use an absurd PID to
	// be safe about what counts as dead.
	lf := lockFile{PID: 1 << 30, StartedAt: time.Now().Add(-time.Hour)}
	data, _ := json.Marshal(lf)
	if err := os.WriteFile(filepath.Join(dir, "scheduler.lock"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLock(dir)
	if err := l.Acquire(false); err != nil {
		t.Fatalf("stale lock not reclaimed: %v", err)
	}
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.lock")

	lf := lockFile{PID: os.Getpid() + 1, StartedAt: time.Now()}
	data, _ := json.Marshal(lf)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLock(dir)
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("Release removed a lock held by another process")
	}
}
