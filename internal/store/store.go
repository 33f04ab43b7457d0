// Package store is the persisted source of truth for the task graph.
//
// Two backings exist: a single JSON document on disk, and an external
// CLI-based issue tracker. The scheduler is agnostic to which; every
// operation it needs goes through the Store interface.
package store

import (
	"context"
	"errors"

	"github.com/taskwright/taskwright/internal/task"
)

// ErrNotFound is returned when a task ID does not exist in the store.
var ErrNotFound = errors.New("task not found")

// Store routes all task-graph reads and writes.
type Store interface {
	// NextEligible returns the first task, in store order, whose status is
	// pending and whose every blocker is completed. Returns (nil, nil)
	// when no task qualifies.
	NextEligible(ctx context.Context) (*task.Task, error)

	// Get returns the task by ID, re-read fresh from the backing so
	// mid-run edits to verification commands are honored.
	Get(ctx context.Context, id string) (*task.Task, error)

	// SetStatus transitions a task's status and persists immediately.
	SetStatus(ctx context.Context, id string, status task.Status) error

	// IncrementHeal bumps a task's heal-attempt counter and returns the
	// new value.
	IncrementHeal(ctx context.Context, id string) (int, error)

	// CountByStatus returns task counts keyed by status string.
	CountByStatus(ctx context.Context) (map[string]int, error)

	// Reload discards any cached view and re-reads the backing.
	Reload(ctx context.Context) error
}
