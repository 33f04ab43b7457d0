// Package task defines the task record shared by the plan compiler,
// the store, and the scheduler.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task. The zero value is not valid;
// every task starts as StatusPending unless its plan line was pre-checked.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// ParseStatus validates a status string read from an external source.
// Unknown values are rejected at the boundary rather than carried through
// the scheduler.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Terminal reports whether the status ends a task for the current run.
// Blocked tasks need human attention; failed tasks stay failed unless the
// self-healer returns them to pending.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// Source records where a task came from. Used for reporting only.
type Source string

const (
	SourcePlan   Source = "plan"
	SourceOracle Source = "oracle"
)

// Task is the central scheduling entity.
type Task struct {
	ID              string   `json:"id"`
	Subject         string   `json:"subject"`
	Description     string   `json:"description,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	BlockedBy       []string `json:"blockedBy,omitempty"`
	Status          Status   `json:"status"`
	Verification    []string `json:"verification,omitempty"`
	LLMVerification []string `json:"llmVerification,omitempty"`
	AllowedPaths    []string `json:"allowedPaths,omitempty"`
	Source          Source   `json:"source"`
	HealAttempt     int      `json:"healAttempt,omitempty"`
	SprintGoal      string   `json:"sprintGoal,omitempty"`
	SprintDemo      string   `json:"sprintDemo,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate store state through
// a returned task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	cp.BlockedBy = append([]string(nil), t.BlockedBy...)
	cp.Verification = append([]string(nil), t.Verification...)
	cp.LLMVerification = append([]string(nil), t.LLMVerification...)
	cp.AllowedPaths = append([]string(nil), t.AllowedPaths...)
	return &cp
}

// Meta is the document header written alongside the task list.
type Meta struct {
	GeneratedAt time.Time         `json:"generatedAt"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Counts      map[string]int    `json:"counts,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
}

// Document is the persisted task-graph shape (JSON document mode).
type Document struct {
	Meta  Meta    `json:"meta"`
	Tasks []*Task `json:"tasks"`
}

// CountByStatus recomputes the status counts over the document's tasks.
func (d *Document) CountByStatus() map[string]int {
	counts := make(map[string]int)
	for _, t := range d.Tasks {
		counts[string(t.Status)]++
	}
	return counts
}

// HashID derives a stable short identifier from a task's tags and subject.
// Re-parsing unchanged plan text yields the same ID, which keeps blocker
// references valid across compiles.
func HashID(tags []string, subject string) string {
	sum := sha256.Sum256([]byte(strings.Join(tags, ",") + "::" + subject))
	return "t-" + hex.EncodeToString(sum[:])[:8]
}
