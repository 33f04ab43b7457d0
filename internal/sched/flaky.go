package sched

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/taskwright/taskwright/internal/verify"
)

// flakyState is the persisted failure streak. One streak, not a table:
// what matters is consecutive recurrence of the same fingerprint, whether
// on one task or across tasks.
type flakyState struct {
	Fingerprint string `json:"fingerprint"`
	LastTaskID  string `json:"lastTaskId"`
	Count       int    `json:"count"`
}

// FlakyDetector tracks consecutive identical failure fingerprints. The
// same task failing the same way is not going to pass on retry, and the
// same fingerprint surfacing from different tasks means the breakage is
// global, not the task's. Either way, threshold consecutive hits pull the
// current task out of rotation for a human. A failure with a different
// fingerprint resets the streak.
type FlakyDetector struct {
	mu        sync.Mutex
	path      string
	threshold int
	state     flakyState
}

// NewFlakyDetector loads any persisted streak from stateDir. The streak
// carries across runs so an interrupt-and-resume does not reset the clock
// on a genuinely stuck verification step.
func NewFlakyDetector(stateDir string, threshold int) (*FlakyDetector, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	d := &FlakyDetector{
		path:      filepath.Join(stateDir, "failure-streak.json"),
		threshold: threshold,
	}

	data, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading failure streak: %w", err)
	}
	if err := json.Unmarshal(data, &d.state); err != nil {
		return nil, fmt.Errorf("decoding failure streak: %w", err)
	}
	return d, nil
}

// RecordFailure fingerprints the failure output and extends or resets the
// streak. Exhausted means the streak just hit the threshold; the streak
// resets so the next failure starts a fresh count.
func (d *FlakyDetector) RecordFailure(taskID string, output []byte) (fingerprint string, exhausted bool, err error) {
	fp := verify.Fingerprint(output)

	d.mu.Lock()
	defer d.mu.Unlock()

	if fp == d.state.Fingerprint {
		d.state.Count++
	} else {
		d.state = flakyState{Fingerprint: fp, Count: 1}
	}
	d.state.LastTaskID = taskID

	exhausted = d.state.Count >= d.threshold
	if exhausted {
		d.state = flakyState{}
	}

	if ferr := d.flushLocked(); ferr != nil {
		return fp, exhausted, ferr
	}
	return fp, exhausted, nil
}

// Streak returns the current consecutive count for a fingerprint.
func (d *FlakyDetector) Streak(fingerprint string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Fingerprint != fingerprint {
		return 0
	}
	return d.state.Count
}

// Forget clears the streak if the task was the last one to extend it.
// Used when a human unblocks a task.
func (d *FlakyDetector) Forget(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.LastTaskID == taskID {
		d.state = flakyState{}
	}
	return d.flushLocked()
}

func (d *FlakyDetector) flushLocked() error {
	data, err := json.MarshalIndent(d.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding failure streak: %w", err)
	}
	if err := os.WriteFile(d.path, data, 0o644); err != nil {
		return fmt.Errorf("writing failure streak: %w", err)
	}
	return nil
}
