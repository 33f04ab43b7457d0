package sched

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// trackingFile records which task an invocation is working on and where its
// log lives. It survives process crashes, which is the point: a fresh run
// reads it to find tasks the dead run left in_progress.
type trackingFile struct {
	TaskID    string    `json:"taskId"`
	StartedAt time.Time `json:"startedAt"`
	LogPath   string    `json:"logPath"`
	PID       int       `json:"pid"`
}

// StallMonitor decides whether an in-progress task has stalled. Two
// independent signals: total wall-clock past the stall threshold, and log
// silence past the heartbeat threshold once the task is old enough for
// heartbeat checks to mean anything.
type StallMonitor struct {
	StateDir       string
	Stall          time.Duration
	Heartbeat      time.Duration
	HeartbeatFloor time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewStallMonitor creates a monitor over stateDir.
func NewStallMonitor(stateDir string, stall, heartbeat, floor time.Duration) *StallMonitor {
	return &StallMonitor{
		StateDir:       stateDir,
		Stall:          stall,
		Heartbeat:      heartbeat,
		HeartbeatFloor: floor,
		now:            time.Now,
	}
}

func (m *StallMonitor) trackingPath() string {
	return filepath.Join(m.StateDir, "current-task.json")
}

// Track writes the tracking file for a starting invocation.
func (m *StallMonitor) Track(taskID, logPath string) error {
	tf := trackingFile{
		TaskID:    taskID,
		StartedAt: m.now().UTC(),
		LogPath:   logPath,
		PID:       os.Getpid(),
	}
	data, err := json.Marshal(tf)
	if err != nil {
		return fmt.Errorf("encoding tracking file: %w", err)
	}
	if err := os.WriteFile(m.trackingPath(), data, 0o644); err != nil {
		return fmt.Errorf("writing tracking file: %w", err)
	}
	return nil
}

// Clear removes the tracking file after an invocation finishes.
func (m *StallMonitor) Clear() error {
	err := os.Remove(m.trackingPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Current returns the tracked invocation, or nil if none is recorded.
func (m *StallMonitor) Current() (*trackingFile, error) {
	data, err := os.ReadFile(m.trackingPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tracking file: %w", err)
	}
	var tf trackingFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("decoding tracking file: %w", err)
	}
	return &tf, nil
}

// CheckStalled reports whether the tracked invocation has stalled, and why.
// Returns ("", false) when nothing is tracked or the invocation looks
// healthy.
func (m *StallMonitor) CheckStalled() (reason string, stalled bool) {
	tf, err := m.Current()
	if err != nil || tf == nil {
		return "", false
	}
	return m.evaluate(tf)
}

func (m *StallMonitor) evaluate(tf *trackingFile) (string, bool) {
	age := m.now().Sub(tf.StartedAt)

	if age > m.Stall {
		return fmt.Sprintf("running for %s, past the %s stall threshold", age.Round(time.Second), m.Stall), true
	}

	// Heartbeat checks only apply once the task is past the floor; a task
	// that just started legitimately has a quiet log.
	if age < m.HeartbeatFloor || tf.LogPath == "" {
		return "", false
	}

	info, err := os.Stat(tf.LogPath)
	if err != nil {
		// No log yet despite being past the floor means the tool never
		// produced output.
		return fmt.Sprintf("no output log after %s", age.Round(time.Second)), true
	}

	silence := m.now().Sub(info.ModTime())
	if silence > m.Heartbeat {
		return fmt.Sprintf("log silent for %s, past the %s heartbeat threshold", silence.Round(time.Second), m.Heartbeat), true
	}
	return "", false
}
