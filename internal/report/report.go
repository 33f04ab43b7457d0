// Package report writes the human-facing artifacts of a run: the progress
// log, the accumulated learnings file, and the loop-state snapshot.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Reporter appends to the run's progress and learnings logs under stateDir.
type Reporter struct {
	stateDir string
}

// New returns a Reporter rooted at stateDir, creating the directory.
func New(stateDir string) (*Reporter, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &Reporter{stateDir: stateDir}, nil
}

func (r *Reporter) progressPath() string  { return filepath.Join(r.stateDir, "progress.md") }
func (r *Reporter) learningsPath() string { return filepath.Join(r.stateDir, "learnings.md") }
func (r *Reporter) snapshotPath() string  { return filepath.Join(r.stateDir, "loop-state.json") }

// Progress appends a timestamped line to the progress log.
func (r *Reporter) Progress(format string, args ...any) error {
	line := fmt.Sprintf("- %s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	return appendFile(r.progressPath(), line)
}

// Learning appends one learning to the learnings log, attributed to a task.
func (r *Reporter) Learning(taskID, text string) error {
	line := fmt.Sprintf("- (%s) %s\n", taskID, text)
	return appendFile(r.learningsPath(), line)
}

// Learnings reads back all recorded learnings, most useful for prompt
// construction. A missing file is an empty slice.
func (r *Reporter) Learnings() ([]string, error) {
	data, err := os.ReadFile(r.learningsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading learnings: %w", err)
	}
	var out []string
	for _, line := range splitLines(string(data)) {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// Snapshot is the persisted view of where the loop is, overwritten each
// iteration so an interrupted run can be inspected.
type Snapshot struct {
	RunID       string    `json:"runId"`
	Iteration   int       `json:"iteration"`
	CurrentTask string    `json:"currentTask,omitempty"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Blocked     int       `json:"blocked"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// WriteSnapshot atomically replaces the loop-state file.
func (r *Reporter) WriteSnapshot(s Snapshot) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(r.stateDir, ".loop-state-*.json")
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, r.snapshotPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads the last written snapshot, if any.
func (r *Reporter) ReadSnapshot() (*Snapshot, error) {
	data, err := os.ReadFile(r.snapshotPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &s, nil
}

func appendFile(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("appending to %s: %w", filepath.Base(path), err)
	}
	return nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
