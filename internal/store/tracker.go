package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/taskwright/taskwright/internal/task"
)

// CommandRunner executes an external command and returns its combined
// output. Tests substitute a fake so no tracker binary is needed.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner is the real CommandRunner.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w\n%s", name, strings.Join(args, " "), err, string(out))
	}
	return out, nil
}

// TrackerStore routes store operations through an external CLI-based issue
// tracker. The four canonical statuses map onto the tracker's native
// vocabulary exactly and symmetrically so counts stay meaningful:
//
//	pending     <-> open
//	in_progress <-> in_progress
//	completed   <-> closed
//	failed      <-> blocked
//
// The fifth canonical status, blocked (needs-human), is stored as the
// tracker's blocked state with a needs_human marker in the issue data; on
// read-back a tracker-blocked issue without the marker surfaces as failed.
type TrackerStore struct {
	bin    string
	dbPath string
	runner CommandRunner
}

// NewTracker creates a tracker-backed store. bin defaults to "bd".
func NewTracker(bin, dbPath string, runner CommandRunner) *TrackerStore {
	if bin == "" {
		bin = "bd"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &TrackerStore{bin: bin, dbPath: dbPath, runner: runner}
}

// rawIssue is the tracker's JSON shape for list/show output.
type rawIssue struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Status    string            `json:"status"`
	Body      string            `json:"description"`
	Labels    []string          `json:"labels,omitempty"`
	BlockedBy []string          `json:"blocked_by,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

func (s *TrackerStore) run(ctx context.Context, args ...string) ([]byte, error) {
	if s.dbPath != "" {
		args = append([]string{"--db", s.dbPath}, args...)
	}
	return s.runner.Run(ctx, s.bin, args...)
}

// NextEligible asks the tracker for ready issues (open, no open blockers)
// and returns the first.
func (s *TrackerStore) NextEligible(ctx context.Context) (*task.Task, error) {
	out, err := s.run(ctx, "ready", "--json", "--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("tracker ready: %w", err)
	}
	issues, err := parseIssueList(out)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, nil
	}
	return issueToTask(issues[0])
}

func (s *TrackerStore) Get(ctx context.Context, id string) (*task.Task, error) {
	out, err := s.run(ctx, "show", id, "--json")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var iss rawIssue
	if err := json.Unmarshal(out, &iss); err != nil {
		return nil, fmt.Errorf("parsing tracker issue %s: %w", id, err)
	}
	return issueToTask(iss)
}

func (s *TrackerStore) SetStatus(ctx context.Context, id string, status task.Status) error {
	args := []string{"update", id, "--status", statusToTracker(status)}
	if status == task.StatusBlocked {
		args = append(args, "--data", "needs_human=true")
	}
	if _, err := s.run(ctx, args...); err != nil {
		return fmt.Errorf("tracker update %s: %w", id, err)
	}
	return nil
}

func (s *TrackerStore) IncrementHeal(ctx context.Context, id string) (int, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	attempts := t.HealAttempt + 1
	if _, err := s.run(ctx, "update", id, "--data", fmt.Sprintf("heal_attempt=%d", attempts)); err != nil {
		return 0, fmt.Errorf("tracker update %s: %w", id, err)
	}
	return attempts, nil
}

func (s *TrackerStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	out, err := s.run(ctx, "list", "--json", "--limit", "0")
	if err != nil {
		return nil, fmt.Errorf("tracker list: %w", err)
	}
	issues, err := parseIssueList(out)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, iss := range issues {
		counts[string(trackerToStatus(iss))]++
	}
	return counts, nil
}

// AppendTasks creates one tracker issue per new task. Existence is checked
// by ID first so replays do not duplicate issues.
func (s *TrackerStore) AppendTasks(ctx context.Context, tasks []*task.Task) error {
	for _, t := range tasks {
		if _, err := s.Get(ctx, t.ID); err == nil {
			continue
		}
		args := []string{"create", t.Subject, "--id", t.ID, "--status", statusToTracker(t.Status)}
		if t.Description != "" {
			args = append(args, "--description", t.Description)
		}
		for _, label := range t.Tags {
			args = append(args, "--label", label)
		}
		for _, dep := range t.BlockedBy {
			args = append(args, "--blocked-by", dep)
		}
		if len(t.Verification) > 0 {
			args = append(args, "--data", "verification="+strings.Join(t.Verification, "\n"))
		}
		if _, err := s.run(ctx, args...); err != nil {
			return fmt.Errorf("tracker create %s: %w", t.ID, err)
		}
	}
	return nil
}

// Reload is a no-op: the tracker is queried fresh on every call.
func (s *TrackerStore) Reload(context.Context) error { return nil }

func parseIssueList(out []byte) ([]rawIssue, error) {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var issues []rawIssue
	if err := json.Unmarshal([]byte(trimmed), &issues); err != nil {
		return nil, fmt.Errorf("parsing tracker list output: %w", err)
	}
	return issues, nil
}

func issueToTask(iss rawIssue) (*task.Task, error) {
	t := &task.Task{
		ID:          iss.ID,
		Subject:     iss.Title,
		Description: iss.Body,
		Tags:        iss.Labels,
		BlockedBy:   iss.BlockedBy,
		Status:      trackerToStatus(iss),
		Source:      task.SourceOracle,
	}
	if ha, ok := iss.Data["heal_attempt"]; ok {
		fmt.Sscanf(ha, "%d", &t.HealAttempt)
	}
	if v, ok := iss.Data["verification"]; ok {
		for _, line := range strings.Split(v, "\n") {
			if cmd := strings.TrimSpace(line); cmd != "" {
				t.Verification = append(t.Verification, cmd)
			}
		}
	}
	return t, nil
}

func statusToTracker(status task.Status) string {
	switch status {
	case task.StatusPending:
		return "open"
	case task.StatusCompleted:
		return "closed"
	case task.StatusInProgress:
		return "in_progress"
	default: // failed and blocked both land on the tracker's blocked state
		return "blocked"
	}
}

func trackerToStatus(iss rawIssue) task.Status {
	switch iss.Status {
	case "open":
		return task.StatusPending
	case "closed":
		return task.StatusCompleted
	case "in_progress":
		return task.StatusInProgress
	case "blocked":
		if iss.Data["needs_human"] == "true" {
			return task.StatusBlocked
		}
		return task.StatusFailed
	default:
		return task.StatusPending
	}
}
