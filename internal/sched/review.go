package sched

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskwright/taskwright/internal/config"
	"github.com/taskwright/taskwright/internal/issues"
	"github.com/taskwright/taskwright/internal/store"
	"github.com/taskwright/taskwright/internal/task"
	"github.com/taskwright/taskwright/internal/tool"
)

// reviewTimeout bounds the reviewer invocation.
const reviewTimeout = 30 * time.Minute

// TaskAppender is the optional store capability the review pass needs.
// Both backing stores implement it.
type TaskAppender interface {
	AppendTasks(ctx context.Context, tasks []*task.Task) error
}

// Reviewer runs the post-completion review pass: a second tool examines
// the finished work, writes structured findings to a JSON file, and the
// findings come back as new tasks for the next loop.
type Reviewer struct {
	cfg     config.Config
	log     *zap.Logger
	invoker tool.Invoker
	store   store.Store
}

// NewReviewer builds the review pass, or returns nil when no reviewer
// tool is configured.
func NewReviewer(cfg config.Config, log *zap.Logger, st store.Store, procs *tool.ProcessManager) (*Reviewer, error) {
	if !cfg.ReviewEnabled || cfg.Reviewer.Type == "" {
		return nil, nil
	}
	inv, err := tool.New(tool.Config{
		Type:      cfg.Reviewer.Type,
		Binary:    cfg.Reviewer.Binary,
		Model:     cfg.Reviewer.Model,
		WorkDir:   cfg.RepoRoot,
		ExtraArgs: cfg.Reviewer.ExtraArgs,
	}, procs)
	if err != nil {
		return nil, fmt.Errorf("building reviewer: %w", err)
	}
	return &Reviewer{cfg: cfg, log: log, invoker: inv, store: st}, nil
}

// Review invokes the reviewer and appends any resulting tasks. Returns the
// number of tasks added.
func (r *Reviewer) Review(ctx context.Context, completed []string) (int, error) {
	appender, ok := r.store.(TaskAppender)
	if !ok {
		return 0, fmt.Errorf("store does not support appending review tasks")
	}

	issuesPath := filepath.Join(r.cfg.StateDir, "review-issues.json")
	// A stale findings file from a previous pass must not be re-imported.
	if err := os.Remove(issuesPath); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("clearing previous review findings: %w", err)
	}

	prompt := r.renderPrompt(issuesPath, completed)
	res, err := r.invoker.Invoke(ctx, prompt, reviewTimeout)
	if err != nil {
		return 0, fmt.Errorf("review invocation: %w", err)
	}
	if res.ExitCode != 0 {
		r.log.Warn("reviewer exited non-zero", zap.Int("exit", res.ExitCode))
	}

	found, err := issues.LoadFile(issuesPath)
	if err != nil {
		return 0, fmt.Errorf("loading review findings: %w", err)
	}
	if len(found) == 0 {
		return 0, nil
	}

	tasks := issues.Convert(found, issues.Options{IncludeNits: r.cfg.IncludeNits})
	if len(tasks) == 0 {
		return 0, nil
	}

	if err := appender.AppendTasks(ctx, tasks); err != nil {
		return 0, fmt.Errorf("appending review tasks: %w", err)
	}
	r.log.Info("review pass added tasks", zap.Int("count", len(tasks)))
	return len(tasks), nil
}

func (r *Reviewer) renderPrompt(issuesPath string, completed []string) string {
	var b strings.Builder
	b.WriteString("Review the changes made for the following completed tasks:\n")
	for _, id := range completed {
		b.WriteString("- " + id + "\n")
	}
	b.WriteString("\nExamine the working tree for correctness, missing error handling, and incomplete work.\n")
	b.WriteString("Write your findings as JSON to " + issuesPath + " in this shape:\n")
	b.WriteString(`{"issues": [{"id": "", "title": "...", "category": "engine", "severity": "major", "lens": "correctness", "evidence": "...", "recommendation": "..."}]}` + "\n")
	b.WriteString("Severity is one of: blocker, major, minor, nit. An empty issues array means the work is clean.\n")
	b.WriteString("Do not modify any other file.\n")
	return b.String()
}
