package sched

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskwright/taskwright/internal/config"
	"github.com/taskwright/taskwright/internal/events"
	"github.com/taskwright/taskwright/internal/history"
	"github.com/taskwright/taskwright/internal/logging"
	"github.com/taskwright/taskwright/internal/report"
	"github.com/taskwright/taskwright/internal/store"
	"github.com/taskwright/taskwright/internal/task"
	"github.com/taskwright/taskwright/internal/tool"
	"github.com/taskwright/taskwright/internal/vcs/git"
	"github.com/taskwright/taskwright/internal/verify"
)

// testConfig returns a config wired for fast in-test runs with a stub
// shell tool whose script is the single argument.
func testConfig(t *testing.T, script string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.RepoRoot = dir
	cfg.StateDir = filepath.Join(dir, ".state")
	cfg.TasksFile = filepath.Join(dir, "tasks.json")
	cfg.Tool = config.ToolConfig{
		Type:      "script",
		Binary:    "/bin/sh",
		ExtraArgs: []string{"-c", script},
	}
	cfg.Timeouts.Task = 30 * time.Second
	cfg.Timeouts.IterationPause = 0
	cfg.Verify.RequireCommands = false
	return cfg
}

// okGate passes everything without running commands.
func okGate() *verify.Gate {
	return &verify.Gate{
		Stages:  verify.StageCommands{},
		Enabled: verify.Toggles{},
		RunShell: func(_ context.Context, _, _ string) ([]byte, error) {
			return []byte("ok"), nil
		},
	}
}

func newTestScheduler(t *testing.T, cfg config.Config, st store.Store, gate *verify.Gate) *Scheduler {
	t.Helper()
	reporter, err := report.New(cfg.StateDir)
	if err != nil {
		t.Fatalf("report.New: %v", err)
	}
	s, err := New(Options{
		Config:   cfg,
		Log:      logging.NewNop(),
		Store:    st,
		Gate:     gate,
		Git:      git.New(cfg.RepoRoot),
		Bus:      events.NewBus(),
		Reporter: reporter,
		Procs:    tool.NewProcessManager(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func seedStore(t *testing.T, cfg config.Config, tasks []*task.Task) *store.DocumentStore {
	t.Helper()
	st, err := store.CreateDocument(cfg.TasksFile, store.NewDocument(tasks, nil, nil))
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	return st
}

func pendingTask(id string, blockedBy ...string) *task.Task {
	return &task.Task{
		ID:        id,
		Subject:   "task " + id,
		Status:    task.StatusPending,
		BlockedBy: blockedBy,
		Source:    task.SourcePlan,
	}
}

func TestRunCompletesDependencyChain(t *testing.T) {
	cfg := testConfig(t, "echo TASK_COMPLETE")
	st := seedStore(t, cfg, []*task.Task{
		pendingTask("a"),
		pendingTask("b", "a"),
	})

	s := newTestScheduler(t, cfg, st, okGate())
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Counts[string(task.StatusCompleted)] != 2 {
		t.Errorf("completed = %d, want 2 (counts %v)", res.Counts[string(task.StatusCompleted)], res.Counts)
	}
	if res.Deadlocked {
		t.Error("clean run reported deadlocked")
	}

	// b ran after a: both terminal in the store.
	got, err := st.Get(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("b status = %s", got.Status)
	}

	// The loop-state snapshot names the task each iteration worked on.
	reporter, err := report.New(cfg.StateDir)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := reporter.ReadSnapshot()
	if err != nil || snap == nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.CurrentTask != "b" {
		t.Errorf("snapshot current task = %q, want b", snap.CurrentTask)
	}
	if snap.Completed != 2 {
		t.Errorf("snapshot completed = %d, want 2", snap.Completed)
	}
}

func TestRunToolBlockedStopsTask(t *testing.T) {
	cfg := testConfig(t, "echo need human help; echo TASK_BLOCKED")
	st := seedStore(t, cfg, []*task.Task{pendingTask("a")})

	s := newTestScheduler(t, cfg, st, okGate())
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Counts[string(task.StatusBlocked)] != 1 {
		t.Errorf("blocked = %d, want 1 (counts %v)", res.Counts[string(task.StatusBlocked)], res.Counts)
	}
}

func TestRunFailureStopsWithoutContinueOnError(t *testing.T) {
	cfg := testConfig(t, "echo TASK_FAILED")
	st := seedStore(t, cfg, []*task.Task{
		pendingTask("a"),
		pendingTask("b"),
	})

	s := newTestScheduler(t, cfg, st, okGate())
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Counts[string(task.StatusFailed)] != 1 {
		t.Errorf("failed = %d, want 1", res.Counts[string(task.StatusFailed)])
	}
	if res.Counts[string(task.StatusPending)] != 1 {
		t.Errorf("the run should stop before task b, counts %v", res.Counts)
	}
}

func TestRunContinueOnError(t *testing.T) {
	cfg := testConfig(t, "echo TASK_FAILED")
	cfg.ContinueOnError = true
	st := seedStore(t, cfg, []*task.Task{
		pendingTask("a"),
		pendingTask("b"),
	})

	s := newTestScheduler(t, cfg, st, okGate())
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Counts[string(task.StatusFailed)] != 2 {
		t.Errorf("failed = %d, want 2 (counts %v)", res.Counts[string(task.StatusFailed)], res.Counts)
	}
}

// TestRunGateOverridesMarker: a completion marker with a failing
// verification command still fails the task.
func TestRunGateOverridesMarker(t *testing.T) {
	cfg := testConfig(t, "echo TASK_COMPLETE")
	tsk := pendingTask("a")
	tsk.Verification = []string{"false"}
	st := seedStore(t, cfg, []*task.Task{tsk})

	gate := &verify.Gate{
		Stages:  verify.StageCommands{},
		Enabled: verify.Toggles{},
		RunShell: func(_ context.Context, _, command string) ([]byte, error) {
			if command == "false" {
				return []byte("verification says no"), fmt.Errorf("exit status 1")
			}
			return nil, nil
		},
	}

	s := newTestScheduler(t, cfg, st, gate)
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Counts[string(task.StatusFailed)] != 1 {
		t.Errorf("counts = %v, want one failed task", res.Counts)
	}
}

func TestRunRequireCommandsBlocksBareTask(t *testing.T) {
	cfg := testConfig(t, "echo TASK_COMPLETE")
	cfg.Verify.RequireCommands = true
	st := seedStore(t, cfg, []*task.Task{pendingTask("a")})

	s := newTestScheduler(t, cfg, st, okGate())
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Counts[string(task.StatusBlocked)] != 1 {
		t.Errorf("counts = %v, want one blocked task", res.Counts)
	}
}

func TestRunDeadlockDetection(t *testing.T) {
	cfg := testConfig(t, "echo TASK_FAILED")
	cfg.ContinueOnError = true
	st := seedStore(t, cfg, []*task.Task{
		pendingTask("a"),
		pendingTask("b", "a"),
	})

	s := newTestScheduler(t, cfg, st, okGate())
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// a failed, so b can never become eligible.
	if !res.Deadlocked {
		t.Errorf("expected deadlock, counts %v", res.Counts)
	}
}

func TestRunRepeatedFailureBlocks(t *testing.T) {
	cfg := testConfig(t, "echo same error every time; echo TASK_FAILED")
	cfg.ContinueOnError = true
	cfg.FlakyThreshold = 2
	st := seedStore(t, cfg, []*task.Task{pendingTask("a")})

	// First run fails the task once.
	s := newTestScheduler(t, cfg, st, okGate())
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// A human (or the heal command) returns it to pending; the identical
	// second failure crosses the threshold and parks it.
	if err := st.SetStatus(context.Background(), "a", task.StatusPending); err != nil {
		t.Fatal(err)
	}
	s2 := newTestScheduler(t, cfg, st, okGate())
	res, err := s2.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if res.Counts[string(task.StatusBlocked)] != 1 {
		t.Errorf("counts = %v, want the task blocked by the repeat detector", res.Counts)
	}
}

func TestRunInconclusiveInvocationRetries(t *testing.T) {
	cfg := testConfig(t, "echo just some output")
	cfg.MaxIterations = 3
	st := seedStore(t, cfg, []*task.Task{pendingTask("a")})

	s := newTestScheduler(t, cfg, st, okGate())
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Every iteration was spent retrying the inconclusive task.
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
	if res.Counts[string(task.StatusPending)] != 1 {
		t.Errorf("counts = %v, want the task still pending", res.Counts)
	}
}

// TestRunAuditsAttemptsButNotSpawnFailures: a completed invocation leaves
// an attempt row; an invocation that never spawned leaves none.
func TestRunAuditsAttemptsButNotSpawnFailures(t *testing.T) {
	ctx := context.Background()

	newWithHist := func(cfg config.Config, st store.Store, hist *history.Store) *Scheduler {
		reporter, err := report.New(cfg.StateDir)
		if err != nil {
			t.Fatalf("report.New: %v", err)
		}
		s, err := New(Options{
			Config:   cfg,
			Log:      logging.NewNop(),
			Store:    st,
			Gate:     okGate(),
			Git:      git.New(cfg.RepoRoot),
			Bus:      events.NewBus(),
			Reporter: reporter,
			Hist:     hist,
			Procs:    tool.NewProcessManager(),
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	}

	cfg := testConfig(t, "echo TASK_COMPLETE")
	st := seedStore(t, cfg, []*task.Task{pendingTask("a")})
	hist, err := history.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer hist.Close()

	if _, err := newWithHist(cfg, st, hist).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	attempts, err := hist.AttemptsFor(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].ExitCode != 0 {
		t.Errorf("attempts = %+v, want one clean attempt", attempts)
	}

	// Now a tool binary that does not exist: the failure is recorded as a
	// status transition, never as a fabricated clean attempt.
	cfg2 := testConfig(t, "echo TASK_COMPLETE")
	cfg2.Tool.Binary = filepath.Join(cfg2.RepoRoot, "no-such-tool")
	st2 := seedStore(t, cfg2, []*task.Task{pendingTask("b")})
	hist2, err := history.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer hist2.Close()

	res, err := newWithHist(cfg2, st2, hist2).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Counts[string(task.StatusFailed)] != 1 {
		t.Errorf("counts = %v, want the task failed", res.Counts)
	}
	attempts, err = hist2.AttemptsFor(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 0 {
		t.Errorf("spawn failure fabricated attempt rows: %+v", attempts)
	}
}

// TestRunReviewRegressionFailsRun: a review pass that mutates the tree
// goes back through the project gate, and a failure there fails the run
// even though every task completed.
func TestRunReviewRegressionFailsRun(t *testing.T) {
	cfg := testConfig(t, "echo TASK_COMPLETE")
	marker := filepath.Join(cfg.RepoRoot, "review-touched.txt")
	cfg.ReviewEnabled = true
	cfg.Reviewer = config.ToolConfig{
		Type:      "script",
		Binary:    "/bin/sh",
		ExtraArgs: []string{"-c", "touch " + marker},
	}
	st := seedStore(t, cfg, []*task.Task{pendingTask("a")})

	// The build stage passes until the reviewer's mutation appears.
	gate := &verify.Gate{
		Stages:  verify.StageCommands{Build: "check-tree"},
		Enabled: verify.Toggles{Build: true},
		RunShell: func(_ context.Context, _, _ string) ([]byte, error) {
			if _, err := os.Stat(marker); err == nil {
				return []byte("build broken after review"), fmt.Errorf("exit status 1")
			}
			return []byte("ok"), nil
		},
	}

	reporter, err := report.New(cfg.StateDir)
	if err != nil {
		t.Fatalf("report.New: %v", err)
	}
	procs := tool.NewProcessManager()
	reviewer, err := NewReviewer(cfg, logging.NewNop(), st, procs)
	if err != nil {
		t.Fatalf("NewReviewer: %v", err)
	}
	if reviewer == nil {
		t.Fatal("reviewer not built")
	}
	s, err := New(Options{
		Config:   cfg,
		Log:      logging.NewNop(),
		Store:    st,
		Gate:     gate,
		Git:      git.New(cfg.RepoRoot),
		Bus:      events.NewBus(),
		Reporter: reporter,
		Procs:    procs,
		Reviewer: reviewer,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.ReviewRegression {
		t.Error("post-review gate failure not reported")
	}
	if res.Counts[string(task.StatusCompleted)] != 1 {
		t.Errorf("counts = %v, want the original task completed", res.Counts)
	}
}

func TestRecoverStalledHealsTask(t *testing.T) {
	cfg := testConfig(t, "echo TASK_COMPLETE")
	tsk := pendingTask("a")
	tsk.Status = task.StatusInProgress
	st := seedStore(t, cfg, []*task.Task{tsk})

	s := newTestScheduler(t, cfg, st, okGate())

	// Simulate a dead previous run: a tracking file naming a PID that no
	// longer exists.
	tracking := fmt.Sprintf(`{"taskId":"a","startedAt":%q,"logPath":"","pid":%d}`,
		time.Now().UTC().Format(time.RFC3339), 1<<30)
	if err := os.WriteFile(filepath.Join(cfg.StateDir, "current-task.json"), []byte(tracking), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Healed back to pending, then picked up and completed.
	if res.Counts[string(task.StatusCompleted)] != 1 {
		t.Errorf("counts = %v, want the healed task completed", res.Counts)
	}
	got, _ := st.Get(context.Background(), "a")
	if got.HealAttempt != 1 {
		t.Errorf("heal attempt = %d, want 1", got.HealAttempt)
	}
}

func TestRecoverStalledExhaustsHealAttempts(t *testing.T) {
	cfg := testConfig(t, "echo TASK_COMPLETE")
	cfg.MaxHealAttempts = 1
	tsk := pendingTask("a")
	tsk.Status = task.StatusInProgress
	tsk.HealAttempt = 1
	st := seedStore(t, cfg, []*task.Task{tsk})

	s := newTestScheduler(t, cfg, st, okGate())
	if err := s.monitor.Track("a", ""); err != nil {
		t.Fatal(err)
	}
	// Wall-clock stall: pretend the attempt started two stall periods ago.
	s.monitor.now = func() time.Time { return time.Now().Add(2 * cfg.Timeouts.Stall) }

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Counts[string(task.StatusFailed)] != 1 {
		t.Errorf("counts = %v, want the task failed after exhausting heals", res.Counts)
	}
}
