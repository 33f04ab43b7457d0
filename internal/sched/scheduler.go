// Package sched runs the execution loop: pick the next eligible task, hand
// it to a tool, verify the result, and record the transition. One task at
// a time; eligibility comes from the store, acceptance from the
// verification gate.
package sched

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwright/taskwright/internal/config"
	"github.com/taskwright/taskwright/internal/events"
	"github.com/taskwright/taskwright/internal/history"
	"github.com/taskwright/taskwright/internal/report"
	"github.com/taskwright/taskwright/internal/store"
	"github.com/taskwright/taskwright/internal/task"
	"github.com/taskwright/taskwright/internal/tool"
	"github.com/taskwright/taskwright/internal/vcs/git"
	"github.com/taskwright/taskwright/internal/verify"
)

// Result summarizes a finished run.
type Result struct {
	RunID      string
	Iterations int
	Counts     map[string]int
	// Deadlocked means pending tasks remain but none are eligible: every
	// remaining task waits on something failed or blocked.
	Deadlocked bool
	// ReviewRegression means the review pass mutated the tree and the
	// re-run project gate failed.
	ReviewRegression bool
}

// Scheduler owns one run of the loop.
type Scheduler struct {
	cfg      config.Config
	log      *zap.Logger
	store    store.Store
	gate     *verify.Gate
	judge    *verify.Judge
	git      *git.Client
	bus      *events.Bus
	dispatch *Dispatcher
	monitor  *StallMonitor
	flaky    *FlakyDetector
	reporter *report.Reporter
	hist     *history.Store
	procs    *tool.ProcessManager
	reviewer *Reviewer

	toolCfg   tool.Config
	runID     string
	completed []string
}

// Options wires a Scheduler. Hist and Judge may be nil.
type Options struct {
	Config   config.Config
	Log      *zap.Logger
	Store    store.Store
	Gate     *verify.Gate
	Judge    *verify.Judge
	Git      *git.Client
	Bus      *events.Bus
	Reporter *report.Reporter
	Hist     *history.Store
	Procs    *tool.ProcessManager
	Reviewer *Reviewer
}

// New assembles a scheduler.
func New(opts Options) (*Scheduler, error) {
	cfg := opts.Config

	monitor := NewStallMonitor(cfg.StateDir,
		cfg.Timeouts.Stall, cfg.Timeouts.Heartbeat, cfg.Timeouts.HeartbeatFloor)

	flaky, err := NewFlakyDetector(cfg.StateDir, cfg.FlakyThreshold)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		cfg:      cfg,
		log:      opts.Log,
		store:    opts.Store,
		gate:     opts.Gate,
		judge:    opts.Judge,
		git:      opts.Git,
		bus:      opts.Bus,
		dispatch: NewDispatcher(NewBreakerRegistry(opts.Log), DefaultRetryConfig()),
		monitor:  monitor,
		flaky:    flaky,
		reporter: opts.Reporter,
		hist:     opts.Hist,
		procs:    opts.Procs,
		reviewer: opts.Reviewer,
		toolCfg: tool.Config{
			Type:      cfg.Tool.Type,
			Binary:    cfg.Tool.Binary,
			Model:     cfg.Tool.Model,
			WorkDir:   cfg.RepoRoot,
			ExtraArgs: cfg.Tool.ExtraArgs,
		},
		runID: uuid.NewString(),
	}, nil
}

// RunID returns this run's identifier.
func (s *Scheduler) RunID() string { return s.runID }

// Run drives the loop until no task is eligible, the iteration cap hits,
// a failure stops the run, or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	if s.hist != nil {
		if err := s.hist.StartRun(ctx, s.runID); err != nil {
			s.log.Warn("history unavailable", zap.Error(err))
		}
	}

	if err := s.recoverStalled(ctx); err != nil {
		s.log.Warn("stall recovery failed", zap.Error(err))
	}

	res := Result{RunID: s.runID}
	stop := false
	reviewed := false

	for iter := 1; iter <= s.cfg.MaxIterations && !stop; iter++ {
		if err := ctx.Err(); err != nil {
			return s.finish(ctx, res, err)
		}
		res.Iterations = iter

		if err := s.store.Reload(ctx); err != nil {
			return s.finish(ctx, res, fmt.Errorf("reloading store: %w", err))
		}

		next, err := s.store.NextEligible(ctx)
		if err != nil {
			return s.finish(ctx, res, fmt.Errorf("selecting task: %w", err))
		}
		if next == nil {
			// Plan exhausted. The review pass gets one shot at finding
			// follow-up work before the run closes out.
			if s.reviewer != nil && !reviewed && len(s.completed) > 0 {
				reviewed = true
				added, rerr := s.reviewer.Review(ctx, s.completed)
				if rerr != nil {
					s.log.Warn("review pass failed", zap.Error(rerr))
				}
				// The reviewer ran with a writable tree. Whatever it
				// touched goes back through the project gate; a regression
				// here fails the run, no matter what the findings said.
				if out := s.gate.RunProjectStages(ctx); !out.Passed {
					res.ReviewRegression = true
					s.progress("review pass broke project %s: %s", out.FailedStage, out.FailedCmd)
					s.log.Error("review pass introduced a regression",
						zap.String("stage", string(out.FailedStage)),
						zap.String("command", out.FailedCmd))
					break
				}
				if added > 0 {
					s.progress("review pass added %d tasks", added)
					continue
				}
			}
			break
		}

		s.bus.Task(events.TaskSelectedEvent{ID: next.ID, Subject: next.Subject, Timestamp: time.Now()})
		failed := s.runTask(ctx, next)

		s.writeSnapshot(ctx, iter, next.ID)

		if failed && !s.cfg.ContinueOnError {
			stop = true
		}
		if !stop {
			s.pause(ctx)
		}
	}

	return s.finish(ctx, res, nil)
}

func (s *Scheduler) finish(ctx context.Context, res Result, cause error) (Result, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.log.Warn("counting tasks", zap.Error(err))
		counts = map[string]int{}
	}
	res.Counts = counts
	res.Deadlocked = s.isDeadlocked(ctx, counts)

	s.bus.Run(events.RunFinishedEvent{
		RunID:     s.runID,
		Counts:    counts,
		Blocked:   res.Deadlocked,
		Timestamp: time.Now(),
	})

	if s.hist != nil {
		completed := counts[string(task.StatusCompleted)]
		failedN := counts[string(task.StatusFailed)]
		if err := s.hist.FinishRun(ctx, s.runID, completed, failedN, res.Deadlocked); err != nil {
			s.log.Warn("recording run finish", zap.Error(err))
		}
	}
	return res, cause
}

// isDeadlocked reports whether pending tasks remain with nothing eligible.
func (s *Scheduler) isDeadlocked(ctx context.Context, counts map[string]int) bool {
	if counts[string(task.StatusPending)] == 0 {
		return false
	}
	next, err := s.store.NextEligible(ctx)
	return err == nil && next == nil
}

// runTask executes one task end to end. Returns true when the task ended
// failed or blocked.
func (s *Scheduler) runTask(ctx context.Context, t *task.Task) bool {
	log := s.log.With(zap.String("task", t.ID), zap.String("subject", t.Subject))
	log.Info("task selected")

	s.setStatus(ctx, t.ID, t.Status, task.StatusInProgress, "selected")

	logPath := filepath.Join(s.cfg.StateDir, "logs", fmt.Sprintf("%s-%d.log", t.ID, time.Now().Unix()))
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		log.Warn("creating log directory", zap.Error(err))
		logPath = ""
	}

	toolCfg := s.toolCfg
	toolCfg.LogPath = logPath
	inv, err := tool.New(toolCfg, s.procs)
	if err != nil {
		s.failTask(ctx, t, "tool", err.Error(), nil)
		return true
	}

	if err := s.monitor.Track(t.ID, logPath); err != nil {
		log.Warn("tracking file", zap.Error(err))
	}
	defer func() {
		if err := s.monitor.Clear(); err != nil {
			log.Warn("clearing tracking file", zap.Error(err))
		}
	}()

	learnings, err := s.reporter.Learnings()
	if err != nil {
		log.Warn("reading learnings", zap.Error(err))
	}
	var prompt string
	if t.HealAttempt > 0 {
		prompt = renderHealPrompt(t, learnings, t.HealAttempt, "previous attempt did not finish")
	} else {
		prompt = renderPrompt(t, learnings)
	}

	s.bus.Task(events.TaskDispatchedEvent{ID: t.ID, Tool: inv.Name(), Timestamp: time.Now()})
	started := time.Now()
	res, err := s.dispatch.Dispatch(ctx, inv, prompt, s.cfg.Timeouts.Task)

	// A spawn failure leaves no attempt to audit; only the transition row
	// records it. A zero-value Result here would read as a clean exit.
	if s.hist != nil && err == nil {
		attempt := history.Attempt{
			RunID: s.runID, TaskID: t.ID, Tool: inv.Name(),
			ExitCode: res.ExitCode, Signal: tool.ScanSignal(res.Output).String(),
			Duration: res.Duration, TimedOut: res.TimedOut, StartedAt: started,
		}
		if herr := s.hist.RecordAttempt(ctx, attempt); herr != nil {
			log.Warn("recording attempt", zap.Error(herr))
		}
	}

	if err != nil {
		// The tool never ran; nothing to interpret.
		s.failTask(ctx, t, "tool", fmt.Sprintf("tool could not be invoked: %v", err), []byte(err.Error()))
		return true
	}

	for _, l := range tool.ExtractLearnings(res.Output) {
		if rerr := s.reporter.Learning(t.ID, l); rerr != nil {
			log.Warn("recording learning", zap.Error(rerr))
		}
		s.bus.Task(events.LearningEvent{ID: t.ID, Learning: l, Timestamp: time.Now()})
	}

	switch tool.ScanSignal(res.Output) {
	case tool.SignalBlocked:
		log.Info("tool reported blocked")
		s.setStatus(ctx, t.ID, task.StatusInProgress, task.StatusBlocked, "tool reported blocked")
		s.bus.Task(events.TaskBlockedEvent{ID: t.ID, Reason: "tool reported blocked", Timestamp: time.Now()})
		s.progress("task %s blocked: tool requested human input", t.ID)
		return true

	case tool.SignalFailed:
		s.failTask(ctx, t, "tool", "tool reported failure", res.Output)
		return true

	case tool.SignalComplete:
		// Completion is a claim, not a verdict. A non-zero exit with a
		// completion marker still goes to the gate; the timeout kill may
		// have landed after the work was done.
		return !s.verifyTask(ctx, t, started)

	default:
		if res.ExitCode == 0 {
			// Exited clean without declaring anything. Inconclusive; the
			// task goes back in the queue.
			log.Info("inconclusive invocation, retrying", zap.Int("exit", res.ExitCode))
			s.setStatus(ctx, t.ID, task.StatusInProgress, task.StatusPending, "inconclusive invocation")
			s.bus.Task(events.TaskRetriedEvent{ID: t.ID, Timestamp: time.Now()})
			return false
		}
		s.failTask(ctx, t, "tool", fmt.Sprintf("tool exited %d without a completion marker", res.ExitCode), res.Output)
		return true
	}
}

// verifyTask runs the full gate sequence. Returns true when the task was
// accepted and marked completed.
func (s *Scheduler) verifyTask(ctx context.Context, t *task.Task, started time.Time) bool {
	log := s.log.With(zap.String("task", t.ID))

	// Re-read: verification commands edited mid-run are honored.
	fresh, err := s.store.Get(ctx, t.ID)
	if err == nil && fresh != nil {
		t = fresh
	}

	if len(t.Verification) == 0 && s.cfg.Verify.RequireCommands {
		s.setStatus(ctx, t.ID, task.StatusInProgress, task.StatusBlocked, "no verification commands")
		s.bus.Task(events.TaskBlockedEvent{ID: t.ID, Reason: "no verification commands", Timestamp: time.Now()})
		s.progress("task %s blocked: no verification commands and none are allowed to be skipped", t.ID)
		return false
	}

	if out := s.gate.RunTaskCommands(ctx, t.Verification); !out.Passed {
		s.failTask(ctx, t, string(out.FailedStage),
			fmt.Sprintf("verification command failed: %s", out.FailedCmd), out.Output)
		return false
	}

	if out := s.gate.RunProjectStages(ctx); !out.Passed {
		s.failTask(ctx, t, string(out.FailedStage),
			fmt.Sprintf("project %s failed: %s", out.FailedStage, out.FailedCmd), out.Output)
		return false
	}

	if len(t.LLMVerification) > 0 && s.judge != nil {
		diff, derr := s.git.Diff(ctx)
		if derr != nil {
			log.Warn("reading diff for judge", zap.Error(derr))
		}
		passed, answer, jerr := s.judge.Evaluate(ctx, t.LLMVerification, diff)
		if jerr != nil {
			s.failTask(ctx, t, string(verify.StageJudge), fmt.Sprintf("judge unavailable: %v", jerr), nil)
			return false
		}
		if !passed {
			s.failTask(ctx, t, string(verify.StageJudge), "judge rejected the change", []byte(answer))
			return false
		}
	}

	s.scanAntiPatterns(ctx, t)

	s.setStatus(ctx, t.ID, task.StatusInProgress, task.StatusCompleted, "verification passed")
	s.completed = append(s.completed, t.ID)
	s.bus.Task(events.TaskCompletedEvent{
		ID: t.ID, Subject: t.Subject,
		Duration: time.Since(started), Timestamp: time.Now(),
	})
	s.progress("task %s completed: %s", t.ID, t.Subject)
	log.Info("task completed", zap.Duration("elapsed", time.Since(started)))
	return true
}

// scanAntiPatterns is advisory only; a finding is reported, never enforced.
func (s *Scheduler) scanAntiPatterns(ctx context.Context, t *task.Task) {
	added, err := s.git.DiffAdditions(ctx)
	if err != nil {
		s.log.Warn("reading additions for anti-pattern scan", zap.Error(err))
		return
	}
	for _, f := range verify.ScanAdditions(added) {
		s.log.Warn("suppression pattern in diff",
			zap.String("task", t.ID),
			zap.String("pattern", f.Pattern),
			zap.String("line", f.Line))
		s.progress("task %s introduced suppression pattern %q", t.ID, f.Pattern)
	}
}

// failTask records the failure fingerprint and marks the task failed, or
// blocked when the same failure has repeated past the threshold.
func (s *Scheduler) failTask(ctx context.Context, t *task.Task, stage, reason string, output []byte) {
	fp, exhausted, err := s.flaky.RecordFailure(t.ID, output)
	if err != nil {
		s.log.Warn("recording failure fingerprint", zap.Error(err))
	}

	if exhausted {
		why := fmt.Sprintf("failed identically %d times (fingerprint %s): %s", s.cfg.FlakyThreshold, fp, reason)
		s.setStatus(ctx, t.ID, task.StatusInProgress, task.StatusBlocked, why)
		s.bus.Task(events.TaskBlockedEvent{ID: t.ID, Reason: why, Timestamp: time.Now()})
		s.progress("task %s blocked: %s", t.ID, why)
		return
	}

	s.setStatus(ctx, t.ID, task.StatusInProgress, task.StatusFailed, reason)
	s.bus.Task(events.TaskFailedEvent{
		ID: t.ID, Subject: t.Subject, Stage: stage, Reason: reason, Timestamp: time.Now(),
	})
	s.progress("task %s failed at %s: %s", t.ID, stage, reason)
	s.log.Warn("task failed",
		zap.String("task", t.ID), zap.String("stage", stage), zap.String("reason", reason))
}

// recoverStalled handles an in-progress task left behind by a previous
// run. A tracking file whose process is dead, or whose thresholds have
// passed, sends the task back to pending until heal attempts run out.
func (s *Scheduler) recoverStalled(ctx context.Context) error {
	tf, err := s.monitor.Current()
	if err != nil || tf == nil {
		return err
	}

	reason, stalled := s.monitor.evaluate(tf)
	if !stalled {
		if processAlive(tf.PID) {
			return nil
		}
		reason = "previous scheduler process died"
	}

	t, err := s.store.Get(ctx, tf.TaskID)
	if err != nil {
		if err := s.monitor.Clear(); err != nil {
			s.log.Warn("clearing stale tracking file", zap.Error(err))
		}
		return nil
	}
	if t.Status != task.StatusInProgress {
		return s.monitor.Clear()
	}

	attempt, err := s.store.IncrementHeal(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("incrementing heal attempts: %w", err)
	}

	if attempt > s.cfg.MaxHealAttempts {
		why := fmt.Sprintf("stalled again after %d heal attempts: %s", s.cfg.MaxHealAttempts, reason)
		s.setStatus(ctx, t.ID, task.StatusInProgress, task.StatusFailed, why)
		s.bus.Task(events.TaskFailedEvent{ID: t.ID, Subject: t.Subject, Stage: "heal", Reason: why, Timestamp: time.Now()})
		s.progress("task %s failed: %s", t.ID, why)
	} else {
		s.setStatus(ctx, t.ID, task.StatusInProgress, task.StatusPending, "healed: "+reason)
		s.bus.Task(events.TaskHealedEvent{ID: t.ID, Attempt: attempt, Reason: reason, Timestamp: time.Now()})
		s.progress("task %s healed (attempt %d): %s", t.ID, attempt, reason)
		s.log.Info("task healed", zap.String("task", t.ID), zap.Int("attempt", attempt), zap.String("reason", reason))
	}

	return s.monitor.Clear()
}

func (s *Scheduler) setStatus(ctx context.Context, id string, from, to task.Status, reason string) {
	if err := s.store.SetStatus(ctx, id, to); err != nil {
		s.log.Error("status transition failed",
			zap.String("task", id), zap.String("to", string(to)), zap.Error(err))
		return
	}
	if s.hist != nil {
		if err := s.hist.RecordTransition(ctx, s.runID, id, string(from), string(to), reason); err != nil {
			s.log.Warn("recording transition", zap.Error(err))
		}
	}
}

func (s *Scheduler) writeSnapshot(ctx context.Context, iteration int, current string) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	snap := report.Snapshot{
		RunID:       s.runID,
		Iteration:   iteration,
		CurrentTask: current,
		Completed:   counts[string(task.StatusCompleted)],
		Failed:      counts[string(task.StatusFailed)],
		Blocked:     counts[string(task.StatusBlocked)],
	}
	if err := s.reporter.WriteSnapshot(snap); err != nil {
		s.log.Warn("writing snapshot", zap.Error(err))
	}
}

func (s *Scheduler) progress(format string, args ...any) {
	if err := s.reporter.Progress(format, args...); err != nil {
		s.log.Warn("writing progress", zap.Error(err))
	}
}

func (s *Scheduler) pause(ctx context.Context) {
	if s.cfg.Timeouts.IterationPause <= 0 {
		return
	}
	t := time.NewTimer(s.cfg.Timeouts.IterationPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
