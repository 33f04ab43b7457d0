package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskwright/taskwright/internal/events"
	"github.com/taskwright/taskwright/internal/history"
	"github.com/taskwright/taskwright/internal/report"
	"github.com/taskwright/taskwright/internal/sched"
	"github.com/taskwright/taskwright/internal/store"
	"github.com/taskwright/taskwright/internal/task"
	"github.com/taskwright/taskwright/internal/tool"
	"github.com/taskwright/taskwright/internal/vcs/git"
	"github.com/taskwright/taskwright/internal/verify"
)

// Exit codes for the run command.
const (
	exitOK       = 0 // every task completed
	exitFatal    = 1 // bad input or configuration
	exitFailed   = 2 // failed tasks remain
	exitDeadlock = 3 // blocked tasks or a dependency deadlock remain
)

func runCmd() *cobra.Command {
	var flagForce bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the task graph until nothing is eligible",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			lock := sched.NewLock(cfg.StateDir)
			if err := lock.Acquire(flagForce); err != nil {
				if errors.Is(err, sched.ErrLocked) {
					return fmt.Errorf("%w; pass --force to take over", err)
				}
				return err
			}
			defer lock.Release()

			st, err := openStore(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			procs := tool.NewProcessManager()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, "interrupt received, stopping after cleanup")
				cancel()
				procs.KillAll()
			}()

			reporter, err := report.New(cfg.StateDir)
			if err != nil {
				return err
			}

			hist, err := history.Open(ctx, filepath.Join(cfg.StateDir, "history.db"))
			if err != nil {
				log.Warn("history disabled", zap.Error(err))
				hist = nil
			} else {
				defer hist.Close()
			}

			var judge *verify.Judge
			judgeCfg := cfg.Reviewer
			if judgeCfg.Type == "" {
				judgeCfg = cfg.Tool
			}
			judgeInv, err := tool.New(tool.Config{
				Type:      judgeCfg.Type,
				Binary:    judgeCfg.Binary,
				Model:     judgeCfg.Model,
				WorkDir:   cfg.RepoRoot,
				ExtraArgs: judgeCfg.ExtraArgs,
			}, procs)
			if err == nil {
				judge = verify.NewJudge(judgeInv)
			}

			reviewer, err := sched.NewReviewer(cfg, log, st, procs)
			if err != nil {
				return err
			}

			bus := events.NewBus()
			gate := verify.NewGate(cfg.RepoRoot, verify.Toggles{
				Lint:      cfg.Verify.Lint,
				Typecheck: cfg.Verify.Typecheck,
				Build:     cfg.Verify.Build,
				Test:      cfg.Verify.Test,
			})

			scheduler, err := sched.New(sched.Options{
				Config:   cfg,
				Log:      log,
				Store:    st,
				Gate:     gate,
				Judge:    judge,
				Git:      git.New(cfg.RepoRoot),
				Bus:      bus,
				Reporter: reporter,
				Hist:     hist,
				Procs:    procs,
				Reviewer: reviewer,
			})
			if err != nil {
				return err
			}

			var result sched.Result
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer bus.Close()
				var runErr error
				result, runErr = scheduler.Run(gctx)
				return runErr
			})
			g.Go(func() error {
				for ev := range bus.SubscribeAll() {
					printEvent(ev)
				}
				return nil
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			printSummary(cfg.UseTracker, st, result)

			// os.Exit skips deferred cleanup; release the lock first.
			lock.Release()
			log.Sync()
			os.Exit(exitCodeFor(result))
			return nil
		},
	}

	cmd.Flags().BoolVar(&flagForce, "force", false, "Reclaim the scheduler lock even if held")
	return cmd
}

func printEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskSelectedEvent:
		fmt.Printf("-> %s %s\n", e.ID, e.Subject)
	case events.TaskCompletedEvent:
		fmt.Printf("ok %s (%s)\n", e.ID, e.Duration.Round(time.Second))
	case events.TaskFailedEvent:
		fmt.Printf("FAIL %s at %s: %s\n", e.ID, e.Stage, e.Reason)
	case events.TaskBlockedEvent:
		fmt.Printf("BLOCKED %s: %s\n", e.ID, e.Reason)
	case events.TaskHealedEvent:
		fmt.Printf("healed %s (attempt %d): %s\n", e.ID, e.Attempt, e.Reason)
	case events.TaskRetriedEvent:
		fmt.Printf("retry %s\n", e.ID)
	case events.LearningEvent:
		fmt.Printf("learning (%s): %s\n", e.ID, e.Learning)
	}
}

func printSummary(useTracker bool, st store.Store, result sched.Result) {
	if ds, ok := st.(*store.DocumentStore); ok && !useTracker {
		fmt.Println()
		fmt.Print(report.Summary(ds.Document().Tasks))
		return
	}
	fmt.Printf("\nRun %s finished after %d iterations: %v\n",
		result.RunID, result.Iterations, result.Counts)
}

func exitCodeFor(result sched.Result) int {
	if result.Deadlocked || result.Counts[string(task.StatusBlocked)] > 0 {
		return exitDeadlock
	}
	if result.ReviewRegression || result.Counts[string(task.StatusFailed)] > 0 {
		return exitFailed
	}
	// Zero is reserved for a fully completed plan. Work left pending or
	// in progress, as when the iteration cap ran out, is not success.
	if result.Counts[string(task.StatusPending)] > 0 ||
		result.Counts[string(task.StatusInProgress)] > 0 {
		return exitFailed
	}
	return exitOK
}
