package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskwright/taskwright/internal/sched"
	"github.com/taskwright/taskwright/internal/task"
)

func healCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heal TASK_ID...",
		Short: "Return failed or blocked tasks to the queue",
		Long: `Heal resets failed or blocked tasks to pending and clears their recorded
failure fingerprints, so a task parked by the repeated-failure detector
gets a fresh set of attempts after a human has intervened.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			flaky, err := sched.NewFlakyDetector(cfg.StateDir, cfg.FlakyThreshold)
			if err != nil {
				return err
			}

			ctx := context.Background()
			for _, id := range args {
				t, err := st.Get(ctx, id)
				if err != nil {
					return err
				}
				if t.Status != task.StatusFailed && t.Status != task.StatusBlocked {
					fmt.Printf("%s is %s, skipping\n", id, t.Status)
					continue
				}
				if err := st.SetStatus(ctx, id, task.StatusPending); err != nil {
					return err
				}
				if err := flaky.Forget(id); err != nil {
					return err
				}
				fmt.Printf("%s returned to pending\n", id)
			}
			return nil
		},
	}
}
