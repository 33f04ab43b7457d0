package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/taskwright/taskwright/internal/report"
	"github.com/taskwright/taskwright/internal/store"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current state of the task graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}

			if ds, ok := st.(*store.DocumentStore); ok {
				fmt.Print(report.Summary(ds.Document().Tasks))
				return nil
			}

			counts, err := st.CountByStatus(context.Background())
			if err != nil {
				return err
			}
			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Printf("%-12s %d\n", s, counts[s])
			}
			return nil
		},
	}
}
