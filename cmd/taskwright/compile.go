package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskwright/taskwright/internal/graph"
	"github.com/taskwright/taskwright/internal/issues"
	"github.com/taskwright/taskwright/internal/plan"
	"github.com/taskwright/taskwright/internal/store"
)

func compileCmd() *cobra.Command {
	var (
		flagPlan        string
		flagIssues      string
		flagInferDeps   bool
		flagIncludeNits bool
		flagDryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a markdown plan (and optional issues file) into the task graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flagInferDeps {
				cfg.InferDeps = true
			}
			if flagIncludeNits {
				cfg.IncludeNits = true
			}

			parsed, err := plan.ParseFile(flagPlan)
			if err != nil {
				return err
			}

			tasks := parsed.Tasks
			warnings := append([]string(nil), parsed.Warnings...)
			inputs := map[string]string{"plan": flagPlan}

			if flagIssues != "" {
				found, err := issues.LoadFile(flagIssues)
				if err != nil {
					return err
				}
				tasks = append(tasks, issues.Convert(found, issues.Options{IncludeNits: cfg.IncludeNits})...)
				inputs["issues"] = flagIssues
			}

			var policy graph.Policy
			if len(parsed.Frontmatter.TagDeps) > 0 {
				policy = graph.Policy(parsed.Frontmatter.TagDeps)
			} else if cfg.InferDeps {
				policy = graph.DefaultPolicy()
			}

			result := graph.Build(tasks, policy)
			warnings = append(warnings, result.Warnings...)
			for _, w := range warnings {
				fmt.Fprintln(os.Stderr, "warning:", w)
			}

			if flagDryRun {
				fmt.Printf("%d tasks, %d warnings\n", len(result.Tasks), len(warnings))
				for _, t := range result.Tasks {
					fmt.Printf("  %-10s %s\n", t.ID, t.Subject)
				}
				return nil
			}

			if cfg.UseTracker {
				st := store.NewTracker(cfg.TrackerBin, cfg.TrackerDB, nil)
				if err := st.AppendTasks(context.Background(), result.Tasks); err != nil {
					return err
				}
				fmt.Printf("Pushed %d tasks to the tracker\n", len(result.Tasks))
				return nil
			}

			doc := store.NewDocument(result.Tasks, inputs, warnings)
			if _, err := store.CreateDocument(cfg.TasksFile, doc); err != nil {
				return err
			}
			fmt.Printf("Wrote %d tasks to %s\n", len(result.Tasks), cfg.TasksFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagPlan, "plan", "plan.md", "Markdown plan file")
	cmd.Flags().StringVar(&flagIssues, "issues", "", "Review issues JSON file")
	cmd.Flags().BoolVar(&flagInferDeps, "infer-deps", false, "Infer tag-based dependencies when the plan declares none")
	cmd.Flags().BoolVar(&flagIncludeNits, "include-nits", false, "Convert nit-severity issues too")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Print the compiled graph without writing it")
	return cmd
}
