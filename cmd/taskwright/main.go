// Command taskwright compiles markdown plans and review issues into a
// dependency-ordered task graph, then drives AI agent tools through it one
// task at a time with verification gating.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskwright/taskwright/internal/config"
	"github.com/taskwright/taskwright/internal/logging"
	"github.com/taskwright/taskwright/internal/store"
)

var (
	flagConfig    string
	flagRepoRoot  string
	flagTasksFile string
	flagStateDir  string
	flagTracker   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskwright",
		Short: "Compile task plans and execute them through AI agent tools",
		Long: `Taskwright reads a markdown plan (and optionally a review-issues file),
compiles it into a dependency-ordered task graph, then runs an execution
loop: pick the next eligible task, hand it to an agent tool, and accept
the work only when verification commands pass.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default .taskwright/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagRepoRoot, "repo", "", "Repository root the tools work in")
	rootCmd.PersistentFlags().StringVar(&flagTasksFile, "tasks", "", "Task document path")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "State directory for lock, logs, and history")
	rootCmd.PersistentFlags().BoolVar(&flagTracker, "tracker", false, "Use the external issue tracker instead of the task document")

	rootCmd.AddCommand(compileCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(healCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges the config file, environment, and command-line flags.
func loadConfig() (config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if flagRepoRoot != "" {
		cfg.RepoRoot = flagRepoRoot
	}
	if flagTasksFile != "" {
		cfg.TasksFile = flagTasksFile
	}
	if flagStateDir != "" {
		cfg.StateDir = flagStateDir
	}
	if flagTracker {
		cfg.UseTracker = true
	}

	// Paths are resolved relative to the repo root once, here, so every
	// component downstream sees the same absolute locations.
	if !filepath.IsAbs(cfg.TasksFile) {
		cfg.TasksFile = filepath.Join(cfg.RepoRoot, cfg.TasksFile)
	}
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(cfg.RepoRoot, cfg.StateDir)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return log, nil
}

// openStore picks the backing per configuration.
func openStore(cfg config.Config) (store.Store, error) {
	if cfg.UseTracker {
		return store.NewTracker(cfg.TrackerBin, cfg.TrackerDB, nil), nil
	}
	return store.OpenDocument(cfg.TasksFile)
}
