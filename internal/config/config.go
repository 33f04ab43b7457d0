// Package config loads taskwright configuration.
//
// Precedence, highest first: environment variables (TASKWRIGHT_ prefix,
// double underscore for nesting, e.g. TASKWRIGHT_TOOL__TYPE), YAML config
// file, defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/taskwright/taskwright/internal/logging"
)

// envPrefix namespaces the environment overrides.
const envPrefix = "TASKWRIGHT_"

// ToolConfig parameterizes the worker tool and the optional reviewer.
type ToolConfig struct {
	Type      string   `koanf:"type"`
	Binary    string   `koanf:"binary"`
	Model     string   `koanf:"model"`
	ExtraArgs []string `koanf:"extra_args"`
}

// TimeoutsConfig holds the scheduling and stall thresholds. All stall
// thresholds are explicit configuration rather than scattered defaults.
type TimeoutsConfig struct {
	Task           time.Duration `koanf:"task"`            // wall-clock per tool invocation
	Stall          time.Duration `koanf:"stall"`           // wall-clock before a task counts as stalled
	Heartbeat      time.Duration `koanf:"heartbeat"`       // max log silence once past the floor
	HeartbeatFloor time.Duration `koanf:"heartbeat_floor"` // minimum age before heartbeat checks apply
	IterationPause time.Duration `koanf:"iteration_pause"` // sleep between scheduler iterations
}

// VerifyConfig toggles project-wide verification stages.
type VerifyConfig struct {
	Lint      bool `koanf:"lint"`
	Typecheck bool `koanf:"typecheck"`
	Build     bool `koanf:"build"`
	Test      bool `koanf:"test"`
	// RequireCommands makes a task with no verification commands a hard
	// scheduling error. Off when a default verification policy exists.
	RequireCommands bool `koanf:"require_commands"`
}

// Config is the top-level configuration.
type Config struct {
	RepoRoot    string `koanf:"repo_root"`
	TasksFile   string `koanf:"tasks_file"`
	StateDir    string `koanf:"state_dir"` // lock, tracking, logs, history DB
	TrackerBin  string `koanf:"tracker_bin"`
	TrackerDB   string `koanf:"tracker_db"`
	UseTracker  bool   `koanf:"use_tracker"`
	InferDeps   bool   `koanf:"infer_deps"`
	IncludeNits bool   `koanf:"include_nits"`

	Tool     ToolConfig     `koanf:"tool"`
	Reviewer ToolConfig     `koanf:"reviewer"` // zero Type disables the review pass
	Timeouts TimeoutsConfig `koanf:"timeouts"`
	Verify   VerifyConfig   `koanf:"verify"`
	Logging  logging.Config `koanf:"logging"`

	ContinueOnError bool `koanf:"continue_on_error"`
	MaxIterations   int  `koanf:"max_iterations"`
	MaxHealAttempts int  `koanf:"max_heal_attempts"`
	FlakyThreshold  int  `koanf:"flaky_threshold"`
	ReviewEnabled   bool `koanf:"review_enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RepoRoot:  ".",
		TasksFile: "tasks.json",
		StateDir:  ".taskwright",
		Tool:      ToolConfig{Type: "claude"},
		Timeouts: TimeoutsConfig{
			Task:           45 * time.Minute,
			Stall:          60 * time.Minute,
			Heartbeat:      10 * time.Minute,
			HeartbeatFloor: 5 * time.Minute,
			IterationPause: 2 * time.Second,
		},
		Verify: VerifyConfig{
			Lint: true, Typecheck: true, Build: true, Test: true,
			RequireCommands: true,
		},
		Logging:         logging.DefaultConfig(),
		MaxIterations:   100,
		MaxHealAttempts: 3,
		FlakyThreshold:  3,
	}
}

// DefaultPath is the conventional config file location.
func DefaultPath() string {
	return filepath.Join(".taskwright", "config.yaml")
}

// Load merges defaults, the YAML file at path (skipped when missing), and
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err == nil {
			if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
				return cfg, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return cfg, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the scheduler cannot run with.
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if c.MaxHealAttempts < 0 {
		return fmt.Errorf("max_heal_attempts cannot be negative")
	}
	if c.FlakyThreshold <= 0 {
		return fmt.Errorf("flaky_threshold must be positive")
	}
	if c.Timeouts.Task <= 0 {
		return fmt.Errorf("timeouts.task must be positive")
	}
	if c.Timeouts.HeartbeatFloor > c.Timeouts.Stall {
		return fmt.Errorf("timeouts.heartbeat_floor cannot exceed timeouts.stall")
	}
	return nil
}
