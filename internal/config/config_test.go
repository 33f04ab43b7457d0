package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Tool.Type)
	assert.Equal(t, 45*time.Minute, cfg.Timeouts.Task)
	assert.Equal(t, 60*time.Minute, cfg.Timeouts.Stall)
	assert.Equal(t, 100, cfg.MaxIterations)
	assert.Equal(t, 3, cfg.MaxHealAttempts)
	assert.Equal(t, 3, cfg.FlakyThreshold)
	assert.True(t, cfg.Verify.Build)
	assert.True(t, cfg.Verify.RequireCommands)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tool:
  type: codex
  binary: /usr/local/bin/codex
  extra_args: ["--full-auto"]
reviewer:
  type: claude
  model: opus
timeouts:
  task: 20m
  iteration_pause: 500ms
verify:
  lint: false
  require_commands: false
max_heal_attempts: 5
continue_on_error: true
review_enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "codex", cfg.Tool.Type)
	assert.Equal(t, "/usr/local/bin/codex", cfg.Tool.Binary)
	assert.Equal(t, []string{"--full-auto"}, cfg.Tool.ExtraArgs)
	assert.Equal(t, "claude", cfg.Reviewer.Type)
	assert.Equal(t, "opus", cfg.Reviewer.Model)
	assert.Equal(t, 20*time.Minute, cfg.Timeouts.Task)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts.IterationPause)
	assert.False(t, cfg.Verify.Lint)
	assert.True(t, cfg.Verify.Test, "untouched toggles keep defaults")
	assert.False(t, cfg.Verify.RequireCommands)
	assert.Equal(t, 5, cfg.MaxHealAttempts)
	assert.True(t, cfg.ContinueOnError)
	assert.True(t, cfg.ReviewEnabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TASKWRIGHT_TOOL__TYPE", "goose")
	t.Setenv("TASKWRIGHT_MAX_ITERATIONS", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "goose", cfg.Tool.Type)
	assert.Equal(t, 7, cfg.MaxIterations)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tool: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults pass", func(c *Config) {}, ""},
		{"zero iterations", func(c *Config) { c.MaxIterations = 0 }, "max_iterations"},
		{"negative heals", func(c *Config) { c.MaxHealAttempts = -1 }, "max_heal_attempts"},
		{"zero flaky threshold", func(c *Config) { c.FlakyThreshold = 0 }, "flaky_threshold"},
		{"zero task timeout", func(c *Config) { c.Timeouts.Task = 0 }, "timeouts.task"},
		{"floor above stall", func(c *Config) {
			c.Timeouts.HeartbeatFloor = 2 * time.Hour
		}, "heartbeat_floor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
