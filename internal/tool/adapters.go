package tool

import (
	"context"
	"time"
)

// ClaudeAdapter invokes the claude CLI in non-interactive print mode.
type ClaudeAdapter struct {
	cfg Config
	pm  *ProcessManager
}

// NewClaudeAdapter creates a claude adapter.
func NewClaudeAdapter(cfg Config, pm *ProcessManager) *ClaudeAdapter {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &ClaudeAdapter{cfg: cfg, pm: pm}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) Invoke(ctx context.Context, prompt string, timeout time.Duration) (Result, error) {
	args := []string{"-p", prompt, "--dangerously-skip-permissions"}
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	args = append(args, a.cfg.ExtraArgs...)

	cmd := newCommand(a.cfg.Binary, args...)
	cmd.Dir = a.cfg.WorkDir
	return runWithTimeout(ctx, cmd, timeout, a.cfg.LogPath, a.pm)
}

// CodexAdapter invokes the codex CLI in full-auto exec mode.
type CodexAdapter struct {
	cfg Config
	pm  *ProcessManager
}

// NewCodexAdapter creates a codex adapter.
func NewCodexAdapter(cfg Config, pm *ProcessManager) *CodexAdapter {
	if cfg.Binary == "" {
		cfg.Binary = "codex"
	}
	return &CodexAdapter{cfg: cfg, pm: pm}
}

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) Invoke(ctx context.Context, prompt string, timeout time.Duration) (Result, error) {
	args := []string{"exec", "--full-auto"}
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	args = append(args, a.cfg.ExtraArgs...)
	args = append(args, prompt)

	cmd := newCommand(a.cfg.Binary, args...)
	cmd.Dir = a.cfg.WorkDir
	return runWithTimeout(ctx, cmd, timeout, a.cfg.LogPath, a.pm)
}

// ScriptAdapter runs an arbitrary command with the prompt as its last
// argument. Used for stub tools in tests and for wrapping custom agent
// scripts.
type ScriptAdapter struct {
	cfg Config
	pm  *ProcessManager
}

// NewScriptAdapter creates a script adapter. cfg.Binary is required.
func NewScriptAdapter(cfg Config, pm *ProcessManager) *ScriptAdapter {
	return &ScriptAdapter{cfg: cfg, pm: pm}
}

func (a *ScriptAdapter) Name() string { return "script" }

func (a *ScriptAdapter) Invoke(ctx context.Context, prompt string, timeout time.Duration) (Result, error) {
	args := append([]string{}, a.cfg.ExtraArgs...)
	args = append(args, prompt)

	cmd := newCommand(a.cfg.Binary, args...)
	cmd.Dir = a.cfg.WorkDir
	return runWithTimeout(ctx, cmd, timeout, a.cfg.LogPath, a.pm)
}
