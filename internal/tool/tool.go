// Package tool abstracts the external AI CLIs that perform task work.
//
// The scheduler treats a tool as an opaque black box: it hands over one
// natural-language prompt, enforces a wall-clock timeout, and inspects
// only the exit code and the captured output. Everything CLI-specific
// lives in one adapter per tool.
package tool

import (
	"context"
	"fmt"
	"time"
)

// Result is the raw outcome of one tool invocation.
type Result struct {
	ExitCode int
	Output   []byte
	Duration time.Duration
	TimedOut bool
}

// Invoker runs one prompt through an external tool.
//
// A non-nil error means the process could not be run at all (binary
// missing, spawn failure). A process that ran and exited non-zero, or was
// killed on timeout, returns a Result with err == nil -- the scheduler
// decides what a non-zero exit means, because a killed process may still
// have emitted a completion marker after finishing useful work.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, timeout time.Duration) (Result, error)
	Name() string
}

// Config selects and parameterizes an adapter.
type Config struct {
	Type      string   // "claude", "codex", or "script"
	Binary    string   // override binary path; empty uses the type default
	Model     string   // optional model override
	WorkDir   string   // working directory for the subprocess
	ExtraArgs []string // appended verbatim to every invocation
	LogPath   string   // transcript sink; heartbeat source for the stall monitor
}

// New builds the adapter for cfg.Type.
func New(cfg Config, pm *ProcessManager) (Invoker, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeAdapter(cfg, pm), nil
	case "codex":
		return NewCodexAdapter(cfg, pm), nil
	case "script":
		return NewScriptAdapter(cfg, pm), nil
	default:
		return nil, fmt.Errorf("unknown tool type: %s", cfg.Type)
	}
}
