// Package verify implements the verification gate: the checks that decide
// whether a tool's self-reported completion is actually accepted.
//
// The gate exists because the primary failure mode of agent-driven work is
// a tool claiming completion while the project does not compile. Exit
// codes are authoritative; nothing a tool prints can override them.
package verify

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// StageName identifies which check failed.
type StageName string

const (
	StageTask      StageName = "task"
	StageLint      StageName = "lint"
	StageTypecheck StageName = "typecheck"
	StageBuild     StageName = "build"
	StageTest      StageName = "test"
	StageJudge     StageName = "judge"
)

// Outcome is the gate's verdict for one pass.
type Outcome struct {
	Passed      bool
	FailedStage StageName
	FailedCmd   string
	Output      []byte // output of the failing command, empty on success
	Elapsed     time.Duration
}

// Toggles enables or disables individual project-wide stages.
type Toggles struct {
	Lint      bool
	Typecheck bool
	Build     bool
	Test      bool
}

// AllStages enables every project stage.
func AllStages() Toggles {
	return Toggles{Lint: true, Typecheck: true, Build: true, Test: true}
}

// Gate runs task-specific and project-wide verification commands.
type Gate struct {
	RepoRoot string
	Stages   StageCommands
	Enabled  Toggles
	// RunShell executes one shell command string and returns combined
	// output. Overridable for tests; nil uses /bin/sh -c.
	RunShell func(ctx context.Context, dir, command string) ([]byte, error)
}

// NewGate creates a gate with auto-detected project commands.
func NewGate(repoRoot string, enabled Toggles) *Gate {
	return &Gate{
		RepoRoot: repoRoot,
		Stages:   DetectStack(repoRoot),
		Enabled:  enabled,
	}
}

// RunTaskCommands executes the task's own verification commands in
// sequence. The first failure aborts the sequence.
func (g *Gate) RunTaskCommands(ctx context.Context, commands []string) Outcome {
	started := time.Now()
	for _, command := range commands {
		out, err := g.shell(ctx, command)
		if err != nil {
			return Outcome{
				FailedStage: StageTask,
				FailedCmd:   command,
				Output:      out,
				Elapsed:     time.Since(started),
			}
		}
	}
	return Outcome{Passed: true, Elapsed: time.Since(started)}
}

// RunProjectStages executes lint, typecheck, build, and test in that
// order, skipping disabled or undetected stages. Any failure is final.
func (g *Gate) RunProjectStages(ctx context.Context) Outcome {
	started := time.Now()
	stages := []struct {
		name    StageName
		enabled bool
		command string
	}{
		{StageLint, g.Enabled.Lint, g.Stages.Lint},
		{StageTypecheck, g.Enabled.Typecheck, g.Stages.Typecheck},
		{StageBuild, g.Enabled.Build, g.Stages.Build},
		{StageTest, g.Enabled.Test, g.Stages.Test},
	}

	for _, stage := range stages {
		if !stage.enabled || stage.command == "" {
			continue
		}
		out, err := g.shell(ctx, stage.command)
		if err != nil {
			return Outcome{
				FailedStage: stage.name,
				FailedCmd:   stage.command,
				Output:      out,
				Elapsed:     time.Since(started),
			}
		}
	}
	return Outcome{Passed: true, Elapsed: time.Since(started)}
}

func (g *Gate) shell(ctx context.Context, command string) ([]byte, error) {
	if g.RunShell != nil {
		return g.RunShell(ctx, g.RepoRoot, command)
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = g.RepoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w", command, err)
	}
	return out, nil
}
