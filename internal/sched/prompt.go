package sched

import (
	"strconv"
	"strings"

	"github.com/taskwright/taskwright/internal/task"
	"github.com/taskwright/taskwright/internal/tool"
)

// maxPromptLearnings caps how many accumulated learnings ride along in the
// prompt. Oldest are dropped first.
const maxPromptLearnings = 20

// renderPrompt builds the single instruction block handed to the tool for
// one task. Everything the tool is allowed to know is in here.
func renderPrompt(t *task.Task, learnings []string) string {
	var b strings.Builder

	b.WriteString("# Task: " + t.Subject + "\n\n")
	b.WriteString("Task ID: " + t.ID + "\n")
	if len(t.Tags) > 0 {
		b.WriteString("Tags: " + strings.Join(t.Tags, ", ") + "\n")
	}
	b.WriteString("\n")

	if t.SprintGoal != "" {
		b.WriteString("## Sprint context\n")
		b.WriteString("Goal: " + t.SprintGoal + "\n")
		if t.SprintDemo != "" {
			b.WriteString("Demo: " + t.SprintDemo + "\n")
		}
		b.WriteString("\n")
	}

	if t.Description != "" {
		b.WriteString("## Details\n")
		b.WriteString(t.Description)
		if !strings.HasSuffix(t.Description, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(t.AllowedPaths) > 0 {
		b.WriteString("## Allowed paths\n")
		b.WriteString("Only modify files under these paths:\n")
		for _, p := range t.AllowedPaths {
			b.WriteString("- " + p + "\n")
		}
		b.WriteString("\n")
	}

	if len(t.Verification) > 0 {
		b.WriteString("## Verification\n")
		b.WriteString("Your work is accepted only if these commands exit zero:\n")
		for _, v := range t.Verification {
			b.WriteString("- `" + v + "`\n")
		}
		b.WriteString("\n")
	}

	if len(learnings) > 0 {
		if len(learnings) > maxPromptLearnings {
			learnings = learnings[len(learnings)-maxPromptLearnings:]
		}
		b.WriteString("## Learnings from earlier tasks\n")
		for _, l := range learnings {
			b.WriteString("- " + l + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Protocol\n")
	b.WriteString("When you have finished the task and verified it, print exactly `" + tool.MarkerComplete + "` on its own line.\n")
	b.WriteString("If you cannot proceed without human input, print exactly `" + tool.MarkerBlocked + "` and explain why.\n")
	b.WriteString("If the task is impossible as stated, print exactly `" + tool.MarkerFailed + "` and explain why.\n")
	b.WriteString("To record a reusable insight for later tasks, print a line starting with `LEARNING:`.\n")

	return b.String()
}

// renderHealPrompt wraps the normal prompt with context about the stalled
// previous attempt so the tool picks up rather than starts over.
func renderHealPrompt(t *task.Task, learnings []string, attempt int, reason string) string {
	var b strings.Builder
	b.WriteString("A previous attempt at this task stalled (" + reason + ").\n")
	b.WriteString("This is recovery attempt " + strconv.Itoa(attempt) + ". Check what was already done before redoing work.\n\n")
	b.WriteString(renderPrompt(t, learnings))
	return b.String()
}
