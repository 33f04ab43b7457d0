// Package issues converts normalized review-issue documents into tasks.
package issues

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/taskwright/taskwright/internal/task"
)

// Severity tiers, highest first. Anything below minor is advisory.
const (
	SeverityBlocker = "blocker"
	SeverityMajor   = "major"
	SeverityMinor   = "minor"
	SeverityNit     = "nit"
)

// Issue is one entry of a normalized review-issue document.
type Issue struct {
	ID             string `json:"id,omitempty"`
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	Lens           string `json:"lens,omitempty"`
	Title          string `json:"title"`
	Evidence       string `json:"evidence,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
	AcceptanceTest string `json:"acceptanceTest,omitempty"`
}

// document is the wrapper shape written by the review tool.
type document struct {
	Issues []Issue `json:"issues"`
}

// Options controls conversion behavior.
type Options struct {
	// IncludeNits converts nit-severity issues too. Off by default; nits
	// are usually not worth an agent invocation.
	IncludeNits bool
}

// LoadFile reads an issues document. A missing or empty file is not an
// error: the run degrades to plan-only.
func LoadFile(path string) ([]Issue, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading issues: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		// Also accept a bare array.
		var list []Issue
		if arrErr := json.Unmarshal(data, &list); arrErr != nil {
			return nil, fmt.Errorf("parsing issues: %w", err)
		}
		return list, nil
	}
	return doc.Issues, nil
}

// Convert turns issues into tasks. Conversion is idempotent: the same
// issue always yields the same task ID, so re-running a compile against
// an unchanged issues file produces no duplicates.
func Convert(issues []Issue, opts Options) []*task.Task {
	tasks := make([]*task.Task, 0, len(issues))
	for _, iss := range issues {
		if iss.Severity == SeverityNit && !opts.IncludeNits {
			continue
		}

		t := &task.Task{
			ID:      iss.ID,
			Subject: fmt.Sprintf("[%s/%s] %s", iss.Category, iss.Severity, iss.Title),
			Tags:    []string{iss.Category},
			Status:  task.StatusPending,
			Source:  task.SourceOracle,
		}
		if iss.Lens != "" {
			t.Tags = append(t.Tags, iss.Lens)
		}
		if t.ID == "" {
			t.ID = task.HashID([]string{iss.Category}, iss.Title+"::"+iss.Evidence)
		}
		t.Description = describe(iss)
		if iss.AcceptanceTest != "" {
			t.LLMVerification = []string{iss.AcceptanceTest}
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// describe embeds the issue body verbatim under fixed sub-headers.
func describe(iss Issue) string {
	var b strings.Builder
	section := func(header, body string) {
		if body == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("### " + header + "\n" + body)
	}
	section("Evidence", iss.Evidence)
	section("Recommendation", iss.Recommendation)
	section("Acceptance test", iss.AcceptanceTest)
	return b.String()
}
