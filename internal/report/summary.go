package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/taskwright/taskwright/internal/task"
)

// Status styles
var (
	styleCompleted = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	styleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)

	styleBlocked = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true)

	styleInProgress = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow"))

	stylePending = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)
)

func styleFor(s task.Status) lipgloss.Style {
	switch s {
	case task.StatusCompleted:
		return styleCompleted
	case task.StatusFailed:
		return styleFailed
	case task.StatusBlocked:
		return styleBlocked
	case task.StatusInProgress:
		return styleInProgress
	default:
		return stylePending
	}
}

// Summary renders the end-of-run table: one row per task plus totals.
func Summary(tasks []*task.Task) string {
	var b strings.Builder

	b.WriteString(styleTitle.Render("Run summary"))
	b.WriteString("\n")

	subjectWidth := 0
	for _, t := range tasks {
		if len(t.Subject) > subjectWidth {
			subjectWidth = len(t.Subject)
		}
	}
	if subjectWidth > 60 {
		subjectWidth = 60
	}

	for _, t := range tasks {
		subject := t.Subject
		if len(subject) > subjectWidth {
			subject = subject[:subjectWidth-3] + "..."
		}
		b.WriteString(fmt.Sprintf("  %-10s %-*s %s\n",
			t.ID, subjectWidth, subject, styleFor(t.Status).Render(string(t.Status))))
	}

	counts := map[task.Status]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}
	statuses := make([]task.Status, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", counts[s], styleFor(s).Render(string(s))))
	}
	b.WriteString("\n  ")
	b.WriteString(strings.Join(parts, ", "))
	b.WriteString("\n")

	return b.String()
}
