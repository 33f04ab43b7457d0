package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwright/taskwright/internal/task"
)

const samplePlan = `---
default_verification:
  - go test ./...
---

## Sprint 1: Foundation
**Demo:** the data model round-trips

- [ ] core, types :: Add the data model
  - **ID:** core-model
  - **Deliverable:** task and document structs
  - **Verification:** go vet ./...
- [ ] engine :: Build the selection loop
  - **Blocked by:** core-model
  - **Allowed paths:** internal/sched/
- [x] docs :: Write the readme
`

func TestParse(t *testing.T) {
	p, err := Parse(strings.NewReader(samplePlan))
	require.NoError(t, err)
	require.Len(t, p.Tasks, 3)

	model := p.Tasks[0]
	assert.Equal(t, "core-model", model.ID)
	assert.Equal(t, "Add the data model", model.Subject)
	assert.Equal(t, []string{"core", "types"}, model.Tags)
	assert.Equal(t, task.StatusPending, model.Status)
	assert.Equal(t, []string{"go vet ./..."}, model.Verification)
	assert.Contains(t, model.Description, "task and document structs")
	assert.Equal(t, "Sprint 1: Foundation", model.SprintGoal)
	assert.Equal(t, "the data model round-trips", model.SprintDemo)

	loop := p.Tasks[1]
	assert.Equal(t, []string{"core-model"}, loop.BlockedBy)
	assert.Equal(t, []string{"internal/sched/"}, loop.AllowedPaths)
	// No own verification: the plan default applies.
	assert.Equal(t, []string{"go test ./..."}, loop.Verification)

	done := p.Tasks[2]
	assert.Equal(t, task.StatusCompleted, done.Status)
}

func TestParseGeneratesStableIDs(t *testing.T) {
	text := "- [ ] core :: Some task without an explicit ID\n"

	first, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	second, err := Parse(strings.NewReader(text))
	require.NoError(t, err)

	require.Len(t, first.Tasks, 1)
	assert.Equal(t, first.Tasks[0].ID, second.Tasks[0].ID)
	assert.True(t, strings.HasPrefix(first.Tasks[0].ID, "t-"))
}

func TestParseSubjectBlockers(t *testing.T) {
	text := `- [ ] core :: Add parser
  - **ID:** parser
- [ ] engine :: Wire it up
  - **Blocked by:** *Add parser*
`
	p, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, p.Tasks, 2)

	// The subject reference resolves to the blocker's ID, emphasis and
	// case notwithstanding.
	assert.Equal(t, []string{"parser"}, p.Tasks[1].BlockedBy)
}

func TestParseFieldContinuations(t *testing.T) {
	text := `- [ ] core :: Multi-command verification
  - **Verification:** go build ./...
    go test ./...
`
	p, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, []string{"go build ./...", "go test ./..."}, p.Tasks[0].Verification)
}

func TestParseTagDepsFrontmatter(t *testing.T) {
	text := `---
tag_deps:
  ui: [engine]
---
- [ ] ui :: A thing
`
	p, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, []string{"engine"}, p.Frontmatter.TagDeps["ui"])
}

func TestParseIgnoresNonChecklistLines(t *testing.T) {
	text := `# Heading

Some prose that mentions :: but is not a checklist item.

- [ ] core :: Real task
- regular bullet, not a task
`
	p, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "Real task", p.Tasks[0].Subject)
}
