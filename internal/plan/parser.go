// Package plan parses markdown plan files into task records.
//
// A plan is a markdown checklist. Each item carries a tag list and a
// subject, optionally followed by indented metadata bullets:
//
//	## Sprint 1: Foundation
//	**Demo:** the data model round-trips
//	- [ ] core, types :: Add data model
//	  - **ID:** core-model
//	  - **Verification:** go test ./...
//	  - **Blocked by:** other-task
//
// An optional YAML frontmatter block at the top of the file carries plan
// defaults and the tag-based dependency table (see Frontmatter).
package plan

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskwright/taskwright/internal/task"
)

// Frontmatter is the optional YAML header of a plan file.
type Frontmatter struct {
	// DefaultVerification is appended to tasks that declare no verification
	// commands of their own.
	DefaultVerification []string `yaml:"default_verification"`
	// TagDeps maps a tag to the tags it implicitly depends on. This is the
	// inference table consumed by graph.Policy; keeping it in the plan makes
	// the heuristic data, not code.
	TagDeps map[string][]string `yaml:"tag_deps"`
}

// Plan is the parse result.
type Plan struct {
	Frontmatter Frontmatter
	Tasks       []*task.Task
	Warnings    []string
}

var (
	checklistRe = regexp.MustCompile(`^- \[( |x|X)\]\s+(.+?)\s+::\s+(.+)$`)
	sprintRe    = regexp.MustCompile(`^##\s+Sprint\s+(\d+)\s*:\s*(.+)$`)
	demoRe      = regexp.MustCompile(`^\*\*Demo:?\*\*:?\s*(.*)$`)

	// Three accepted field markers on metadata bullets:
	//   **Field:** value   |   **Field**: value   |   Field: value
	fieldBoldRe  = regexp.MustCompile(`^\*\*([A-Za-z][A-Za-z ]*?):?\*\*:?\s*(.*)$`)
	fieldPlainRe = regexp.MustCompile(`^([A-Za-z][A-Za-z ]*?):\s+(.*)$`)
)

// sprintDemoWindow is how many lines after a sprint header may carry its
// Demo line.
const sprintDemoWindow = 5

// Field names, canonicalized to lower case.
const (
	fieldID           = "id"
	fieldBlockedBy    = "blocked by"
	fieldDeliverable  = "deliverable"
	fieldAllowedPaths = "allowed paths"
	fieldVerification = "verification"
	fieldSetup        = "setup"
	fieldLLMVerify    = "llm verification"
)

var knownFields = map[string]bool{
	fieldID: true, fieldBlockedBy: true, fieldDeliverable: true,
	fieldAllowedPaths: true, fieldVerification: true, fieldSetup: true,
	fieldLLMVerify: true,
}

// pending accumulates one checklist item's raw fields before it is
// assembled into a task.
type pending struct {
	subject   string
	tags      []string
	completed bool
	sprint    string
	demo      string
	fields    map[string][]string
	lastField string
}

// ParseFile parses the plan at path. A missing file is a hard error; the
// caller decides whether that is fatal.
func ParseFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plan: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads plan markdown and produces tasks in document order.
func Parse(r io.Reader) (*Plan, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := []string{}
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}

	p := &Plan{}
	lines, err := p.consumeFrontmatter(lines)
	if err != nil {
		return nil, err
	}

	var (
		cur          *pending
		sprintGoal   string
		sprintDemo   string
		sinceSprint  = sprintDemoWindow + 1
		flushCurrent = func() {
			if cur == nil {
				return
			}
			p.Tasks = append(p.Tasks, assemble(cur, p.Frontmatter.DefaultVerification))
			cur = nil
		}
	)

	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)
		indent := len(line) - len(strings.TrimLeft(line, " \t"))

		if m := sprintRe.FindStringSubmatch(trimmed); m != nil {
			flushCurrent()
			sprintGoal = fmt.Sprintf("Sprint %s: %s", m[1], strings.TrimSpace(m[2]))
			sprintDemo = ""
			sinceSprint = 0
			continue
		}
		sinceSprint++

		if m := demoRe.FindStringSubmatch(trimmed); m != nil && sinceSprint <= sprintDemoWindow {
			sprintDemo = strings.TrimSpace(m[1])
			continue
		}

		if m := checklistRe.FindStringSubmatch(trimmed); m != nil && indent == 0 {
			flushCurrent()
			cur = &pending{
				subject:   strings.TrimSpace(m[3]),
				tags:      parseTags(m[2]),
				completed: m[1] == "x" || m[1] == "X",
				sprint:    sprintGoal,
				demo:      sprintDemo,
				fields:    make(map[string][]string),
			}
			continue
		}

		if cur == nil || indent == 0 {
			continue
		}

		// Inside a checklist item: metadata bullet or continuation line.
		bullet := strings.TrimPrefix(trimmed, "- ")
		if name, value, ok := matchField(bullet); ok {
			cur.lastField = name
			if value != "" {
				cur.fields[name] = append(cur.fields[name], value)
			}
			continue
		}
		if cur.lastField != "" && trimmed != "" {
			// Deeper indentation with no field marker appends to the most
			// recently opened field.
			cur.fields[cur.lastField] = append(cur.fields[cur.lastField], strings.TrimPrefix(trimmed, "- "))
		}
	}
	flushCurrent()

	p.resolveSubjectBlockers()
	return p, nil
}

// consumeFrontmatter strips a leading `--- ... ---` YAML block if present.
func (p *Plan) consumeFrontmatter(lines []string) ([]string, error) {
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return lines, nil
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			body := strings.Join(lines[1:i], "\n")
			if err := yaml.Unmarshal([]byte(body), &p.Frontmatter); err != nil {
				return nil, fmt.Errorf("parsing plan frontmatter: %w", err)
			}
			return lines[i+1:], nil
		}
	}
	return nil, fmt.Errorf("unterminated plan frontmatter")
}

// matchField recognizes the three metadata bullet syntaxes. Only the fixed
// field vocabulary matches; anything else is a continuation line.
func matchField(s string) (name, value string, ok bool) {
	if m := fieldBoldRe.FindStringSubmatch(s); m != nil {
		name = strings.ToLower(strings.TrimSpace(m[1]))
		if knownFields[name] {
			return name, strings.TrimSpace(m[2]), true
		}
	}
	if m := fieldPlainRe.FindStringSubmatch(s); m != nil {
		name = strings.ToLower(strings.TrimSpace(m[1]))
		if knownFields[name] {
			return name, strings.TrimSpace(m[2]), true
		}
	}
	return "", "", false
}

// parseTags accepts either a bracketed list `[a, b]` or a bare list `a, b`.
func parseTags(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if t := strings.TrimSpace(part); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// assemble turns raw fields into a task. The description concatenates the
// structured fields under markdown sub-headers in a fixed order so two
// parses of the same text produce identical documents.
func assemble(p *pending, defaultVerification []string) *task.Task {
	t := &task.Task{
		Subject:    p.subject,
		Tags:       p.tags,
		Status:     task.StatusPending,
		Source:     task.SourcePlan,
		SprintGoal: p.sprint,
		SprintDemo: p.demo,
	}
	if p.completed {
		t.Status = task.StatusCompleted
	}

	if ids := p.fields[fieldID]; len(ids) > 0 {
		t.ID = ids[0]
	} else {
		t.ID = task.HashID(t.Tags, t.Subject)
	}

	for _, ref := range p.fields[fieldBlockedBy] {
		for _, part := range strings.Split(ref, ",") {
			if b := strings.TrimSpace(part); b != "" {
				t.BlockedBy = append(t.BlockedBy, b)
			}
		}
	}
	for _, paths := range p.fields[fieldAllowedPaths] {
		for _, part := range strings.Split(paths, ",") {
			if ap := strings.TrimSpace(part); ap != "" {
				t.AllowedPaths = append(t.AllowedPaths, ap)
			}
		}
	}
	t.Verification = append(t.Verification, p.fields[fieldVerification]...)
	if len(t.Verification) == 0 {
		t.Verification = append(t.Verification, defaultVerification...)
	}
	t.LLMVerification = append(t.LLMVerification, p.fields[fieldLLMVerify]...)

	var b strings.Builder
	writeSection := func(header string, values []string) {
		if len(values) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("### " + header + "\n")
		b.WriteString(strings.Join(values, "\n"))
	}
	writeSection("Deliverable", p.fields[fieldDeliverable])
	writeSection("Setup", p.fields[fieldSetup])
	writeSection("Allowed paths", p.fields[fieldAllowedPaths])
	writeSection("Verification", p.fields[fieldVerification])
	t.Description = b.String()

	return t
}

// resolveSubjectBlockers rewrites blockedBy entries written as task
// subjects into the referenced task's ID. Markdown emphasis and quoting
// are stripped and matching is case-insensitive. Unresolvable references
// are left untouched for the graph builder to warn about.
func (p *Plan) resolveSubjectBlockers() {
	ids := make(map[string]bool, len(p.Tasks))
	bySubject := make(map[string]string, len(p.Tasks))
	for _, t := range p.Tasks {
		ids[t.ID] = true
		bySubject[strings.ToLower(t.Subject)] = t.ID
	}

	for _, t := range p.Tasks {
		for i, ref := range t.BlockedBy {
			if ids[ref] {
				continue
			}
			cleaned := strings.ToLower(stripEmphasis(ref))
			if id, ok := bySubject[cleaned]; ok {
				t.BlockedBy[i] = id
			}
		}
	}
}

func stripEmphasis(s string) string {
	return strings.TrimSpace(strings.Trim(s, "*_`\"'()"))
}
