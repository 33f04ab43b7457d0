// Package graph finalizes blockedBy edges and validates the task graph.
//
// The builder is a pure validation plus optional-augmentation pass: apart
// from adding inferred blockedBy edges it never mutates task content.
// Problems are reported as warnings, not errors -- a graph with a cycle or
// a dangling blocker is still written; the scheduler simply never selects
// the affected tasks and reports the run as blocked.
package graph

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/taskwright/taskwright/internal/task"
)

// Policy maps a tag to the tags it implicitly depends on. A nil Policy
// disables tag-based inference entirely; inference is always opt-in.
type Policy map[string][]string

// DefaultPolicy mirrors the conventional layering of plan tags. It is a
// convenience default for plans that do not carry their own tag_deps table.
func DefaultPolicy() Policy {
	return Policy{
		"ui":     {"engine", "core", "types", "data"},
		"engine": {"core", "types"},
		"data":   {"types"},
	}
}

// Result carries the validated graph and its warnings.
type Result struct {
	Tasks    []*task.Task
	Order    []string // topological order; empty when the graph has cycles
	Cycles   [][]string
	Warnings []string
}

// subjectLabelMax truncates subjects in cycle warnings.
const subjectLabelMax = 40

// Build resolves edges and validates. Inference runs only when policy is
// non-nil.
func Build(tasks []*task.Task, policy Policy) *Result {
	res := &Result{Tasks: tasks}

	if policy != nil {
		inferTagDeps(tasks, policy)
	}

	// Colliding IDs make the later occurrence unreachable through the
	// store; merged sources (plan plus issues) are where this bites.
	index := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		if prev, ok := index[t.ID]; ok {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("duplicate task ID %s: %q and %q", t.ID, label(prev), label(t)))
			continue
		}
		index[t.ID] = t
	}

	// Dangling blockers: unresolved plan text is common, so a warning.
	for _, t := range tasks {
		for _, dep := range t.BlockedBy {
			if _, ok := index[dep]; !ok {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("task %s (%s) is blocked by unknown task %q", t.ID, label(t), dep))
			}
		}
	}

	// Plan-sourced tasks with no verification get flagged here; the
	// scheduler enforces it later unless a default policy is configured.
	for _, t := range tasks {
		if t.Source == task.SourcePlan && len(t.Verification) == 0 {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("task %s (%s) has no verification commands", t.ID, label(t)))
		}
	}

	res.Cycles = findCycles(tasks, index)
	for _, cycle := range res.Cycles {
		labels := make([]string, 0, len(cycle))
		for _, id := range cycle {
			labels = append(labels, label(index[id]))
		}
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("dependency cycle: %s", strings.Join(labels, " -> ")))
	}

	if len(res.Cycles) == 0 {
		res.Order = topoOrder(tasks, index)
	}

	return res
}

// inferTagDeps adds blockedBy edges from the policy table: a task whose tag
// has prerequisite tags depends on every task carrying one of those tags.
func inferTagDeps(tasks []*task.Task, policy Policy) {
	for _, t := range tasks {
		seen := make(map[string]bool, len(t.BlockedBy))
		for _, dep := range t.BlockedBy {
			seen[dep] = true
		}
		for _, tag := range t.Tags {
			for _, prereqTag := range policy[tag] {
				for _, other := range tasks {
					if other.ID == t.ID || seen[other.ID] {
						continue
					}
					if hasTag(other, prereqTag) {
						t.BlockedBy = append(t.BlockedBy, other.ID)
						seen[other.ID] = true
					}
				}
			}
		}
	}
}

func hasTag(t *task.Task, tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// findCycles runs a depth-first traversal with an explicit recursion stack.
// When a node already on the stack is reached, the cycle is the stack slice
// from that node's first occurrence to the current node. Each cycle is
// reported once, keyed by its member set.
func findCycles(tasks []*task.Task, index map[string]*task.Task) [][]string {
	const (
		white = iota // unvisited
		grey         // on stack
		black        // done
	)
	color := make(map[string]int, len(tasks))
	var stack []string
	var cycles [][]string
	reported := make(map[string]bool)

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)

		t := index[id]
		for _, dep := range t.BlockedBy {
			depTask, ok := index[dep]
			if !ok {
				continue // dangling, warned elsewhere
			}
			switch color[dep] {
			case white:
				visit(depTask.ID)
			case grey:
				// Slice the stack from dep's first occurrence to here.
				start := 0
				for i, sid := range stack {
					if sid == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				key := cycleKey(cycle)
				if !reported[key] {
					reported[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	// Iterate in document order so warning output is deterministic.
	for _, t := range tasks {
		if color[t.ID] == white {
			visit(t.ID)
		}
	}
	return cycles
}

// cycleKey builds an order-insensitive identity for a cycle so A->B->A and
// B->A->B are reported once.
func cycleKey(cycle []string) string {
	members := append([]string(nil), cycle...)
	for i := 1; i < len(members); i++ {
		for j := i; j > 0 && members[j-1] > members[j]; j-- {
			members[j-1], members[j] = members[j], members[j-1]
		}
	}
	return strings.Join(members, "\x00")
}

// topoOrder computes a dependency-respecting order for reporting. Callers
// only reach this on acyclic graphs; an unexpected toposort failure yields
// a nil order rather than an error.
func topoOrder(tasks []*task.Task, index map[string]*task.Task) []string {
	var edges []toposort.Edge
	for _, t := range tasks {
		if index[t.ID] != t {
			continue // duplicate ID, warned in Build
		}
		resolved := 0
		for _, dep := range t.BlockedBy {
			if _, ok := index[dep]; ok {
				edges = append(edges, toposort.Edge{dep, t.ID})
				resolved++
			}
		}
		if resolved == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil
	}
	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order
}

// label renders a task for human-readable warnings.
func label(t *task.Task) string {
	if t == nil {
		return "?"
	}
	subject := t.Subject
	if len(subject) > subjectLabelMax {
		subject = subject[:subjectLabelMax-3] + "..."
	}
	return subject
}
