package tool

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

// Signal is the tool's self-reported outcome, recovered from its output.
type Signal int

const (
	// SignalNone means no recognizable marker was present. The scheduler
	// treats this as inconclusive and retries.
	SignalNone Signal = iota
	SignalComplete
	SignalBlocked
	SignalFailed
)

func (s Signal) String() string {
	switch s {
	case SignalComplete:
		return "complete"
	case SignalBlocked:
		return "blocked"
	case SignalFailed:
		return "failed"
	default:
		return "none"
	}
}

// The three mutually exclusive completion markers a tool is expected to
// conclude its transcript with. Presence anywhere in the output counts;
// position does not matter, and the first marker found wins.
const (
	MarkerComplete = "TASK_COMPLETE"
	MarkerBlocked  = "TASK_BLOCKED"
	MarkerFailed   = "TASK_FAILED"
)

// ScanSignal finds the first marker in output, in stream order.
func ScanSignal(output []byte) Signal {
	idxComplete := bytes.Index(output, []byte(MarkerComplete))
	idxBlocked := bytes.Index(output, []byte(MarkerBlocked))
	idxFailed := bytes.Index(output, []byte(MarkerFailed))

	best := SignalNone
	bestIdx := -1
	consider := func(idx int, sig Signal) {
		if idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
			best, bestIdx = sig, idx
		}
	}
	consider(idxComplete, SignalComplete)
	consider(idxBlocked, SignalBlocked)
	consider(idxFailed, SignalFailed)
	return best
}

// learningPrefix marks optional annotation lines a tool may emit for
// cross-run context capture.
const learningPrefix = "LEARNING:"

// ExtractLearnings collects the tool's learning annotations in order.
func ExtractLearnings(output []byte) []string {
	var learnings []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, learningPrefix) {
			if l := strings.TrimSpace(strings.TrimPrefix(line, learningPrefix)); l != "" {
				learnings = append(learnings, l)
			}
		}
	}
	return learnings
}

// Count-extraction patterns across common build/test tool output shapes.
// Best effort: these feed reports only, never pass/fail decisions.
var (
	errorCountRe = regexp.MustCompile(`(?i)(\d+)\s+errors?\b`)
	passCountRe  = regexp.MustCompile(`(?i)(\d+)\s+(?:pass(?:ed|ing)?|ok)\b`)
	failCountRe  = regexp.MustCompile(`(?i)(\d+)\s+fail(?:ed|ing|ures?)?\b`)
)

// Counts is a best-effort summary extracted from tool or verifier output.
type Counts struct {
	Errors int
	Passed int
	Failed int
}

// ExtractCounts pulls error/pass/fail counts out of output for reporting.
// Exit codes remain authoritative for pass/fail decisions.
func ExtractCounts(output []byte) Counts {
	var c Counts
	if m := errorCountRe.FindSubmatch(output); m != nil {
		c.Errors, _ = strconv.Atoi(string(m[1]))
	}
	if m := passCountRe.FindSubmatch(output); m != nil {
		c.Passed, _ = strconv.Atoi(string(m[1]))
	}
	if m := failCountRe.FindSubmatch(output); m != nil {
		c.Failed, _ = strconv.Atoi(string(m[1]))
	}
	return c
}
