package verify

import (
	"regexp"
	"strings"
)

// Finding is one suspicious diff addition. Findings are advisory: the
// heuristics have false positives, so they are logged for human audit and
// never fail a task on their own.
type Finding struct {
	Pattern string
	Line    string
}

// antiPatterns match additions that weaken quality gates.
var antiPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"eslint rule disabled", regexp.MustCompile(`eslint-disable`)},
	{"typescript check suppressed", regexp.MustCompile(`@ts-(?:ignore|nocheck|expect-error)`)},
	{"go lint suppressed", regexp.MustCompile(`//\s*nolint`)},
	{"python type check suppressed", regexp.MustCompile(`#\s*type:\s*ignore`)},
	{"rust lint allowed", regexp.MustCompile(`#\[allow\(`)},
	{"type strictness relaxed", regexp.MustCompile(`"strict"\s*:\s*false|noImplicitAny"\s*:\s*false`)},
	{"warning threshold raised", regexp.MustCompile(`--max-warnings[= ]\d+`)},
	{"test skipped", regexp.MustCompile(`\b(?:it|test|describe)\.skip\(|t\.Skip\(`)},
}

// ScanAdditions checks added diff lines for gate-weakening patterns.
func ScanAdditions(added []string) []Finding {
	var findings []Finding
	for _, line := range added {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, ap := range antiPatterns {
			if ap.re.MatchString(trimmed) {
				findings = append(findings, Finding{Pattern: ap.name, Line: trimmed})
				break
			}
		}
	}
	return findings
}
