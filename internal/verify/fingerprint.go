package verify

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// failureLineRe selects the lines of a verification failure that identify
// it: compiler errors, test failures, timeouts. Volatile noise (progress
// output, timestamps embedded in ordinary lines) is excluded so that the
// same breakage fingerprints identically across runs.
var failureLineRe = regexp.MustCompile(`(?i)\b(fail|failed|failure|error|err!|timeout|timed out|panic|fatal)\b`)

// Fingerprint hashes the failure-identifying lines of verification output
// into a short stable identifier. Identical breakage yields an identical
// fingerprint, which is what the flaky-failure detector keys on.
func Fingerprint(output []byte) string {
	var filtered bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if failureLineRe.Match(line) {
			filtered.Write(bytes.TrimSpace(line))
			filtered.WriteByte('\n')
		}
	}
	if filtered.Len() == 0 {
		// No recognizable failure lines: hash the whole output so empty
		// fingerprints cannot spuriously match each other.
		filtered.Write(output)
	}

	sum := sha256.Sum256(filtered.Bytes())
	return hex.EncodeToString(sum[:])[:12]
}
