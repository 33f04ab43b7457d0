package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taskwright/taskwright/internal/tool"
)

// PassToken is the exact token the judge must emit for a subjective pass.
// Anything else, including silence and hedged answers, is a failure.
const PassToken = "VERDICT_PASS"

// FailToken is the expected negative answer; recognized for reporting but
// not required -- absence of PassToken already fails the check.
const FailToken = "VERDICT_FAIL"

// judgeTimeout bounds a single judge invocation. Judging a diff is much
// cheaper than producing it.
const judgeTimeout = 5 * time.Minute

// Judge evaluates subjective acceptance criteria against a diff using the
// same tool-invocation interface the scheduler uses for work.
type Judge struct {
	Invoker tool.Invoker
	Timeout time.Duration
}

// NewJudge creates a judge over the given invoker.
func NewJudge(inv tool.Invoker) *Judge {
	return &Judge{Invoker: inv, Timeout: judgeTimeout}
}

// Evaluate renders the judge prompt and interprets the answer. The answer
// must contain PassToken without FailToken to pass.
func (j *Judge) Evaluate(ctx context.Context, criteria []string, diff []byte) (bool, string, error) {
	prompt := j.renderPrompt(criteria, diff)
	res, err := j.Invoker.Invoke(ctx, prompt, j.Timeout)
	if err != nil {
		return false, "", fmt.Errorf("judge invocation: %w", err)
	}

	out := string(res.Output)
	passed := strings.Contains(out, PassToken) && !strings.Contains(out, FailToken)
	return passed, out, nil
}

func (j *Judge) renderPrompt(criteria []string, diff []byte) string {
	var b strings.Builder
	b.WriteString("You are judging whether a change satisfies acceptance criteria.\n")
	b.WriteString("Answer with exactly one token: " + PassToken + " or " + FailToken + ".\n\n")
	b.WriteString("## Criteria\n")
	for _, c := range criteria {
		b.WriteString("- " + c + "\n")
	}
	b.WriteString("\n## Diff\n```\n")
	b.Write(diff)
	b.WriteString("\n```\n")
	return b.String()
}
