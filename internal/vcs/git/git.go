// Package git provides the few working-tree operations the verification
// gate needs: a diff for the anti-pattern scan and the LLM judge, and a
// dirty check for reporting.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Client runs git against one repository root.
type Client struct {
	RepoRoot string
}

// New creates a client for the repository at root.
func New(root string) *Client {
	return &Client{RepoRoot: root}
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.RepoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Diff returns the working-tree diff against HEAD, staged and unstaged.
func (c *Client) Diff(ctx context.Context) ([]byte, error) {
	return c.run(ctx, "diff", "HEAD")
}

// DiffAdditions returns only the added lines of the working-tree diff,
// with the leading '+' stripped. Header lines (+++) are excluded.
func (c *Client) DiffAdditions(ctx context.Context) ([]string, error) {
	out, err := c.Diff(ctx)
	if err != nil {
		return nil, err
	}
	var added []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			added = append(added, line[1:])
		}
	}
	return added, nil
}

// IsDirty reports whether the working tree has uncommitted changes.
func (c *Client) IsDirty(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}
