package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StartRun(ctx, "run-1"))

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordAttempt(ctx, Attempt{
		RunID:     "run-1",
		TaskID:    "t-aaaa1111",
		Tool:      "claude",
		ExitCode:  1,
		Signal:    "",
		Duration:  90 * time.Second,
		StartedAt: started,
	}))
	require.NoError(t, s.RecordAttempt(ctx, Attempt{
		RunID:     "run-1",
		TaskID:    "t-aaaa1111",
		Tool:      "claude",
		ExitCode:  0,
		Duration:  45 * time.Second,
		TimedOut:  false,
		StartedAt: started.Add(2 * time.Minute),
	}))

	got, err := s.AttemptsFor(ctx, "t-aaaa1111")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 1, got[0].ExitCode, "oldest attempt first")
	assert.Equal(t, 90*time.Second, got[0].Duration)
	assert.Equal(t, "claude", got[0].Tool)
	assert.Equal(t, 0, got[1].ExitCode)

	other, err := s.AttemptsFor(ctx, "t-bbbb2222")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestTimedOutAttempt(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StartRun(ctx, "run-timeout"))
	require.NoError(t, s.RecordAttempt(ctx, Attempt{
		RunID:     "run-timeout",
		TaskID:    "t-cccc3333",
		Tool:      "codex",
		ExitCode:  -1,
		Signal:    "killed",
		Duration:  45 * time.Minute,
		TimedOut:  true,
		StartedAt: time.Now(),
	}))

	got, err := s.AttemptsFor(ctx, "t-cccc3333")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].TimedOut)
	assert.Equal(t, "killed", got[0].Signal)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StartRun(ctx, "run-cycle"))
	require.NoError(t, s.RecordTransition(ctx, "run-cycle", "t-aaaa1111", "pending", "in_progress", ""))
	require.NoError(t, s.RecordTransition(ctx, "run-cycle", "t-aaaa1111", "in_progress", "completed", "gate passed"))
	require.NoError(t, s.FinishRun(ctx, "run-cycle", 1, 0, false))

	// Duplicate run IDs violate the primary key.
	assert.Error(t, s.StartRun(ctx, "run-cycle"))
}

func TestOpenCreatesParentDirs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "history.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.StartRun(ctx, "run-1"))
	require.NoError(t, s.Close())

	// Reopen and read back through the same schema.
	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	assert.Error(t, s.StartRun(ctx, "run-1"), "run survives reopen")
}
