package sched

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/taskwright/taskwright/internal/logging"
	"github.com/taskwright/taskwright/internal/tool"
)

// flakySpawner fails to spawn failUntil times, then succeeds.
type flakySpawner struct {
	calls     int
	failUntil int
}

func (f *flakySpawner) Invoke(_ context.Context, _ string, _ time.Duration) (tool.Result, error) {
	f.calls++
	if f.calls <= f.failUntil {
		return tool.Result{}, fmt.Errorf("spawn failure %d", f.calls)
	}
	return tool.Result{ExitCode: 0, Output: []byte("ok")}, nil
}

func (f *flakySpawner) Name() string { return "flaky" }

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

func TestDispatchRetriesSpawnFailures(t *testing.T) {
	d := NewDispatcher(NewBreakerRegistry(logging.NewNop()), fastRetry())
	inv := &flakySpawner{failUntil: 2}

	res, err := d.Dispatch(context.Background(), inv, "prompt", time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if inv.calls != 3 {
		t.Errorf("calls = %d, want 3", inv.calls)
	}
	if string(res.Output) != "ok" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestDispatchGivesUpAfterBudget(t *testing.T) {
	d := NewDispatcher(NewBreakerRegistry(logging.NewNop()), RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      50 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	})
	inv := &flakySpawner{failUntil: 1 << 30}

	_, err := d.Dispatch(context.Background(), inv, "prompt", time.Second)
	if err == nil {
		t.Fatal("expected an error once the retry budget runs out")
	}
}

func TestDispatchRespectsCancellation(t *testing.T) {
	d := NewDispatcher(NewBreakerRegistry(logging.NewNop()), fastRetry())
	inv := &flakySpawner{failUntil: 1 << 30}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, inv, "prompt", time.Second)
	if err == nil {
		t.Fatal("expected an error on a cancelled context")
	}
}

func TestBreakerRegistryPerTool(t *testing.T) {
	r := NewBreakerRegistry(logging.NewNop())
	a := r.Get("claude")
	b := r.Get("codex")
	if a == b {
		t.Error("distinct tools share a breaker")
	}
	if a != r.Get("claude") {
		t.Error("repeated Get returned a different breaker")
	}
}
