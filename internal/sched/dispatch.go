package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/taskwright/taskwright/internal/tool"
)

// RetryConfig configures exponential backoff for tool spawn failures.
// Only spawn failures retry; a tool that ran and exited is a result, not
// an error, and is interpreted exactly once.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerRegistry manages per-tool circuit breakers so a tool whose binary
// has gone missing stops being hammered mid-run.
type BreakerRegistry struct {
	mu       sync.Mutex
	log      *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(log *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the named tool, creating it on first
// use.
func (r *BreakerRegistry) Get(toolName string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[toolName]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        toolName,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn("circuit breaker state change",
				zap.String("tool", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a tool failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[toolName] = cb
	return cb
}

// Dispatcher invokes a tool with retry and circuit breaker protection.
type Dispatcher struct {
	breakers *BreakerRegistry
	retry    RetryConfig
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(breakers *BreakerRegistry, retry RetryConfig) *Dispatcher {
	return &Dispatcher{breakers: breakers, retry: retry}
}

// Dispatch runs one prompt through the invoker. Spawn failures retry with
// backoff until the elapsed budget runs out or the breaker opens.
func (d *Dispatcher) Dispatch(ctx context.Context, inv tool.Invoker, prompt string, timeout time.Duration) (tool.Result, error) {
	var res tool.Result
	cb := d.breakers.Get(inv.Name())

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return inv.Invoke(ctx, prompt, timeout)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		res = result.(tool.Result)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.retry.InitialInterval
	policy.MaxInterval = d.retry.MaxInterval
	policy.MaxElapsedTime = d.retry.MaxElapsedTime
	policy.Multiplier = d.retry.Multiplier
	policy.RandomizationFactor = d.retry.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return res, err
}
