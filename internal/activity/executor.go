package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/payflow/pkg/api"
)

// Executor runs registered activities, retrying transient failures.
type Executor struct {
	registry *Registry
	observer api.Observer
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver sets the observer notified after every attempt.
func WithObserver(obs api.Observer) Option {
	return func(e *Executor) {
		if obs != nil {
			e.observer = obs
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor returns an Executor running the activities in registry.
func NewExecutor(registry *Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		observer: api.NoopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the named activity with input under policy.
//
// Only errors marked with api.Transient are retried, up to
// policy.Attempts() attempts in total, waiting policy.Delay(n) before
// attempt n. Exhaustion and non-retryable errors return an ACTIVITY_FAILED
// error wrapping the last cause. If ctx ends while waiting, ctx.Err() is
// returned so the caller can redeliver the task.
func (e *Executor) Execute(ctx context.Context, name string, input []byte, policy api.RetryPolicy) ([]byte, error) {
	h, ok := e.registry.Lookup(name)
	if !ok {
		return nil, api.ActivityFailed(name, 0,
			api.Permanent(fmt.Errorf("unknown activity %q", name), "activity not registered"))
	}

	maxAttempts := policy.Attempts()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt)
			e.logger.DebugContext(ctx, "activity_retry_wait",
				slog.String("activity", name),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		out, err := h(ctx, input)
		e.observer.OnActivityAttempt(ctx, name, attempt, err, time.Since(start))

		if err == nil {
			return out, nil
		}
		lastErr = err

		if !api.IsTransient(err) {
			return nil, api.ActivityFailed(name, attempt, err)
		}
	}

	e.logger.WarnContext(ctx, "activity_retries_exhausted",
		slog.String("activity", name),
		slog.Int("attempts", maxAttempts),
		slog.Any("error", lastErr),
	)
	return nil, api.ActivityFailed(name, maxAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
