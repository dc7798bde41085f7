package payflow

import (
	"context"
	"errors"
	"sync"
)

// LocalRunner bundles an in-memory Runtime with a set of worker goroutines
// and the purge schedule, for development, tests and simple single-process
// deployments.
//
// Typical usage:
//
//	runner, _ := payflow.NewLocalRunner()
//	_ = runner.StartWorkers(ctx, 2)
//	id, _ := runner.StartSalary(ctx, decimal.NewFromInt(1000))
//	st, _ := runner.WaitFor(ctx, id, 0)
//	runner.Stop()
type LocalRunner struct {
	*Runtime

	mu      sync.Mutex
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory runtime.
func NewLocalRunner(opts ...Option) (*LocalRunner, error) {
	rt, err := NewInMemoryRuntime(opts...)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Runtime: rt}, nil
}

// StartWorkers starts 'concurrency' worker goroutines and the purge sweep
// until Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("payflow: LocalRunner already started")
	}
	if err := r.Runtime.Start(ctx, concurrency); err != nil {
		return err
	}
	r.running = true
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers, waits for
// them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false
	_ = r.Runtime.Stop()
}
