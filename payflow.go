package payflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petrijr/payflow/internal/activity"
	"github.com/petrijr/payflow/internal/engine"
	"github.com/petrijr/payflow/internal/entity"
	"github.com/petrijr/payflow/internal/payroll"
	"github.com/petrijr/payflow/internal/persistence"
	"github.com/petrijr/payflow/internal/purge"
	"github.com/petrijr/payflow/internal/taskqueue"
	"github.com/petrijr/payflow/pkg/api"
	"github.com/petrijr/payflow/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Instance             = api.Instance
	StatusSnapshot       = api.StatusSnapshot
	Event                = api.Event
	InstanceListOptions  = api.InstanceListOptions
	Status               = api.Status
	RetryPolicy          = api.RetryPolicy
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusPending    = api.StatusPending
	StatusRunning    = api.StatusRunning
	StatusCompleted  = api.StatusCompleted
	StatusFailed     = api.StatusFailed
	StatusTerminated = api.StatusTerminated
	StatusCanceled   = api.StatusCanceled
)

// ErrNegativeSalary is returned by StartSalary for a negative input.
var ErrNegativeSalary = errors.New("salary must not be negative")

// Runtime wires one storage backend into a complete payroll system: the
// engine, its task queue, the activity executor, the deductions aggregator,
// the purger and a worker consuming the queue.
type Runtime struct {
	Engine     Engine
	Queue      taskqueue.Queue
	Activities *activity.Registry
	Executor   *activity.Executor
	Aggregator *entity.Aggregator
	Purger     *purge.Purger
	Worker     *worker.Worker

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	closers []func() error
}

type options struct {
	observer      Observer
	logger        *slog.Logger
	retry         RetryPolicy
	purgeDelay    time.Duration
	retention     time.Duration
	sweepSchedule string
}

// Option configures a Runtime.
type Option func(*options)

// WithObserver sets the observer for engine and activity callbacks.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetryPolicy sets the retry policy of the salary pipeline activities.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithPurgeDelay postpones the cleanup of a completed instance so its final
// status stays readable for d.
func WithPurgeDelay(d time.Duration) Option {
	return func(o *options) { o.purgeDelay = d }
}

// WithRetention sets how long the periodic sweep keeps terminal instances.
func WithRetention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

// WithSweepSchedule sets the cron expression (with seconds) of the sweep.
func WithSweepSchedule(spec string) Option {
	return func(o *options) { o.sweepSchedule = spec }
}

func newRuntime(p persistence.Persistence, queue taskqueue.Queue, opts ...Option) (*Runtime, error) {
	o := options{
		observer:      NoopObserver{},
		logger:        slog.Default(),
		retry:         payroll.DefaultRetry,
		purgeDelay:    time.Minute,
		retention:     5 * time.Minute,
		sweepSchedule: purge.DefaultSchedule,
	}
	for _, opt := range opts {
		opt(&o)
	}

	eng := engine.NewEngine(engine.Config{
		History:    p.History,
		Queue:      queue,
		Observer:   o.observer,
		Logger:     o.logger,
		PurgeDelay: o.purgeDelay,
	})

	registry := activity.NewRegistry()
	if err := payroll.Register(eng, registry, o.retry); err != nil {
		return nil, err
	}
	executor := activity.NewExecutor(registry,
		activity.WithObserver(o.observer),
		activity.WithLogger(o.logger),
	)
	agg := entity.NewAggregator(p.Entities, entity.WithLogger(o.logger))
	purger := purge.New(p.History,
		purge.WithEntities(agg, payroll.EntityName),
		purge.WithRetention(o.retention),
		purge.WithSchedule(o.sweepSchedule),
		purge.WithLogger(o.logger),
	)
	w := worker.New(eng, queue,
		worker.WithExecutor(executor),
		worker.WithEntities(agg),
		worker.WithPurger(purger),
		worker.WithLogger(o.logger),
	)

	return &Runtime{
		Engine:     eng,
		Queue:      queue,
		Activities: registry,
		Executor:   executor,
		Aggregator: agg,
		Purger:     purger,
		Worker:     w,
		logger:     o.logger,
	}, nil
}

// StartSalary starts the salary pipeline for a gross salary and returns the
// instance id.
func (r *Runtime) StartSalary(ctx context.Context, gross decimal.Decimal) (string, error) {
	if gross.IsNegative() {
		return "", fmt.Errorf("%w: %s", ErrNegativeSalary, gross)
	}
	return r.Engine.Start(ctx, payroll.OrchestrationName, gross)
}

// Status returns status, custom status and output of an instance.
func (r *Runtime) Status(ctx context.Context, instanceID string) (*StatusSnapshot, error) {
	return r.Engine.GetStatus(ctx, instanceID)
}

// Terminate stops an instance; see Engine.Terminate.
func (r *Runtime) Terminate(ctx context.Context, instanceID, reason string) error {
	return r.Engine.Terminate(ctx, instanceID, reason)
}

// WaitFor polls the instance until it reaches a terminal status or ctx
// ends.
func (r *Runtime) WaitFor(ctx context.Context, instanceID string, interval time.Duration) (*StatusSnapshot, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := r.Engine.GetStatus(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if st.Status.IsTerminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Start recovers live instances, starts the purge schedule and runs
// concurrency worker goroutines in the background until Stop.
func (r *Runtime) Start(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("payflow: runtime already started")
	}

	n, err := r.Engine.RecoverInstances(ctx)
	if err != nil {
		return fmt.Errorf("recover instances: %w", err)
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "instances_recovered", slog.Int("count", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := r.Purger.Start(ctx); err != nil {
		cancel()
		return err
	}

	r.cancel = cancel
	r.done = make(chan error, 1)
	go func() { r.done <- r.Worker.Run(ctx, concurrency) }()
	return nil
}

// Stop halts the workers and the purge schedule started by Start and waits
// for them to exit.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	r.Purger.Stop()
	return <-done
}

// Close stops the runtime, drains the aggregator and releases backend
// resources the runtime opened itself.
func (r *Runtime) Close(ctx context.Context) error {
	errs := []error{r.Stop(), r.Aggregator.Close(ctx)}
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
