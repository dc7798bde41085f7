package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/payflow/internal/activity"
	"github.com/petrijr/payflow/internal/persistence"
	"github.com/petrijr/payflow/internal/taskqueue"
	"github.com/petrijr/payflow/pkg/api"
)

// EntityCaller applies one entity operation. entity.Aggregator implements it.
type EntityCaller interface {
	Call(ctx context.Context, key string, op string, amount decimal.Decimal, requestID string) (decimal.Decimal, error)
}

// PurgeHandler consumes cleanup queue messages. purge.Purger implements it.
type PurgeHandler interface {
	Handle(ctx context.Context, msg string) error
}

// Worker pulls tasks from a Queue and routes them to the engine, the
// activity executor, the entity aggregator and the purger.
type Worker struct {
	engine   api.Engine
	queue    taskqueue.Queue
	executor *activity.Executor
	entities EntityCaller
	purger   PurgeHandler

	logger     *slog.Logger
	retryDelay time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithExecutor sets the executor for activity tasks.
func WithExecutor(e *activity.Executor) Option {
	return func(w *Worker) { w.executor = e }
}

// WithEntities sets the target of entity tasks.
func WithEntities(c EntityCaller) Option {
	return func(w *Worker) { w.entities = c }
}

// WithPurger sets the handler of purge tasks.
func WithPurger(p PurgeHandler) Option {
	return func(w *Worker) { w.purger = p }
}

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithRetryDelay sets how long a task that failed for infrastructure
// reasons waits before it is redelivered.
func WithRetryDelay(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.retryDelay = d
		}
	}
}

// New creates a new Worker.
func New(engine api.Engine, queue taskqueue.Queue, opts ...Option) *Worker {
	w := &Worker{
		engine:     engine,
		queue:      queue,
		logger:     slog.Default(),
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx ended or the queue failed)
//   - processed == true: a task was handled; err reports a failure, after
//     which the task has been redelivered if it can still succeed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, w.handle(ctx, task)
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskAdvance:
		return w.deliver(ctx, task.InstanceID, task.Event)

	case taskqueue.TaskActivity:
		return w.runActivity(ctx, task)

	case taskqueue.TaskTimer:
		return w.deliver(ctx, task.InstanceID, &api.Event{
			Type:   api.EventTimerFired,
			TaskID: task.TaskID,
			FireAt: task.NotBefore,
		})

	case taskqueue.TaskEntity:
		return w.runEntity(ctx, task)

	case taskqueue.TaskPurge:
		return w.runPurge(ctx, task)

	default:
		// Dequeue already removed the task; it is reported, not redelivered.
		return errors.New("unknown task type: " + string(task.Type))
	}
}

// deliver advances the instance with ev. If that fails, the event is
// re-enqueued as an advance task so it is not lost.
func (w *Worker) deliver(ctx context.Context, instanceID string, ev *api.Event) error {
	_, err := w.engine.Advance(ctx, instanceID, ev)
	if err == nil {
		return nil
	}
	if errors.Is(err, persistence.ErrInstanceNotFound) {
		w.logger.InfoContext(ctx, "event_dropped_missing_instance",
			slog.String("instance_id", instanceID),
		)
		return nil
	}

	id := instanceID + ":advance"
	if ev != nil {
		id = fmt.Sprintf("%s:%d:%s", instanceID, ev.TaskID, ev.Type)
	}
	return w.redeliver(ctx, &taskqueue.Task{
		ID:         id,
		Type:       taskqueue.TaskAdvance,
		InstanceID: instanceID,
		TaskID:     -1,
		Event:      ev,
	}, err)
}

// redeliver puts task back on the queue after retryDelay and returns cause.
func (w *Worker) redeliver(ctx context.Context, task *taskqueue.Task, cause error) error {
	t := *task
	t.NotBefore = time.Now().Add(w.retryDelay)
	if err := w.queue.Enqueue(context.WithoutCancel(ctx), t); err != nil {
		w.logger.ErrorContext(ctx, "task_redelivery_failed",
			slog.String("task_id", task.ID),
			slog.String("type", string(task.Type)),
			slog.Any("error", err),
		)
		return errors.Join(cause, err)
	}
	w.logger.WarnContext(ctx, "task_redelivered",
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.Any("error", cause),
	)
	return cause
}

func (w *Worker) runActivity(ctx context.Context, task *taskqueue.Task) error {
	if w.executor == nil {
		return w.redeliver(ctx, task, errors.New("worker has no activity executor"))
	}

	out, err := w.executor.Execute(ctx, task.Name, task.Payload, task.Retry)
	if err != nil && ctx.Err() != nil {
		// Shutting down mid-activity: let another worker run it again.
		return w.redeliver(ctx, task, err)
	}

	ev := &api.Event{
		Type:    api.EventActivityCompleted,
		TaskID:  task.TaskID,
		Name:    task.Name,
		Payload: out,
	}
	if err != nil {
		ev = &api.Event{
			Type:   api.EventActivityFailed,
			TaskID: task.TaskID,
			Name:   task.Name,
			Detail: api.ErrorMessage(err),
		}
	}
	return w.deliver(ctx, task.InstanceID, ev)
}

func (w *Worker) runEntity(ctx context.Context, task *taskqueue.Task) error {
	fail := func(err error) error {
		return w.deliver(ctx, task.InstanceID, &api.Event{
			Type:   api.EventEntityCallFailed,
			TaskID: task.TaskID,
			Name:   task.Name,
			Target: task.Target,
			Detail: api.ErrorMessage(err),
		})
	}

	switch task.Name {
	case api.OpAdd, api.OpCompleted:
	default:
		return fail(api.EntityFault(fmt.Errorf("unknown operation %q", task.Name), task.Target))
	}
	if w.entities == nil {
		return w.redeliver(ctx, task, errors.New("worker has no entity aggregator"))
	}

	amount, err := persistence.DecodeValue[decimal.Decimal](task.Payload)
	if err != nil {
		return fail(api.EntityFault(err, task.Target))
	}

	// The task id is stable across redeliveries, so the aggregator applies
	// the operation at most once.
	value, err := w.entities.Call(ctx, task.Target, task.Name, amount, task.ID)
	if err != nil {
		if api.ErrorCode(err) == api.ErrCodeEntityFault {
			return fail(err)
		}
		return w.redeliver(ctx, task, err)
	}

	payload, err := persistence.EncodeValue(value)
	if err != nil {
		return fail(err)
	}
	return w.deliver(ctx, task.InstanceID, &api.Event{
		Type:    api.EventEntityCallCompleted,
		TaskID:  task.TaskID,
		Name:    task.Name,
		Target:  task.Target,
		Payload: payload,
	})
}

func (w *Worker) runPurge(ctx context.Context, task *taskqueue.Task) error {
	if w.purger == nil {
		return w.redeliver(ctx, task, errors.New("worker has no purger"))
	}
	err := w.purger.Handle(ctx, task.Target)
	switch {
	case err == nil:
		return nil
	case api.IsPurgeRejected(err), api.ErrorCode(err) == api.ErrCodeActivityPermanent:
		// Logged by the purger; retrying cannot help.
		return err
	default:
		return w.redeliver(ctx, task, err)
	}
}

// Run processes tasks with concurrency goroutines until ctx ends. Task
// failures are logged and do not stop the worker.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err == nil {
					continue
				}
				if !processed {
					// The queue itself failed; back off before polling again.
					w.logger.ErrorContext(ctx, "dequeue_failed", slog.Any("error", err))
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(w.retryDelay):
					}
					continue
				}
				w.logger.WarnContext(ctx, "task_failed",
					slog.Int("worker", i),
					slog.Any("error", err),
				)
			}
		})
	}
	return g.Wait()
}
