package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine and the activity executor for
// logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay orchestration progress.
type Observer interface {
	// OnInstanceStart is called once when an instance is created by Start.
	OnInstanceStart(ctx context.Context, inst *Instance)

	// OnInstanceCompleted is called when an instance reaches StatusCompleted.
	OnInstanceCompleted(ctx context.Context, inst *Instance)

	// OnInstanceFailed is called when an instance transitions to StatusFailed.
	OnInstanceFailed(ctx context.Context, inst *Instance, err error)

	// OnInstanceTerminated is called when an instance is terminated or
	// canceled.
	OnInstanceTerminated(ctx context.Context, inst *Instance, reason string)

	// OnCallScheduled is called when replay schedules a new activity, timer
	// or entity call.
	OnCallScheduled(ctx context.Context, instanceID string, ev Event)

	// OnActivityAttempt is called after every activity attempt, for both
	// successes and failures (err != nil).
	OnActivityAttempt(ctx context.Context, activity string, attempt int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStart(ctx context.Context, inst *Instance)                     {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *Instance)                 {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error)         {}
func (NoopObserver) OnInstanceTerminated(ctx context.Context, inst *Instance, reason string) {}
func (NoopObserver) OnCallScheduled(ctx context.Context, instanceID string, ev Event)        {}
func (NoopObserver) OnActivityAttempt(ctx context.Context, activity string, attempt int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStart(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnInstanceTerminated(ctx context.Context, inst *Instance, reason string) {
	for _, o := range c.observers {
		o.OnInstanceTerminated(ctx, inst, reason)
	}
}

func (c *CompositeObserver) OnCallScheduled(ctx context.Context, instanceID string, ev Event) {
	for _, o := range c.observers {
		o.OnCallScheduled(ctx, instanceID, ev)
	}
}

func (c *CompositeObserver) OnActivityAttempt(ctx context.Context, activity string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityAttempt(ctx, activity, attempt, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance and activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStart(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_start",
		slog.String("orchestration", inst.Orchestration),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("orchestration", inst.Orchestration),
		slog.String("instance_id", inst.ID),
		slog.String("output", inst.Output),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	o.Logger.ErrorContext(ctx, "instance_failed",
		slog.String("orchestration", inst.Orchestration),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnInstanceTerminated(ctx context.Context, inst *Instance, reason string) {
	o.Logger.WarnContext(ctx, "instance_terminated",
		slog.String("orchestration", inst.Orchestration),
		slog.String("instance_id", inst.ID),
		slog.String("status", string(inst.Status)),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnCallScheduled(ctx context.Context, instanceID string, ev Event) {
	o.Logger.DebugContext(ctx, "call_scheduled",
		slog.String("instance_id", instanceID),
		slog.String("type", string(ev.Type)),
		slog.String("name", ev.Name),
		slog.Int("task_id", ev.TaskID),
	)
}

func (o *LoggingObserver) OnActivityAttempt(ctx context.Context, activity string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_attempt",
		slog.String("activity", activity),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted    atomic.Int64
	instancesCompleted  atomic.Int64
	instancesFailed     atomic.Int64
	instancesTerminated atomic.Int64
	activityAttempts    atomic.Int64
	activityFailures    atomic.Int64
	totalActivityTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted    int64
	InstancesCompleted  int64
	InstancesFailed     int64
	InstancesTerminated int64
	PendingInstances    int64

	ActivityAttempts    int64
	ActivityFailures    int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnInstanceStart(ctx context.Context, inst *Instance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnInstanceTerminated(ctx context.Context, inst *Instance, reason string) {
	m.instancesTerminated.Add(1)
}

func (m *BasicMetrics) OnActivityAttempt(ctx context.Context, activity string, attempt int, err error, d time.Duration) {
	m.activityAttempts.Add(1)
	m.totalActivityTime.Add(d.Nanoseconds())
	if err != nil {
		m.activityFailures.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()
	terminated := m.instancesTerminated.Load()
	attempts := m.activityAttempts.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if attempts > 0 {
		avg = time.Duration(totalNs / attempts)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:    started,
		InstancesCompleted:  completed,
		InstancesFailed:     failed,
		InstancesTerminated: terminated,
		PendingInstances:    started - completed - failed - terminated,
		ActivityAttempts:    attempts,
		ActivityFailures:    m.activityFailures.Load(),
		AvgActivityDuration: avg,
	}
}
