// Package purge reclaims storage of finished orchestrations: a periodic
// sweep over old terminal instances and a handler for explicit cleanup
// messages.
package purge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/petrijr/payflow/internal/persistence"
	"github.com/petrijr/payflow/pkg/api"
)

// DefaultSchedule runs the sweep every 30 seconds.
const DefaultSchedule = "*/30 * * * * *"

// sweepStatuses are the statuses the periodic sweep reclaims. Failed
// instances are kept for inspection; only an explicit message purges them.
var sweepStatuses = []api.Status{api.StatusCompleted, api.StatusCanceled, api.StatusTerminated}

// EntityDeleter removes the state of one entity key. Deleting a key that
// has no state must succeed.
type EntityDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Purger deletes instance history and owned entity state, never touching
// an instance that is still live.
type Purger struct {
	history     persistence.HistoryStore
	entities    EntityDeleter
	entityNames []string

	retention time.Duration
	schedule  string
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	cron *rcron.Cron
	stop chan struct{}
}

// Option configures a Purger.
type Option func(*Purger)

// WithEntities makes the purger delete the state of entities named names
// whose key is the purged instance id.
func WithEntities(deleter EntityDeleter, names ...string) Option {
	return func(p *Purger) {
		p.entities = deleter
		p.entityNames = append(p.entityNames, names...)
	}
}

// WithRetention keeps terminal instances for at least d before the sweep
// reclaims them.
func WithRetention(d time.Duration) Option {
	return func(p *Purger) {
		if d >= 0 {
			p.retention = d
		}
	}
}

// WithSchedule sets the sweep cron expression (seconds field included).
func WithSchedule(spec string) Option {
	return func(p *Purger) {
		if spec != "" {
			p.schedule = spec
		}
	}
}

// WithLogger sets the logger for sweep and purge events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Purger) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a Purger over history.
func New(history persistence.HistoryStore, opts ...Option) *Purger {
	p := &Purger{
		history:  history,
		schedule: DefaultSchedule,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sweep deletes every instance in a sweepable terminal status that finished
// before the retention cutoff, together with its entity state. It returns
// the number of instances deleted.
func (p *Purger) Sweep(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.retention)
	ids, err := p.history.ListTerminalOlderThan(ctx, cutoff, sweepStatuses...)
	if err != nil {
		return 0, fmt.Errorf("sweep: list candidates: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		err := p.history.Delete(ctx, id, sweepStatuses...)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, persistence.ErrInstanceNotFound):
			// Purged concurrently.
		case errors.Is(err, persistence.ErrStatusNotAllowed):
			continue
		default:
			return deleted, fmt.Errorf("sweep: delete %s: %w", id, err)
		}

		if err := p.deleteOwnedEntities(ctx, id); err != nil {
			return deleted, err
		}
	}

	p.logger.InfoContext(ctx, "sweep_completed",
		slog.Int("candidates", len(ids)),
		slog.Int("deleted", deleted),
	)
	return deleted, nil
}

func (p *Purger) deleteOwnedEntities(ctx context.Context, instanceID string) error {
	if p.entities == nil {
		return nil
	}
	for _, name := range p.entityNames {
		key := api.EntityID{Name: name, Key: instanceID}.String()
		if err := p.entities.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete entity %s: %w", key, err)
		}
	}
	return nil
}

// Handle processes one cleanup queue message: a bare instance id purges
// that instance's history, a composite "@name@id" key purges entity state.
// Purging something already gone succeeds; purging live state fails with a
// PURGE_REJECTED error and deletes nothing.
func (p *Purger) Handle(ctx context.Context, msg string) error {
	req, err := api.ParsePurgeMessage(msg)
	if err != nil {
		return api.Permanent(err, "invalid purge message")
	}
	if req.EntityKey != "" {
		return p.purgeEntity(ctx, req)
	}
	return p.Purge(ctx, req.InstanceID)
}

// Purge deletes the history of instanceID after re-checking that the
// instance is terminal.
func (p *Purger) Purge(ctx context.Context, instanceID string) error {
	inst, err := p.history.GetInstance(ctx, instanceID)
	if errors.Is(err, persistence.ErrInstanceNotFound) {
		p.logger.DebugContext(ctx, "purge_noop", slog.String("instance_id", instanceID))
		return nil
	}
	if err != nil {
		return err
	}
	if !inst.Status.IsTerminal() {
		return p.reject(ctx, instanceID, inst.Status)
	}

	err = p.history.Delete(ctx, instanceID, api.TerminalStatuses...)
	switch {
	case errors.Is(err, persistence.ErrInstanceNotFound):
		return nil
	case errors.Is(err, persistence.ErrStatusNotAllowed):
		return p.reject(ctx, instanceID, inst.Status)
	case err != nil:
		return err
	}

	p.logger.InfoContext(ctx, "instance_purged",
		slog.String("instance_id", instanceID),
		slog.String("status", string(inst.Status)),
	)
	return nil
}

func (p *Purger) purgeEntity(ctx context.Context, req api.PurgeRequest) error {
	inst, err := p.history.GetInstance(ctx, req.InstanceID)
	switch {
	case err == nil:
		if !inst.Status.IsTerminal() {
			return p.reject(ctx, req.InstanceID, inst.Status)
		}
	case errors.Is(err, persistence.ErrInstanceNotFound):
		// The owner was purged first; its entity state is fair game.
	default:
		return err
	}

	if p.entities == nil {
		p.logger.WarnContext(ctx, "entity_purge_unsupported", slog.String("entity", req.EntityKey))
		return nil
	}
	if err := p.entities.Delete(ctx, req.EntityKey); err != nil {
		return fmt.Errorf("delete entity %s: %w", req.EntityKey, err)
	}
	p.logger.InfoContext(ctx, "entity_purged", slog.String("entity", req.EntityKey))
	return nil
}

func (p *Purger) reject(ctx context.Context, instanceID string, status api.Status) error {
	p.logger.WarnContext(ctx, "purge_rejected",
		slog.String("instance_id", instanceID),
		slog.String("status", string(status)),
	)
	return api.PurgeRejected(instanceID, status)
}

// Start runs one sweep immediately and then on the configured schedule
// until Stop is called or ctx ends.
func (p *Purger) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return errors.New("purger already started")
	}

	logger := cronLogger{p.logger}
	c := rcron.New(
		rcron.WithSeconds(),
		rcron.WithLogger(logger),
		rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(p.schedule, func() { p.runSweep(ctx) }); err != nil {
		return fmt.Errorf("purge schedule %q: %w", p.schedule, err)
	}

	p.runSweep(ctx)
	c.Start()
	p.cron = c
	stop := make(chan struct{})
	p.stop = stop

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-stop:
		}
	}()
	return nil
}

func (p *Purger) runSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := p.Sweep(ctx); err != nil {
		p.logger.ErrorContext(ctx, "sweep_failed", slog.Any("error", err))
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (p *Purger) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron_"+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron_"+msg, append(keysAndValues, "error", err)...)
}
