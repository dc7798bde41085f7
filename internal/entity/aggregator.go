// Package entity implements the deduction aggregator: a keyed actor that
// applies operations to one durable running total per key, one at a time.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petrijr/payflow/internal/persistence"
	"github.com/petrijr/payflow/pkg/api"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("aggregator closed")

// opDelete is internal; it is not part of the entity call protocol.
const opDelete = "delete"

// Aggregator serializes operations per entity key. Each key owns a FIFO
// mailbox drained by a goroutine that exists only while the mailbox is
// non-empty, so different keys never contend and idle keys cost nothing.
type Aggregator struct {
	store  persistence.EntityStore
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	closed    bool
	wg        sync.WaitGroup
}

type mailbox struct {
	queue []*operation
}

type operation struct {
	ctx       context.Context
	name      string
	amount    decimal.Decimal
	requestID string
	done      chan result
}

type result struct {
	value decimal.Decimal
	err   error
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the aggregator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAggregator returns an Aggregator applying operations to store.
func NewAggregator(store persistence.EntityStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:     store,
		logger:    slog.Default(),
		now:       time.Now,
		mailboxes: make(map[string]*mailbox),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add adds delta to the total of key and returns the new total.
func (a *Aggregator) Add(ctx context.Context, key string, delta decimal.Decimal, requestID string) (decimal.Decimal, error) {
	return a.Call(ctx, key, api.OpAdd, delta, requestID)
}

// Complete marks key as completed and returns the unchanged total as the
// acknowledgement.
func (a *Aggregator) Complete(ctx context.Context, key string, requestID string) (decimal.Decimal, error) {
	return a.Call(ctx, key, api.OpCompleted, decimal.Zero, requestID)
}

// Call submits op to the mailbox of key and waits for its result.
//
// A requestID equal to the last one applied to key returns the cached
// result without applying op again. Load failures are ENTITY_FAULT errors.
func (a *Aggregator) Call(ctx context.Context, key string, op string, amount decimal.Decimal, requestID string) (decimal.Decimal, error) {
	switch op {
	case api.OpAdd, api.OpCompleted:
	default:
		return decimal.Zero, fmt.Errorf("entity %s: unknown operation %q", key, op)
	}
	return a.submit(ctx, key, op, amount, requestID)
}

// Delete removes the durable state of key, serialized behind any queued
// operations. Deleting a key without state is not an error.
func (a *Aggregator) Delete(ctx context.Context, key string) error {
	_, err := a.submit(ctx, key, opDelete, decimal.Zero, "")
	return err
}

// Get returns the current state of key, or persistence.ErrEntityNotFound.
func (a *Aggregator) Get(ctx context.Context, key string) (*api.EntityState, error) {
	return a.store.LoadEntity(ctx, key)
}

func (a *Aggregator) submit(ctx context.Context, key, name string, amount decimal.Decimal, requestID string) (decimal.Decimal, error) {
	op := &operation{
		ctx:       ctx,
		name:      name,
		amount:    amount,
		requestID: requestID,
		done:      make(chan result, 1),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return decimal.Zero, ErrClosed
	}
	mb, running := a.mailboxes[key]
	if !running {
		mb = &mailbox{}
		a.mailboxes[key] = mb
	}
	mb.queue = append(mb.queue, op)
	if !running {
		a.wg.Add(1)
		go a.drain(key, mb)
	}
	a.mu.Unlock()

	select {
	case r := <-op.done:
		return r.value, r.err
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
}

// drain applies queued operations for key in FIFO order and exits once the
// mailbox is empty.
func (a *Aggregator) drain(key string, mb *mailbox) {
	defer a.wg.Done()

	for {
		a.mu.Lock()
		if len(mb.queue) == 0 {
			delete(a.mailboxes, key)
			a.mu.Unlock()
			return
		}
		op := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		a.mu.Unlock()

		// The caller gave up; do not apply on its behalf.
		if err := op.ctx.Err(); err != nil {
			op.done <- result{err: err}
			continue
		}

		v, err := a.apply(op.ctx, key, op)
		op.done <- result{value: v, err: err}
	}
}

func (a *Aggregator) apply(ctx context.Context, key string, op *operation) (decimal.Decimal, error) {
	if op.name == opDelete {
		err := a.store.DeleteEntity(ctx, key)
		if err != nil && !errors.Is(err, persistence.ErrEntityNotFound) {
			return decimal.Zero, err
		}
		return decimal.Zero, nil
	}

	st, err := a.store.LoadEntity(ctx, key)
	switch {
	case errors.Is(err, persistence.ErrEntityNotFound):
		st = &api.EntityState{ID: key}
	case err != nil:
		a.logger.ErrorContext(ctx, "entity_load_failed",
			slog.String("entity", key),
			slog.Any("error", err),
		)
		return decimal.Zero, api.EntityFault(err, key)
	}

	if op.requestID != "" && st.LastRequestID == op.requestID {
		a.logger.DebugContext(ctx, "entity_duplicate_request",
			slog.String("entity", key),
			slog.String("request_id", op.requestID),
		)
		return st.LastResult, nil
	}

	var out decimal.Decimal
	switch op.name {
	case api.OpAdd:
		st.Total = st.Total.Add(op.amount)
		out = st.Total
	case api.OpCompleted:
		st.Completed = true
		out = st.Total
	}

	st.LastRequestID = op.requestID
	st.LastResult = out
	st.UpdatedAt = a.now()
	if err := a.store.SaveEntity(ctx, st); err != nil {
		return decimal.Zero, fmt.Errorf("entity %s: save: %w", key, err)
	}

	a.logger.DebugContext(ctx, "entity_applied",
		slog.String("entity", key),
		slog.String("operation", op.name),
		slog.String("total", st.Total.String()),
	)
	return out, nil
}

// Close rejects new calls and waits until every queued operation has been
// applied, or ctx ends.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
