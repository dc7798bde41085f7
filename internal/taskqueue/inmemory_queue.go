package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue held in process memory. Tasks become visible
// once their NotBefore has passed; due tasks are handed out in FIFO order.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	items  []queued
	slots  chan struct{}
	notify chan struct{}
	now    func() time.Time
}

type queued struct {
	task Task
	due  time.Time
}

// NewInMemoryQueue creates a new queue with the given capacity. Enqueue
// blocks while the queue is full.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		slots:  make(chan struct{}, capacity),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	due := stamp(&t, q.now())
	q.items = append(q.items, queued{task: t, due: due})
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *InMemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// take pops the first due task. When nothing is due it returns the
// earliest future due time (zero if the queue is empty).
func (q *InMemoryQueue) take() (*Task, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next time.Time
	for i, it := range q.items {
		if !it.due.After(now) {
			t := it.task
			q.items = append(q.items[:i], q.items[i+1:]...)
			if len(q.items) > 0 {
				// Wake another waiter for the remaining tasks.
				q.signal()
			}
			return &t, time.Time{}
		}
		if next.IsZero() || it.due.Before(next) {
			next = it.due
		}
	}
	return nil, next
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		t, next := q.take()
		if t != nil {
			<-q.slots
			return t, nil
		}

		var wait <-chan time.Time
		if !next.IsZero() {
			tmr.Reset(time.Until(next))
			wait = tmr.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-wait:
		}
		stopTimer(tmr)
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
