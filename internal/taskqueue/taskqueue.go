// Package taskqueue carries work between the orchestration engine and the
// workers: replay triggers, activity and entity calls, due timers and purge
// requests.
package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/payflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskAdvance replays an instance, optionally delivering Event.
	TaskAdvance TaskType = "advance"
	// TaskActivity runs an activity handler.
	TaskActivity TaskType = "activity"
	// TaskTimer delivers a due timer back to its instance.
	TaskTimer TaskType = "timer"
	// TaskEntity runs one entity operation.
	TaskEntity TaskType = "entity"
	// TaskPurge carries a cleanup queue message.
	TaskPurge TaskType = "purge"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	InstanceID string

	// TaskID is the orchestration call ordinal the task answers to.
	TaskID int

	// Name is the activity name or entity operation.
	Name string

	// Target is the entity key (entity tasks) or the purge message
	// (purge tasks).
	Target string

	// Payload is task-type specific:
	//   - activity: gob-encoded activity input
	//   - entity: gob-encoded decimal operand
	Payload []byte

	// Event is delivered to the instance by advance tasks. Nil means
	// "just replay".
	Event *api.Event

	Retry api.RetryPolicy

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time
}

// Ready reports whether t may be handed out at now.
func (t *Task) Ready(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, due or not.
	Len() int
}
