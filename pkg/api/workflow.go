package api

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of an orchestration instance.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTerminated Status = "TERMINATED"
	StatusCanceled   Status = "CANCELED"
)

// TerminalStatuses lists every status an instance can never leave.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusTerminated, StatusCanceled}

// IsTerminal reports whether no further events may be appended to an
// instance in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated, StatusCanceled:
		return true
	}
	return false
}

// ErrSuspended is returned from OrchestrationContext calls whose result is
// not in history yet. Orchestration functions must return it unchanged so
// the engine can park the instance until the completion event arrives.
var ErrSuspended = errors.New("orchestration suspended")

// Instance is the persisted record of one orchestration run.
type Instance struct {
	ID            string
	Orchestration string
	Status        Status
	CustomStatus  string

	// Input is the gob-encoded start input. It is replayed to the
	// orchestration function on every Advance.
	Input []byte

	// Output holds the final result string, or the error text on failure.
	Output string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// StatusSnapshot is what external observers can query about an instance.
type StatusSnapshot struct {
	InstanceID   string
	Status       Status
	CustomStatus string
	Output       string
}

// Snapshot returns the externally visible part of the instance.
func (i *Instance) Snapshot() *StatusSnapshot {
	return &StatusSnapshot{
		InstanceID:   i.ID,
		Status:       i.Status,
		CustomStatus: i.CustomStatus,
		Output:       i.Output,
	}
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	Orchestration string
	Status        Status
}

// RetryPolicy controls how an activity is retried when it returns a
// transient error. MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// FirstRetryInterval is the delay before the second attempt. A
// BackoffCoefficient <= 1 keeps every delay at FirstRetryInterval; larger
// values grow the delay exponentially up to MaxRetryInterval (0 = no cap).
type RetryPolicy struct {
	FirstRetryInterval time.Duration
	MaxAttempts        int
	BackoffCoefficient float64
	MaxRetryInterval   time.Duration
}

// Delay returns the wait before the given attempt (2-based: attempt 2 is the
// first retry).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.FirstRetryInterval <= 0 {
		return 0
	}
	d := p.FirstRetryInterval
	if p.BackoffCoefficient > 1 {
		for i := 2; i < attempt; i++ {
			d = time.Duration(float64(d) * p.BackoffCoefficient)
			if p.MaxRetryInterval > 0 && d > p.MaxRetryInterval {
				return p.MaxRetryInterval
			}
		}
	}
	if p.MaxRetryInterval > 0 && d > p.MaxRetryInterval {
		d = p.MaxRetryInterval
	}
	return d
}

// Attempts returns MaxAttempts, treating values <= 0 as a single attempt.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// EntityState is the latest durable state of one entity key.
type EntityState struct {
	ID        string
	Total     decimal.Decimal
	Completed bool

	// LastRequestID and LastResult let a redelivered operation return its
	// original result without being applied twice.
	LastRequestID string
	LastResult    decimal.Decimal

	UpdatedAt time.Time
}

// OrchestrationContext is handed to an OrchestrationFunc on every replay.
// Every call is deterministic: it either returns the result recorded in
// history or schedules the call and returns ErrSuspended.
type OrchestrationContext interface {
	InstanceID() string

	// Input decodes the start input into out.
	Input(out any) error

	// CurrentTime is the timestamp of the newest history event replayed so
	// far. Use it instead of time.Now.
	CurrentTime() time.Time

	// CallActivity schedules the named activity with input and decodes its
	// result into out (which may be nil).
	CallActivity(name string, input any, policy *RetryPolicy, out any) error

	// CreateTimer suspends the orchestration for d. A zero duration is an
	// explicit yield point.
	CreateTimer(d time.Duration) error

	// CallEntity sends op with payload to the entity and returns its response.
	CallEntity(id EntityID, op string, payload decimal.Decimal) (decimal.Decimal, error)

	// SetCustomStatus publishes a progress label for external observers.
	SetCustomStatus(status string)

	// RequestPurge queues a cleanup request that is emitted once the
	// orchestration completes successfully.
	RequestPurge(req PurgeRequest)
}

// OrchestrationFunc is the deterministic body of an orchestration. Its
// return value becomes the instance output.
type OrchestrationFunc func(ctx OrchestrationContext) (string, error)
