package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/payflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when an orchestration instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists is returned by CreateInstance for a duplicate id.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrInstanceTerminal is returned when appending to, or changing the
	// status of, an instance that already reached a terminal status.
	ErrInstanceTerminal = errors.New("instance is terminal")

	// ErrStatusNotAllowed is returned by Delete when the instance exists but
	// its status is not one of the allowed statuses.
	ErrStatusNotAllowed = errors.New("instance status does not allow delete")

	// ErrEntityNotFound is returned when no state exists for an entity key.
	ErrEntityNotFound = errors.New("entity not found")
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Orchestration string
	Status        api.Status
}

// HistoryStore is the append-only, per-instance event log plus the small
// mutable instance record (status, custom status, output).
type HistoryStore interface {
	// CreateInstance persists a new instance record. It fails with
	// ErrInstanceExists if the id is taken.
	CreateInstance(ctx context.Context, inst *api.Instance) error

	// Append atomically appends ev to the instance log and assigns its Seq
	// (and At, if zero). Appends to terminal instances fail with
	// ErrInstanceTerminal.
	Append(ctx context.Context, instanceID string, ev *api.Event) error

	// ReadAll returns the instance log ordered by Seq.
	ReadAll(ctx context.Context, instanceID string) ([]api.Event, error)

	GetInstance(ctx context.Context, instanceID string) (*api.Instance, error)
	GetStatus(ctx context.Context, instanceID string) (*api.StatusSnapshot, error)

	// SetStatus moves the instance to status. Terminal statuses stamp
	// CompletedAt; leaving a terminal status fails with ErrInstanceTerminal.
	SetStatus(ctx context.Context, instanceID string, status api.Status) error
	SetCustomStatus(ctx context.Context, instanceID string, customStatus string) error
	SetOutput(ctx context.Context, instanceID string, output string) error

	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error)

	// Delete removes the instance record and its whole log in one step,
	// but only while the instance status is one of allowed. It returns
	// ErrInstanceNotFound if there is nothing to delete and
	// ErrStatusNotAllowed if the status check fails.
	Delete(ctx context.Context, instanceID string, allowed ...api.Status) error

	// ListTerminalOlderThan returns ids of instances in one of statuses
	// whose CompletedAt is before cutoff.
	ListTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses ...api.Status) ([]string, error)
}

// EntityStore keeps one latest-state record per entity key.
type EntityStore interface {
	// LoadEntity returns ErrEntityNotFound if the key has no state yet.
	LoadEntity(ctx context.Context, id string) (*api.EntityState, error)
	SaveEntity(ctx context.Context, st *api.EntityState) error

	// DeleteEntity returns ErrEntityNotFound if there was nothing to delete.
	DeleteEntity(ctx context.Context, id string) error
}

func statusAllowed(status api.Status, allowed []api.Status) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}
