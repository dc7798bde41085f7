package api

import (
	"context"
)

// Engine is the orchestration engine API.
type Engine interface {
	// RegisterOrchestration binds a name to an orchestration function. The
	// name is stored with every instance so replay finds the same code.
	RegisterOrchestration(name string, fn OrchestrationFunc) error

	// Start creates a Pending instance, records its input and schedules its
	// first Advance. It returns the new instance id.
	Start(ctx context.Context, name string, input any) (string, error)

	// Advance appends ev (nil for a plain wake-up) to the instance history
	// and replays the orchestration to its next suspension point.
	//
	// Events for terminal instances are discarded. A duplicate completion
	// is not recorded again, but the instance is still replayed so an
	// Advance that failed partway is finished by redelivery.
	Advance(ctx context.Context, instanceID string, ev *Event) (*StatusSnapshot, error)

	// GetStatus returns status, custom status and output of an instance.
	GetStatus(ctx context.Context, instanceID string) (*StatusSnapshot, error)

	// History returns the ordered event log of an instance.
	History(ctx context.Context, instanceID string) ([]Event, error)

	// ListInstances returns instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*Instance, error)

	// Terminate stops an instance at its next suspension point. Running
	// instances become Terminated, Pending ones Canceled. Results of calls
	// already in flight are discarded when they arrive.
	Terminate(ctx context.Context, instanceID string, reason string) error

	// RecoverInstances re-dispatches the outstanding calls of every live
	// instance, for example after a crash lost queued tasks. It returns the
	// number of instances touched.
	//
	// Completions are deduplicated, so running it while workers are active
	// is safe; the cost is at-least-once activity execution.
	RecoverInstances(ctx context.Context) (int, error)
}
