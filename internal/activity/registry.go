// Package activity holds the activity registry and the Activity Executor,
// which runs a named handler under a retry policy.
package activity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/payflow/internal/persistence"
	"github.com/petrijr/payflow/pkg/api"
)

// Handler is the wire form of an activity: gob-encoded input in,
// gob-encoded output out.
type Handler func(ctx context.Context, input []byte) ([]byte, error)

// Registry maps activity names to handlers. It is populated at process
// start, before any worker runs.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h. Names are unique.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	if h == nil {
		return fmt.Errorf("activity %q: nil handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("activity already registered: %s", name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered activity names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Typed adapts a typed activity function to a Handler using the gob codec.
// Input that cannot be decoded is a permanent error.
func Typed[In, Out any](fn func(ctx context.Context, in In) (Out, error)) Handler {
	return func(ctx context.Context, data []byte) ([]byte, error) {
		in, err := persistence.DecodeValue[In](data)
		if err != nil {
			return nil, api.Permanent(err, "decode activity input")
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return persistence.EncodeValue(out)
	}
}
