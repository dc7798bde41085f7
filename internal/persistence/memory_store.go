package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/payflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// HistoryStore and EntityStore backed by maps.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.Instance
	events    map[string][]api.Event
	entities  map[string]*api.EntityState
	now       func() time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.Instance),
		events:    make(map[string][]api.Event),
		entities:  make(map[string]*api.EntityState),
		now:       time.Now,
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ HistoryStore = (*InMemoryStore)(nil)

var _ EntityStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrInstanceExists
	}
	cp := *inst
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) Append(ctx context.Context, instanceID string, ev *api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.Status.IsTerminal() {
		return ErrInstanceTerminal
	}

	ev.InstanceID = instanceID
	ev.Seq = int64(len(s.events[instanceID]) + 1)
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.events[instanceID] = append(s.events[instanceID], *ev)
	inst.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instances[instanceID]; !ok {
		return nil, ErrInstanceNotFound
	}
	out := make([]api.Event, len(s.events[instanceID]))
	copy(out, s.events[instanceID])
	return out, nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, instanceID string) (*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) GetStatus(ctx context.Context, instanceID string) (*api.StatusSnapshot, error) {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

func (s *InMemoryStore) SetStatus(ctx context.Context, instanceID string, status api.Status) error {
	return s.update(instanceID, func(inst *api.Instance) error {
		if inst.Status.IsTerminal() {
			return ErrInstanceTerminal
		}
		inst.Status = status
		if status.IsTerminal() {
			inst.CompletedAt = s.now()
		}
		return nil
	})
}

func (s *InMemoryStore) SetCustomStatus(ctx context.Context, instanceID string, customStatus string) error {
	return s.update(instanceID, func(inst *api.Instance) error {
		inst.CustomStatus = customStatus
		return nil
	})
}

func (s *InMemoryStore) SetOutput(ctx context.Context, instanceID string, output string) error {
	return s.update(instanceID, func(inst *api.Instance) error {
		inst.Output = output
		return nil
	})
}

func (s *InMemoryStore) update(instanceID string, fn func(inst *api.Instance) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if err := fn(inst); err != nil {
		return err
	}
	inst.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Instance

	for _, inst := range s.instances {
		if filter.Orchestration != "" && inst.Orchestration != filter.Orchestration {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, instanceID string, allowed ...api.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if !statusAllowed(inst.Status, allowed) {
		return ErrStatusNotAllowed
	}
	delete(s.instances, instanceID)
	delete(s.events, instanceID)
	return nil
}

func (s *InMemoryStore) ListTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses ...api.Status) ([]string, error) {
	if len(statuses) == 0 {
		statuses = api.TerminalStatuses
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, inst := range s.instances {
		if !inst.Status.IsTerminal() || !statusAllowed(inst.Status, statuses) {
			continue
		}
		if inst.CompletedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) LoadEntity(ctx context.Context, id string) (*api.EntityState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *InMemoryStore) SaveEntity(ctx context.Context, st *api.EntityState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	s.entities[st.ID] = &cp
	return nil
}

func (s *InMemoryStore) DeleteEntity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[id]; !ok {
		return ErrEntityNotFound
	}
	delete(s.entities, id)
	return nil
}
