package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/payflow/pkg/api"
)

type orchestrationRegistry struct {
	mu     sync.RWMutex
	byName map[string]api.OrchestrationFunc
}

func newOrchestrationRegistry() *orchestrationRegistry {
	return &orchestrationRegistry{
		byName: make(map[string]api.OrchestrationFunc),
	}
}

func (r *orchestrationRegistry) Register(name string, fn api.OrchestrationFunc) error {
	if name == "" {
		return errors.New("orchestration name is required")
	}
	if fn == nil {
		return fmt.Errorf("orchestration %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("orchestration already registered: %s", name)
	}
	r.byName[name] = fn
	return nil
}

func (r *orchestrationRegistry) Get(name string) (api.OrchestrationFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown orchestration: %s", name)
	}
	return fn, nil
}

func (r *orchestrationRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
