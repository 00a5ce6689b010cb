package exec

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps runtime kinds to their implementations.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[Kind]Runtime
}

// NewRegistry creates a registry holding the given runtimes.
func NewRegistry(runtimes ...Runtime) *Registry {
	r := &Registry{runtimes: make(map[Kind]Runtime)}
	for _, rt := range runtimes {
		_ = r.Register(rt)
	}
	return r
}

// Register adds or replaces the runtime for its kind.
func (r *Registry) Register(rt Runtime) error {
	if rt == nil {
		return fmt.Errorf("runtime cannot be nil")
	}
	kind := rt.Kind()
	if !kind.Valid() {
		return fmt.Errorf("unknown runtime kind '%s'", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[kind] = rt
	return nil
}

// Get returns the runtime registered for kind.
func (r *Registry) Get(kind Kind) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, exists := r.runtimes[kind]
	if !exists {
		return nil, fmt.Errorf("runtime '%s' not registered", kind)
	}
	return rt, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.runtimes))
	for k := range r.runtimes {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
