package filter

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a filter from its arguments. Factories validate eagerly so
// configuration errors surface when routes are built, not per request.
type Factory func(args Args) (Filter, error)

// Registry maps filter names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a name twice panics.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("filter: %s registered twice", name))
	}
	r.factories[name] = f
}

// Build creates the named filter.
func (r *Registry) Build(name string, args Args) (Filter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown filter %q", name)
	}
	flt, err := f(args)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", name, err)
	}
	return flt, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
