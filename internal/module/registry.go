package module

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a fresh module instance. Each activation gets its own
// instance so reloads never observe state from a previous activation.
type Factory func() Builtin

// Registry maintains the modules compiled into the worker, keyed by
// package specifier. It backs process-global package resolution.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a module factory. Returns an error if the package already exists.
func (r *Registry) Register(pkg string, factory Factory) error {
	if pkg == "" {
		return fmt.Errorf("module: package is required")
	}
	if factory == nil {
		return fmt.Errorf("module: factory is required for %s", pkg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[pkg]; exists {
		return fmt.Errorf("module: %s already registered", pkg)
	}
	r.factories[pkg] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(pkg string, factory Factory) {
	if err := r.Register(pkg, factory); err != nil {
		panic(err)
	}
}

// Has reports whether pkg is registered.
func (r *Registry) Has(pkg string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[pkg]
	return ok
}

// Resolve constructs a module by package specifier.
func (r *Registry) Resolve(pkg string) (Builtin, error) {
	r.mu.RLock()
	factory, ok := r.factories[pkg]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module: unknown package %s", pkg)
	}
	mod := factory()
	if mod == nil {
		return nil, fmt.Errorf("module: factory for %s returned nil", pkg)
	}
	if err := mod.Info().Validate(); err != nil {
		return nil, err
	}
	return mod, nil
}

// Packages returns a sorted list of registered package specifiers.
func (r *Registry) Packages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
