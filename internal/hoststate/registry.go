package hoststate

import (
	"sort"
	"sync"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/contrib"
)

// RegistryManager keeps the latest ordered contributions from the worker
// and the host's component overrides, and composes them on demand.
type RegistryManager struct {
	mu        sync.RWMutex
	contribs  []extension.RegistryContribution
	overrides map[string]extension.ComponentOverride
}

// NewRegistryManager starts with no contributions.
func NewRegistryManager(overrides map[string]extension.ComponentOverride) *RegistryManager {
	return &RegistryManager{overrides: overrides}
}

// SetContributions replaces the contributions with the worker's latest
// ordered list.
func (r *RegistryManager) SetContributions(contribs []extension.RegistryContribution) {
	copied := append([]extension.RegistryContribution(nil), contribs...)
	r.mu.Lock()
	r.contribs = copied
	r.mu.Unlock()
}

// SetOverrides replaces the host overrides.
func (r *RegistryManager) SetOverrides(overrides map[string]extension.ComponentOverride) {
	r.mu.Lock()
	r.overrides = overrides
	r.mu.Unlock()
}

// Contributions returns the stored contributions in order.
func (r *RegistryManager) Contributions() []extension.RegistryContribution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]extension.RegistryContribution(nil), r.contribs...)
}

// Composed merges every contribution, later ids winning, then applies the
// overrides.
func (r *RegistryManager) Composed() extension.Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return contrib.Compose(r.contribs, r.overrides)
}

// Components returns the composed component ids, sorted.
func (r *RegistryManager) Components() []string {
	composed := r.Composed()
	ids := make([]string, 0, len(composed))
	for id := range composed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
