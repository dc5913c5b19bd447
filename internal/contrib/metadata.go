package contrib

import (
	"sync"

	"github.com/kingrea/exthost/extension"
)

type metadataEntry struct {
	moduleID string
	registry extension.Registry
}

// Metadata accumulates registry contributions in arrival order.
type Metadata struct {
	mu      sync.Mutex
	entries []*metadataEntry
}

// NewMetadata returns an empty accumulator.
func NewMetadata() *Metadata {
	return &Metadata{}
}

// Contribute appends r on behalf of moduleID. Disposing the result removes
// the contribution.
func (m *Metadata) Contribute(moduleID string, r extension.Registry) extension.Disposable {
	entry := &metadataEntry{moduleID: moduleID, registry: cloneRegistry(r)}
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return extension.DisposeFunc(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.entries {
			if e == entry {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
				break
			}
		}
		return nil
	})
}

// Contributions returns the ordered contributions.
func (m *Metadata) Contributions() []extension.RegistryContribution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]extension.RegistryContribution, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, extension.RegistryContribution{ModuleID: e.moduleID, Registry: cloneRegistry(e.registry)})
	}
	return out
}

// Reset drops every contribution.
func (m *Metadata) Reset() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}

// Compose folds contributions in order. A later entry for an id replaces
// the earlier one entirely; overrides are then applied field by field.
// Overrides for ids no module contributed are ignored.
func Compose(contribs []extension.RegistryContribution, overrides map[string]extension.ComponentOverride) extension.Registry {
	out := extension.Registry{}
	for _, c := range contribs {
		for id, meta := range c.Registry {
			out[id] = cloneMeta(meta)
		}
	}
	for id, override := range overrides {
		meta, ok := out[id]
		if !ok {
			continue
		}
		out[id] = applyOverride(meta, override)
	}
	return out
}

func applyOverride(meta extension.ComponentMeta, o extension.ComponentOverride) extension.ComponentMeta {
	if o.DisplayName != "" {
		meta.DisplayName = o.DisplayName
	}
	if o.Description != "" {
		meta.Description = o.Description
	}
	if o.Category != "" {
		meta.Category = o.Category
	}
	if o.Icon != "" {
		meta.Icon = o.Icon
	}
	if o.Hidden != nil {
		meta.Hidden = *o.Hidden
	}
	if len(o.Props) > 0 {
		if meta.Props == nil {
			meta.Props = make(map[string]extension.PropDefinition, len(o.Props))
		}
		for name, prop := range o.Props {
			meta.Props[name] = prop
		}
	}
	return meta
}

func cloneRegistry(r extension.Registry) extension.Registry {
	if r == nil {
		return extension.Registry{}
	}
	out := make(extension.Registry, len(r))
	for id, meta := range r {
		out[id] = cloneMeta(meta)
	}
	return out
}

func cloneMeta(meta extension.ComponentMeta) extension.ComponentMeta {
	if meta.Props != nil {
		props := make(map[string]extension.PropDefinition, len(meta.Props))
		for name, prop := range meta.Props {
			props[name] = prop
		}
		meta.Props = props
	}
	return meta
}
