package modules_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/contrib"
	"github.com/kingrea/exthost/internal/loader"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/modules"
	"github.com/kingrea/exthost/internal/modules/command_launcher"
	"github.com/kingrea/exthost/internal/modules/core_components"
	"github.com/kingrea/exthost/internal/modules/overrides_promoter"
	"github.com/kingrea/exthost/internal/modules/routes"
	"github.com/kingrea/exthost/internal/protocol"
)

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) Send(m protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) statuses() map[string]module.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]module.Status{}
	for _, m := range r.msgs {
		if s, ok := m.(protocol.ModuleActivationStatus); ok {
			out[s.ModuleID] = s.Status
		}
	}
	return out
}

func TestRegisterBuiltins(t *testing.T) {
	reg := module.NewRegistry()
	modules.RegisterBuiltins(reg)
	assert.ElementsMatch(t, []string{
		core_components.Package,
		routes.Package,
		command_launcher.Package,
		overrides_promoter.Package,
	}, reg.Packages())

	modules.RegisterBuiltins(nil)
}

func TestBuiltinsActivateThroughLoader(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pages"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pages", "index.yaml"),
		[]byte("components:\n  - id: hero\n    type: Hero\n"), 0o644))

	reg := module.NewRegistry()
	modules.RegisterBuiltins(reg)
	rec := &recorder{}
	set := contrib.NewSet(rec, contrib.WithRunner(func(fn func()) { fn() }))
	l := loader.New(rec, set, loader.WithBuiltins(reg), loader.WithInterpreterOutput(io.Discard))

	cfg := config.Default()
	cfg.Modules = []config.ModuleDescriptor{
		{ID: "components", Package: core_components.Package},
		{ID: "routes", Package: routes.Package},
		{ID: "preview", Package: command_launcher.Package},
		{ID: "save", Package: overrides_promoter.Package},
	}
	require.NoError(t, l.LoadAndActivate(context.Background(), root, cfg))
	t.Cleanup(func() { _ = l.DeactivateAll(context.Background()) })

	assert.Equal(t, map[string]module.Status{
		"components": module.StatusActive,
		"routes":     module.StatusActive,
		"preview":    module.StatusActive,
		"save":       module.StatusActive,
	}, rec.statuses())

	contributions := set.Metadata.Contributions()
	require.Len(t, contributions, 1)
	assert.Equal(t, "components", contributions[0].ModuleID)

	assert.Equal(t, []string{"routes"}, set.Producers.IDs())
	descriptors := set.Launchers.Descriptors()
	require.Len(t, descriptors, 1)
	assert.Equal(t, "preview", descriptors[0].ID)

	promoter, ok := set.Promoters.Active()
	require.True(t, ok)
	plan, err := promoter.Promote(context.Background(), []extension.Override{
		{Address: "pages/index.yaml#hero", Props: map[string]any{"title": "Hi"}},
	})
	require.NoError(t, err)
	assert.Len(t, plan.Edits, 1)

	sections := set.Sections.List()
	require.Len(t, sections, 1)
	assert.Equal(t, "components", sections[0].ModuleID)
}
