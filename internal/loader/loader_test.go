package loader

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/contrib"
	"github.com/kingrea/exthost/internal/module"
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

func (r *recorder) statuses() []protocol.ModuleActivationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.ModuleActivationStatus
	for _, m := range r.msgs {
		if s, ok := m.(protocol.ModuleActivationStatus); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) last() protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

type testModule struct {
	module.Base
	activate   func(*extension.Context) error
	deactivate func() error
}

func (m testModule) Activate(ctx *extension.Context) error { return m.activate(ctx) }

func (m testModule) Deactivate() error {
	if m.deactivate == nil {
		return nil
	}
	return m.deactivate()
}

func register(reg *module.Registry, pkg string, activate func(*extension.Context) error, deactivate func() error) {
	info := module.Info{Package: pkg, Name: pkg, Version: "1.0.0"}
	reg.MustRegister(pkg, func() module.Builtin {
		return testModule{Base: module.NewBase(info), activate: activate, deactivate: deactivate}
	})
}

func contribute(id string) func(*extension.Context) error {
	return func(ctx *extension.Context) error {
		ctx.Registry().ContributeRegistry(extension.Registry{id: {DisplayName: id}})
		return nil
	}
}

func newTestLoader(t *testing.T, reg *module.Registry) (*Loader, *recorder, *contrib.Set) {
	t.Helper()
	rec := &recorder{}
	set := contrib.NewSet(rec, contrib.WithRunner(func(fn func()) { fn() }))
	return New(rec, set, WithBuiltins(reg), WithInterpreterOutput(io.Discard)), rec, set
}

func TestFailingModuleDoesNotStopOthers(t *testing.T) {
	reg := module.NewRegistry()
	register(reg, "@test/throws", func(ctx *extension.Context) error {
		ctx.Registry().ContributeRegistry(extension.Registry{"Leaked": {}})
		return errors.New("activation exploded")
	}, nil)
	register(reg, "@test/panics", func(*extension.Context) error { panic("kaboom") }, nil)
	register(reg, "@test/ok", contribute("Button"), nil)

	root := t.TempDir()
	cfg := &config.Config{Modules: []config.ModuleDescriptor{
		{ID: "escape", Path: "../../etc/passwd"},
		{ID: "throws", Package: "@test/throws"},
		{ID: "panics", Package: "@test/panics"},
		{ID: "ok", Package: "@test/ok"},
	}}
	l, rec, _ := newTestLoader(t, reg)
	require.NoError(t, l.LoadAndActivate(context.Background(), root, cfg))

	final := map[string]protocol.ModuleActivationStatus{}
	for _, s := range rec.statuses() {
		final[s.ModuleID] = s
	}
	for _, id := range []string{"escape", "throws", "panics"} {
		require.Equal(t, module.StatusFailed, final[id].Status, id)
		require.NotNil(t, final[id].Error, id)
		assert.Equal(t, protocol.CodeModuleLoadFailed, final[id].Error.Code, id)
	}
	assert.NotEmpty(t, final["panics"].Error.Stack)
	assert.Equal(t, module.StatusActive, final["ok"].Status)
	assert.Equal(t, []string{"ok"}, l.Loaded())

	contribution, ok := rec.last().(protocol.RegistryContribution)
	require.True(t, ok, "registry-contribution closes the pass")
	require.Len(t, contribution.Registries, 1, "failed activation releases its registrations")
	assert.Equal(t, "ok", contribution.Registries[0].ModuleID)
}

func TestDeactivateAllContinuesPastFailures(t *testing.T) {
	reg := module.NewRegistry()
	var order []string
	register(reg, "@test/a", contribute("A"), func() error {
		order = append(order, "a")
		return errors.New("a refused")
	})
	register(reg, "@test/b", contribute("B"), func() error {
		order = append(order, "b")
		panic("b panicked")
	})
	register(reg, "@test/c", contribute("C"), func() error {
		order = append(order, "c")
		return nil
	})
	cfg := &config.Config{Modules: []config.ModuleDescriptor{
		{ID: "a", Package: "@test/a"},
		{ID: "b", Package: "@test/b"},
		{ID: "c", Package: "@test/c"},
	}}
	l, _, set := newTestLoader(t, reg)
	require.NoError(t, l.LoadAndActivate(context.Background(), t.TempDir(), cfg))
	require.Len(t, set.Metadata.Contributions(), 3)

	err := l.DeactivateAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a refused")
	assert.Contains(t, err.Error(), "b panicked")
	assert.Equal(t, []string{"c", "b", "a"}, order)
	assert.Empty(t, set.Metadata.Contributions(), "disposables released")
	for id, status := range l.Statuses() {
		assert.Equal(t, module.StatusDeactivated, status, id)
	}
}

func TestReloadStartsFromCleanRegistries(t *testing.T) {
	reg := module.NewRegistry()
	register(reg, "@test/a", contribute("A"), nil)
	register(reg, "@test/b", contribute("B"), nil)
	l, rec, set := newTestLoader(t, reg)
	root := t.TempDir()

	require.NoError(t, l.LoadAndActivate(context.Background(), root, &config.Config{Modules: []config.ModuleDescriptor{{ID: "a", Package: "@test/a"}}}))
	require.NoError(t, l.Reload(context.Background(), root, &config.Config{Modules: []config.ModuleDescriptor{{ID: "b", Package: "@test/b"}}}))

	contribs := set.Metadata.Contributions()
	require.Len(t, contribs, 1)
	assert.Equal(t, "b", contribs[0].ModuleID)
	assert.Equal(t, map[string]module.Status{"b": module.StatusActive}, l.Statuses())
	last := rec.last().(protocol.RegistryContribution)
	require.Len(t, last.Registries, 1)
}

const interpretedModule = `package main

import (
	"errors"

	"github.com/kingrea/exthost/extension"
)

func Activate(ctx *extension.Context) error {
	ctx.Registry().ContributeRegistry(extension.Registry{
		"Hero": extension.ComponentMeta{DisplayName: "Hero banner", Category: "marketing"},
	})
	ctx.UI().RegisterInspectorSection(extension.Section{ID: "hero", Title: "Hero"})
	return nil
}

func Deactivate() error {
	return errors.New("hero teardown")
}
`

func TestInterpretedWorkspaceModule(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "hero.go"), interpretedModule)
	writeFile(t, filepath.Join(root, "broken.go"), "package main\n\nfunc Other() {}\n")

	cfg := &config.Config{Modules: []config.ModuleDescriptor{
		{ID: "broken", Path: "./broken.go"},
		{ID: "hero", Path: "./hero.go"},
	}}
	l, rec, set := newTestLoader(t, module.NewRegistry())
	require.NoError(t, l.LoadAndActivate(context.Background(), root, cfg))

	statuses := l.Statuses()
	assert.Equal(t, module.StatusFailed, statuses["broken"])
	assert.Equal(t, module.StatusActive, statuses["hero"])

	contribution := rec.last().(protocol.RegistryContribution)
	require.Len(t, contribution.Registries, 1)
	assert.Equal(t, "Hero banner", contribution.Registries[0].Registry["Hero"].DisplayName)
	require.Len(t, set.Sections.List(), 1)
	assert.Equal(t, "hero", set.Sections.List()[0].ModuleID)

	err := l.DeactivateAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hero teardown")
	assert.Empty(t, set.Sections.List())
}

func TestLoadAndActivateRequiresConfig(t *testing.T) {
	l, _, _ := newTestLoader(t, module.NewRegistry())
	assert.Error(t, l.LoadAndActivate(context.Background(), t.TempDir(), nil))
}
