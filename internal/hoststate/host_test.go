package hoststate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/graph"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/protocol"
	"github.com/kingrea/exthost/internal/supervisor"
)

func route(id string) graph.Node {
	return graph.Node{Kind: graph.NodeRoute, ID: id, Path: id}
}

func TestHostImplementsEveryConsumer(t *testing.T) {
	c := New(nil).Consumers()
	assert.NotNil(t, c.Registry)
	assert.NotNil(t, c.Graph)
	assert.NotNil(t, c.Launchers)
	assert.NotNil(t, c.Modules)
	assert.NotNil(t, c.Sections)
	assert.NotNil(t, c.Worker)
	assert.NotNil(t, c.Config)
	assert.NotNil(t, c.Reset)
}

func TestRegistryComposesWithOverrides(t *testing.T) {
	hidden := true
	cfg := config.Default()
	cfg.ComponentOverrides = map[string]extension.ComponentOverride{
		"Button": {DisplayName: "Primary button"},
		"Ghost":  {Hidden: &hidden},
	}
	h := New(cfg)
	h.RegistryContributed([]extension.RegistryContribution{
		{ModuleID: "a", Registry: extension.Registry{"Button": {DisplayName: "Button", Category: "inputs"}}},
		{ModuleID: "b", Registry: extension.Registry{"Button": {DisplayName: "Btn"}, "Card": {DisplayName: "Card"}}},
	})

	composed := h.Registry.Composed()
	assert.Equal(t, "Primary button", composed["Button"].DisplayName)
	assert.Empty(t, composed["Button"].Category, "later contribution replaces the whole entry")
	assert.NotContains(t, composed, "Ghost", "overrides never create components")
	assert.Equal(t, []string{"Button", "Card"}, h.Registry.Components())

	next := config.Default()
	h.ConfigChanged(next)
	assert.Equal(t, "Btn", h.Registry.Composed()["Button"].DisplayName)
}

func TestGraphIgnoresStalePatches(t *testing.T) {
	h := New(nil)
	sub := h.Feed().Subscribe(TopicGraph)
	defer sub.Close()

	h.GraphSnapshot("routes", graph.Snapshot{Revision: 2, Nodes: []graph.Node{route("/")}})
	h.GraphPatch("routes", graph.Patch{Revision: 2, Ops: []graph.Op{graph.UpsertNode(route("/stale"))}})
	h.GraphPatch("routes", graph.Patch{Revision: 3, Ops: []graph.Op{graph.UpsertNode(route("/about"))}})

	snap := h.Graph.Snapshot()
	assert.Len(t, snap.Nodes, 2)
	rev, ok := h.Graph.Revision("routes")
	require.True(t, ok)
	assert.Equal(t, graph.Revision(3), rev)

	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, "snapshot r2", first.Detail)
	assert.Equal(t, "patch r3 (1 ops)", second.Detail)
	select {
	case extra := <-sub.Events:
		t.Fatalf("stale patch published: %+v", extra)
	default:
	}
}

func TestLauncherDirectoryPersistsLogs(t *testing.T) {
	dir := t.TempDir()
	h := New(nil, WithLauncherLogDir(dir))
	h.LauncherRegistered(extension.LauncherDescriptor{ID: "dev", DisplayName: "Dev server"})
	h.LauncherLog("dev", extension.LogEntry{Time: time.Now(), Level: "info", Stream: "stdout", Message: "listening"})
	h.LauncherLog("ghost", extension.LogEntry{Message: "dropped"})
	h.Launchers.MarkStarted("dev", extension.LaunchResult{URL: "http://localhost:3000", ProcessID: 12})

	info, ok := h.Launchers.Get("dev")
	require.True(t, ok)
	assert.True(t, info.Running)
	assert.Equal(t, 1, info.LogLines)
	assert.NotEmpty(t, info.LogPath)

	lines, total, err := h.Launchers.Tail("dev", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Contains(t, lines[0], "[stdout] listening")
	assert.Contains(t, lines[1], `host: started (url "http://localhost:3000", pid 12)`)
	_, _, err = h.Launchers.Tail("ghost", 10)
	assert.Error(t, err)

	h.Launchers.MarkFailed("dev", "stop", errors.New("port busy"))
	h.Launchers.MarkStopped("dev")
	info, _ = h.Launchers.Get("dev")
	assert.False(t, info.Running)
	assert.Empty(t, info.URL)
	assert.Equal(t, 1, info.LogLines, "host notes are not launcher output")

	lines, total, err = h.Launchers.Tail("dev", 2)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Contains(t, lines[0], "ERROR host: stop failed: port busy")
	assert.Contains(t, lines[1], "INFO  host: stopped")
}

func TestModulesSectionsAndReset(t *testing.T) {
	h := New(nil)
	h.ModuleStatus("b", module.StatusActive, nil)
	h.ModuleStatus("a", module.StatusFailed, protocol.NewError(protocol.CodeModuleLoadFailed, "boom"))
	h.SectionRegistered(extension.Section{ID: "z", ModuleID: "a", Order: 1})
	h.SectionRegistered(extension.Section{ID: "y", ModuleID: "b", Order: 0, Title: "old"})
	h.SectionRegistered(extension.Section{ID: "y", ModuleID: "b", Order: 0, Title: "new"})
	h.LauncherRegistered(extension.LauncherDescriptor{ID: "dev"})
	h.GraphSnapshot("routes", graph.Snapshot{Revision: 1, Nodes: []graph.Node{route("/")}})

	modules := h.Modules()
	require.Len(t, modules, 2)
	assert.Equal(t, "a", modules[0].ID)
	assert.Equal(t, protocol.CodeModuleLoadFailed, modules[0].Error.Code)
	sections := h.Sections()
	require.Len(t, sections, 3)
	assert.Equal(t, "z", sections[0].ID, "sections keep arrival order")
	assert.Equal(t, "old", sections[1].Title)
	assert.Equal(t, "new", sections[2].Title)

	h.WorkerError(protocol.NewError(protocol.CodeUnhandledRejection, "oops"))
	h.ResetWorkerState()
	assert.Empty(t, h.Modules())
	assert.Empty(t, h.Sections())
	assert.Empty(t, h.Launchers.List())
	assert.Empty(t, h.Graph.Producers())
	assert.Len(t, h.Worker().Errors, 1, "worker errors survive a reset")
}

func TestWorkerStateIsTracked(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := New(nil, WithClock(func() time.Time { return now }))
	assert.Equal(t, supervisor.StateStopped, h.Worker().State)

	sub := h.Feed().Subscribe(TopicWorker)
	defer sub.Close()
	h.WorkerState(supervisor.StateFailed)
	info := h.Worker()
	assert.Equal(t, supervisor.StateFailed, info.State)
	assert.Equal(t, now, info.Since)
	event := <-sub.Events
	assert.True(t, event.Critical)
	assert.Equal(t, now, event.Time)

	for i := 0; i < maxWorkerErrors+5; i++ {
		h.WorkerError(protocol.NewError(protocol.CodeWorkerCrashed, "crash"))
	}
	assert.Len(t, h.Worker().Errors, maxWorkerErrors)
}

func TestDeactivatedModuleIsForgotten(t *testing.T) {
	h := New(nil)
	h.ModuleStatus("a", module.StatusActive, nil)
	h.ModuleStatus("b", module.StatusActive, nil)
	h.SectionRegistered(extension.Section{ID: "one", ModuleID: "a"})
	h.SectionRegistered(extension.Section{ID: "two", ModuleID: "b"})
	h.SectionRegistered(extension.Section{ID: "three", ModuleID: "a"})

	h.ModuleStatus("a", module.StatusDeactivated, nil)
	modules := h.Modules()
	require.Len(t, modules, 1)
	assert.Equal(t, "b", modules[0].ID)
	sections := h.Sections()
	require.Len(t, sections, 1)
	assert.Equal(t, "two", sections[0].ID)
}
