package tui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/graph"
	"github.com/kingrea/exthost/internal/hoststate"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/protocol"
	"github.com/kingrea/exthost/internal/supervisor"
)

type stubController struct {
	started map[string]extension.LaunchOptions
	stopped []string
	err     error
}

func (c *stubController) StartLauncher(_ context.Context, id string, opts extension.LaunchOptions) (extension.LaunchResult, error) {
	if c.err != nil {
		return extension.LaunchResult{}, c.err
	}
	if c.started == nil {
		c.started = map[string]extension.LaunchOptions{}
	}
	c.started[id] = opts
	return extension.LaunchResult{URL: "http://localhost:3000", ProcessID: 7}, nil
}

func (c *stubController) StopLauncher(_ context.Context, id string) error {
	c.stopped = append(c.stopped, id)
	return c.err
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "shift+tab":
		return tea.KeyMsg{Type: tea.KeyShiftTab}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func newTestHost(t *testing.T) *hoststate.Host {
	t.Helper()
	host := hoststate.New(nil, hoststate.WithLauncherLogDir(t.TempDir()))
	host.WorkerState(supervisor.StateReady)
	host.ModuleStatus("routes", module.StatusActive, nil)
	host.GraphSnapshot("routes", graph.Snapshot{Revision: 1, Nodes: []graph.Node{{Kind: graph.NodeRoute, ID: "/about", Path: "/about"}}})
	host.LauncherRegistered(extension.LauncherDescriptor{ID: "dev", DisplayName: "Dev server", SupportedSessionTypes: []string{"web"}})
	host.LauncherLog("dev", extension.LogEntry{Time: time.Now(), Level: "info", Stream: "stdout", Message: "compiled in 80ms"})
	return host
}

func newTestApp(t *testing.T, host *hoststate.Host, opts ...AppOption) *App {
	t.Helper()
	app := NewApp(host, opts...)
	t.Cleanup(app.Close)
	app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return app
}

func TestDashboardPanesFollowHostState(t *testing.T) {
	app := newTestApp(t, newTestHost(t))
	view := app.View()
	assert.Contains(t, view, "EXTHOST")
	assert.Contains(t, view, "ready")
	assert.Contains(t, view, "routes")
	assert.Equal(t, "routes", app.selectedID())

	app.Update(key("tab"))
	assert.Equal(t, paneLaunchers, app.pane)
	assert.Equal(t, "dev", app.selectedID())

	app.Update(key("tab"))
	assert.Equal(t, paneGraph, app.pane)
	assert.Equal(t, "/about", app.selectedID())

	app.Update(key("shift+tab"))
	app.Update(key("shift+tab"))
	app.Update(key("shift+tab"))
	assert.Equal(t, paneSections, app.pane, "panes wrap around")
	assert.Empty(t, app.selectedID())
}

func TestSelectionRecoversAfterEmptyPane(t *testing.T) {
	host := hoststate.New(nil, hoststate.WithLauncherLogDir(t.TempDir()))
	app := newTestApp(t, host)
	app.selectPane(paneLaunchers)
	assert.Empty(t, app.selectedID())

	host.LauncherRegistered(extension.LauncherDescriptor{ID: "dev", DisplayName: "Dev server"})
	app.refresh()
	assert.Equal(t, "dev", app.selectedID(), "rows arriving in an empty pane get selected")

	app.selectPane(paneSections)
	app.selectPane(paneLaunchers)
	assert.Equal(t, 0, app.table.Cursor())
	assert.Equal(t, "dev", app.selectedID())
}

func TestStartAndStopLauncher(t *testing.T) {
	host := newTestHost(t)
	ctrl := &stubController{}
	app := newTestApp(t, host, WithController(ctrl), WithLaunchOptions(extension.LaunchOptions{SessionType: "web"}))
	app.selectPane(paneLaunchers)

	_, cmd := app.Update(key("s"))
	require.NotNil(t, cmd)
	assert.Contains(t, app.View(), "start...")
	_, again := app.Update(key("s"))
	assert.Nil(t, again, "a second start while busy is refused")

	app.Update(cmd())
	assert.Equal(t, "web", ctrl.started["dev"].SessionType)
	info, ok := host.Launchers.Get("dev")
	require.True(t, ok)
	assert.True(t, info.Running)
	assert.Contains(t, app.statusMsg, "http://localhost:3000")

	_, cmd = app.Update(key("x"))
	require.NotNil(t, cmd)
	app.Update(cmd())
	assert.Equal(t, []string{"dev"}, ctrl.stopped)
	info, _ = host.Launchers.Get("dev")
	assert.False(t, info.Running)
}

func TestLauncherFailureIsReported(t *testing.T) {
	host := newTestHost(t)
	ctrl := &stubController{err: protocol.NewError(protocol.CodeLauncherStartFailed, "port in use")}
	app := newTestApp(t, host, WithController(ctrl))
	app.selectPane(paneLaunchers)

	_, cmd := app.Update(key("s"))
	require.NotNil(t, cmd)
	app.Update(cmd())
	assert.Contains(t, app.statusMsg, "port in use")
	info, _ := host.Launchers.Get("dev")
	assert.False(t, info.Running)
}

func TestActionsNeedController(t *testing.T) {
	app := newTestApp(t, newTestHost(t))
	app.selectPane(paneLaunchers)
	_, cmd := app.Update(key("s"))
	assert.Nil(t, cmd)
	assert.Equal(t, "No worker attached", app.statusMsg)
}

func TestLauncherViewShowsLog(t *testing.T) {
	app := newTestApp(t, newTestHost(t))
	app.selectPane(paneLaunchers)
	app.Update(key("enter"))
	require.Equal(t, stateLauncher, app.state)
	view := app.View()
	assert.Contains(t, view, "Dev server")
	assert.Contains(t, view, "compiled in 80ms")
	assert.Contains(t, view, "Sessions: web")

	_, cmd := app.Update(key("q"))
	assert.Nil(t, cmd, "q does not quit from the launcher view")
	app.Update(key("esc"))
	assert.Equal(t, stateDashboard, app.state)
	assert.Nil(t, app.launcherView)
}

func TestFeedEventsReachThePanel(t *testing.T) {
	host := hoststate.New(nil)
	app := newTestApp(t, host)

	host.ModuleStatus("broken", module.StatusFailed, protocol.NewError(protocol.CodeModuleLoadFailed, "syntax error"))
	msg := app.waitForEvent()()
	event, ok := msg.(feedEventMsg)
	require.True(t, ok)
	require.True(t, event.ok)
	_, next := app.Update(event)
	assert.NotNil(t, next, "the app keeps listening")

	view := app.View()
	assert.Contains(t, view, "EVENTS")
	assert.Contains(t, view, "broken: failed: syntax error")
	assert.Equal(t, "broken", app.selectedID())
}

func TestQuitKeys(t *testing.T) {
	app := newTestApp(t, hoststate.New(nil))
	_, cmd := app.Update(key("q"))
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
}

func TestClosedFeedStopsListening(t *testing.T) {
	app := NewApp(hoststate.New(nil))
	app.Close()
	msg := app.waitForEvent()()
	_, cmd := app.Update(msg)
	assert.Nil(t, cmd)
}
