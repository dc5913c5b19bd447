// internal/tui/app.go
//
// This is the terminal dashboard for the extension host. It uses
// bubbletea, which follows The Elm Architecture:
//
// 1. Model: the dashboard state (host views, selected pane, recent events)
// 2. Update: a function that updates state based on messages
// 3. View: a function that renders state to a string
//
// Host state changes arrive through the change feed; a slow tick refreshes
// anything the feed does not announce.

package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/hoststate"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/supervisor"
)

// appState represents which "screen" we're on
type appState int

const (
	stateDashboard appState = iota // Pane tabs and the selected table
	stateLauncher                  // One launcher with its log tail
)

const (
	boardRefreshInterval  = 3 * time.Second
	defaultRequestTimeout = 2 * time.Minute
	maxRecentEvents       = 8
)

// pane is one tab of the dashboard.
type pane int

const (
	paneModules pane = iota
	paneLaunchers
	paneGraph
	paneRegistry
	paneSections
)

var paneOrder = []pane{paneModules, paneLaunchers, paneGraph, paneRegistry, paneSections}

func (p pane) title() string {
	switch p {
	case paneModules:
		return "Modules"
	case paneLaunchers:
		return "Launchers"
	case paneGraph:
		return "Graph"
	case paneRegistry:
		return "Registry"
	case paneSections:
		return "Sections"
	default:
		return "?"
	}
}

// Controller drives launchers in the worker. *supervisor.Supervisor
// satisfies it.
type Controller interface {
	StartLauncher(ctx context.Context, launcherID string, opts extension.LaunchOptions) (extension.LaunchResult, error)
	StopLauncher(ctx context.Context, launcherID string) error
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithController enables launcher start and stop keys.
func WithController(c Controller) AppOption {
	return func(a *App) {
		a.controller = c
	}
}

// WithLaunchOptions sets the options sent with every launcher start.
func WithLaunchOptions(opts extension.LaunchOptions) AppOption {
	return func(a *App) {
		a.launchOpts = opts
	}
}

// WithLogger records dashboard actions.
func WithLogger(l *logging.Logger) AppOption {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRequestTimeout bounds launcher requests issued from the dashboard.
func WithRequestTimeout(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.requestTimeout = d
		}
	}
}

type refreshTickMsg struct{}

type feedEventMsg struct {
	event hoststate.Event
	ok    bool
}

type launcherActionMsg struct {
	id     string
	action string
	result extension.LaunchResult
	err    error
}

// App is the dashboard model. In bubbletea, this holds ALL your state.
type App struct {
	state          appState
	host           *hoststate.Host
	controller     Controller
	launchOpts     extension.LaunchOptions
	requestTimeout time.Duration
	logger         *logging.Logger
	sub            hoststate.Subscription

	pane         pane
	table        table.Model
	spinner      spinner.Model
	launcherView *launcherView

	worker    hoststate.WorkerInfo
	events    []hoststate.Event
	statusMsg string
	busy      map[string]string

	// Window size (we get this from bubbletea)
	width  int
	height int
}

// NewApp builds a dashboard over host and subscribes to its change feed.
// Call Close once the program exits.
func NewApp(host *hoststate.Host, opts ...AppOption) *App {
	app := &App{
		state:          stateDashboard,
		host:           host,
		requestTimeout: defaultRequestTimeout,
		logger:         logging.NewNop(),
		table:          table.New(table.WithFocused(true), table.WithHeight(10)),
		spinner:        spinner.New(spinner.WithSpinner(spinner.Dot)),
		busy:           map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	app.sub = host.Feed().Subscribe(hoststate.TopicAll)
	app.refresh()
	return app
}

// Close releases the feed subscription.
func (a *App) Close() {
	a.sub.Close()
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.waitForEvent(), a.scheduleRefresh())
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.table.SetWidth(max(20, msg.Width-4))
		a.table.SetHeight(max(5, msg.Height-maxRecentEvents-10))
		if a.launcherView != nil {
			a.launcherView.resize(msg.Width, msg.Height)
		}
		return a, nil

	case feedEventMsg:
		if !msg.ok {
			return a, nil
		}
		a.events = append(a.events, msg.event)
		if len(a.events) > maxRecentEvents {
			a.events = a.events[len(a.events)-maxRecentEvents:]
		}
		a.refresh()
		return a, a.waitForEvent()

	case refreshTickMsg:
		a.refresh()
		return a, a.scheduleRefresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case launcherActionMsg:
		delete(a.busy, msg.id)
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("%s %s failed: %v", msg.action, msg.id, msg.err)
			a.host.Launchers.MarkFailed(msg.id, msg.action, msg.err)
			a.logger.Warnw("tui: launcher action failed", "launcher", msg.id, "action", msg.action, "error", msg.err)
		} else if msg.action == "start" {
			a.host.Launchers.MarkStarted(msg.id, msg.result)
			a.statusMsg = fmt.Sprintf("%s running at %s", msg.id, msg.result.URL)
		} else {
			a.host.Launchers.MarkStopped(msg.id)
			a.statusMsg = fmt.Sprintf("%s stopped", msg.id)
		}
		a.refresh()
		return a, nil

	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "ctrl+c":
			return a, tea.Quit
		case "q":
			if a.state == stateDashboard {
				return a, tea.Quit
			}
		case "esc":
			if a.state == stateLauncher {
				a.state = stateDashboard
				a.launcherView = nil
				return a, nil
			}
		case "r":
			a.statusMsg = "Refreshed"
			a.refresh()
			return a, nil
		case "tab", "right", "l":
			if a.state == stateDashboard {
				a.selectPane(a.pane + 1)
				return a, nil
			}
		case "shift+tab", "left", "h":
			if a.state == stateDashboard {
				a.selectPane(a.pane - 1)
				return a, nil
			}
		case "enter":
			if a.state == stateDashboard && a.pane == paneLaunchers {
				if id := a.selectedID(); id != "" {
					a.launcherView = newLauncherView(a, id)
					a.launcherView.resize(a.width, a.height)
					a.state = stateLauncher
				}
				return a, nil
			}
		case "s":
			if id := a.actionTarget(); id != "" {
				return a, a.startLauncher(id)
			}
		case "x":
			if id := a.actionTarget(); id != "" {
				return a, a.stopLauncher(id)
			}
		}
	}

	var cmd tea.Cmd
	switch a.state {
	case stateDashboard:
		a.table, cmd = a.table.Update(msg)
	case stateLauncher:
		if a.launcherView != nil {
			cmd = a.launcherView.Update(msg)
		}
	}
	return a, cmd
}

func (a *App) waitForEvent() tea.Cmd {
	events := a.sub.Events
	return func() tea.Msg {
		event, ok := <-events
		return feedEventMsg{event: event, ok: ok}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func (a *App) selectPane(p pane) {
	n := pane(len(paneOrder))
	a.pane = (p%n + n) % n
	a.table.SetRows(nil)
	a.refresh()
	a.table.SetCursor(0)
}

// actionTarget is the launcher the s and x keys act on, or "".
func (a *App) actionTarget() string {
	if a.controller == nil {
		a.statusMsg = "No worker attached"
		return ""
	}
	var id string
	switch {
	case a.state == stateLauncher && a.launcherView != nil:
		id = a.launcherView.id
	case a.state == stateDashboard && a.pane == paneLaunchers:
		id = a.selectedID()
	}
	if id == "" {
		return ""
	}
	if action, ok := a.busy[id]; ok {
		a.statusMsg = fmt.Sprintf("%s: %s already in progress", id, action)
		return ""
	}
	return id
}

func (a *App) selectedID() string {
	row := a.table.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

func (a *App) startLauncher(id string) tea.Cmd {
	a.busy[id] = "start"
	a.statusMsg = fmt.Sprintf("Starting %s...", id)
	a.refresh()
	ctrl, opts, timeout := a.controller, a.launchOpts, a.requestTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		result, err := ctrl.StartLauncher(ctx, id, opts)
		return launcherActionMsg{id: id, action: "start", result: result, err: err}
	}
}

func (a *App) stopLauncher(id string) tea.Cmd {
	a.busy[id] = "stop"
	a.statusMsg = fmt.Sprintf("Stopping %s...", id)
	a.refresh()
	ctrl, timeout := a.controller, a.requestTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return launcherActionMsg{id: id, action: "stop", err: ctrl.StopLauncher(ctx, id)}
	}
}

// refresh rebuilds the table for the selected pane from the host views.
func (a *App) refresh() {
	a.worker = a.host.Worker()
	cols, rows := a.paneContent()
	a.table.SetRows(nil)
	a.table.SetColumns(cols)
	a.table.SetRows(rows)
	// SetRows clamps the cursor to -1 while the table is empty.
	switch cursor := a.table.Cursor(); {
	case cursor >= len(rows):
		a.table.SetCursor(max(0, len(rows)-1))
	case cursor < 0 && len(rows) > 0:
		a.table.SetCursor(0)
	}
	if a.launcherView != nil {
		a.launcherView.refresh()
	}
}

func (a *App) paneContent() ([]table.Column, []table.Row) {
	switch a.pane {
	case paneLaunchers:
		cols := []table.Column{{Title: "ID", Width: 18}, {Title: "Name", Width: 22}, {Title: "State", Width: 10}, {Title: "URL", Width: 28}, {Title: "Logs", Width: 6}}
		var rows []table.Row
		for _, l := range a.host.Launchers.List() {
			state := "idle"
			if action, ok := a.busy[l.Descriptor.ID]; ok {
				state = action + "..."
			} else if l.Running {
				state = "running"
			}
			rows = append(rows, table.Row{l.Descriptor.ID, l.Descriptor.DisplayName, state, l.URL, fmt.Sprint(l.LogLines)})
		}
		return cols, rows
	case paneGraph:
		cols := []table.Column{{Title: "ID", Width: 24}, {Title: "Kind", Width: 10}, {Title: "Path / Name", Width: 24}, {Title: "File", Width: 24}}
		var rows []table.Row
		for _, n := range a.host.Graph.Snapshot().Nodes {
			label := n.Path
			if label == "" {
				label = n.Name
			}
			rows = append(rows, table.Row{n.ID, string(n.Kind), label, n.File})
		}
		return cols, rows
	case paneRegistry:
		cols := []table.Column{{Title: "Component", Width: 22}, {Title: "Display name", Width: 24}, {Title: "Category", Width: 14}, {Title: "Props", Width: 6}}
		composed := a.host.Registry.Composed()
		var rows []table.Row
		for _, id := range sortedKeys(composed) {
			meta := composed[id]
			rows = append(rows, table.Row{id, meta.DisplayName, meta.Category, fmt.Sprint(len(meta.Props))})
		}
		return cols, rows
	case paneSections:
		cols := []table.Column{{Title: "ID", Width: 18}, {Title: "Title", Width: 22}, {Title: "Module", Width: 18}, {Title: "Fields", Width: 30}}
		var rows []table.Row
		sections := a.host.Sections()
		sort.SliceStable(sections, func(i, j int) bool { return sections[i].Order < sections[j].Order })
		for _, s := range sections {
			rows = append(rows, table.Row{s.ID, s.Title, s.ModuleID, formatFields(s.Fields)})
		}
		return cols, rows
	default:
		cols := []table.Column{{Title: "ID", Width: 24}, {Title: "Status", Width: 12}, {Title: "Error", Width: 40}}
		var rows []table.Row
		for _, m := range a.host.Modules() {
			errText := ""
			if m.Error != nil {
				errText = m.Error.Message
			}
			rows = append(rows, table.Row{m.ID, string(m.Status), errText})
		}
		return cols, rows
	}
}

// View renders the current screen.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	var content string
	switch a.state {
	case stateLauncher:
		if a.launcherView != nil {
			content = a.launcherView.View()
		}
	default:
		content = lipgloss.JoinVertical(lipgloss.Left, a.renderTabs(), a.table.View())
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, width-2)).
		Render(content)
	sections := []string{a.renderHeader(), box}
	if events := a.renderEventPanel(); events != "" {
		sections = append(sections, events)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.footerText())
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderHeader() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		Render("⬡ EXTHOST")
	state := a.worker.State
	badge := stateStyle(state).Render(string(state))
	if state == supervisor.StateStarting || state == supervisor.StateStopping || state == supervisor.StateCrashed {
		badge = a.spinner.View() + " " + badge
	}
	parts := []string{title, "worker " + badge}
	if a.worker.Crashes > 0 {
		parts = append(parts, fmt.Sprintf("%d crash(es)", a.worker.Crashes))
	}
	if n := len(a.worker.Errors); n > 0 {
		last := a.worker.Errors[n-1]
		parts = append(parts, labelStyleBlocked.Render(fmt.Sprintf("⚠ %s", last.Error.Code)))
	}
	return lipgloss.NewStyle().MarginBottom(1).Render(strings.Join(parts, "  ·  "))
}

func (a *App) renderTabs() string {
	var tabs []string
	for _, p := range paneOrder {
		style := lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("#888888"))
		if p == a.pane {
			style = style.Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Underline(true)
		}
		tabs = append(tabs, style.Render(p.title()))
	}
	return lipgloss.NewStyle().MarginBottom(1).Render(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
}

func (a *App) renderEventPanel() string {
	if len(a.events) == 0 {
		return ""
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("EVENTS")
	lines := make([]string, 0, len(a.events))
	for _, e := range a.events {
		line := fmt.Sprintf("%s [%s] %s", e.Time.Local().Format("15:04:05"), e.Topic, eventText(e))
		if e.Critical {
			line = labelStyleBlocked.Render(line)
		} else {
			line = detailTextStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, strings.Join(lines, "\n")))
}

func (a *App) footerText() string {
	var keys string
	switch {
	case a.state == stateLauncher:
		keys = "s → start    x → stop    Esc → back"
	case a.pane == paneLaunchers:
		keys = "Tab → next pane    Enter → logs    s → start    x → stop    q → quit"
	default:
		keys = "Tab → next pane    ↑/↓ → select    r → refresh    q → quit"
	}
	if a.statusMsg == "" {
		return keys
	}
	return a.statusMsg + "\n" + keys
}

func eventText(e hoststate.Event) string {
	switch {
	case e.Subject != "" && e.Detail != "":
		return e.Subject + ": " + e.Detail
	case e.Subject != "":
		return e.Subject
	default:
		return e.Detail
	}
}

func formatFields(fields map[string]string) string {
	parts := make([]string, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
