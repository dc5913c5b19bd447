package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/exthost/internal/supervisor"
)

const launcherTailLines = 500

var (
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

func stateStyle(state supervisor.State) lipgloss.Style {
	switch state {
	case supervisor.StateReady:
		return labelStyleReady
	case supervisor.StateStarting, supervisor.StateStopping:
		return labelStyleRunning
	case supervisor.StateCrashed:
		return labelStyleGate
	case supervisor.StateFailed:
		return labelStyleBlocked
	default:
		return labelStyleDefault
	}
}

// launcherView shows one launcher and follows its persisted log.
type launcherView struct {
	app      *App
	id       string
	viewport viewport.Model
	summary  string
	total    int
	err      error
	follow   bool
}

func newLauncherView(app *App, id string) *launcherView {
	v := &launcherView{
		app:      app,
		id:       id,
		viewport: viewport.New(80, 12),
		follow:   true,
	}
	v.refresh()
	return v
}

func (v *launcherView) resize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	v.viewport.Width = max(20, width-6)
	v.viewport.Height = max(5, height-maxRecentEvents-14)
	if v.follow {
		v.viewport.GotoBottom()
	}
}

func (v *launcherView) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	v.viewport, cmd = v.viewport.Update(msg)
	v.follow = v.viewport.AtBottom()
	return cmd
}

// refresh reloads the launcher summary and log tail from the host.
func (v *launcherView) refresh() {
	info, ok := v.app.host.Launchers.Get(v.id)
	if !ok {
		v.summary = labelStyleBlocked.Render(fmt.Sprintf("%s is no longer registered", v.id))
		v.viewport.SetContent("")
		return
	}
	state := labelStyleDefault.Render("idle")
	if action, busy := v.app.busy[v.id]; busy {
		state = labelStyleRunning.Render(action + "...")
	} else if info.Running {
		state = labelStyleReady.Render("running")
	}
	lines := []string{
		fmt.Sprintf("%s · %s", info.Descriptor.ID, info.Descriptor.DisplayName),
		"State: " + state,
	}
	if info.URL != "" {
		lines = append(lines, "URL: "+info.URL)
	}
	if info.ProcessID > 0 {
		lines = append(lines, fmt.Sprintf("PID: %d", info.ProcessID))
	}
	if len(info.Descriptor.SupportedSessionTypes) > 0 {
		lines = append(lines, "Sessions: "+strings.Join(info.Descriptor.SupportedSessionTypes, ", "))
	}
	if info.LogPath != "" {
		lines = append(lines, detailTextStyle.Render("Log: "+info.LogPath))
	}
	v.summary = strings.Join(lines, "\n")

	tail, total, err := v.app.host.Launchers.Tail(v.id, launcherTailLines)
	v.err = err
	v.total = total
	if len(tail) == 0 {
		v.viewport.SetContent(detailTextStyle.Render("No output yet."))
		return
	}
	v.viewport.SetContent(strings.Join(tail, "\n"))
	if v.follow {
		v.viewport.GotoBottom()
	}
}

func (v *launcherView) View() string {
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %d line(s)", v.total))
	parts := []string{v.summary, "", head, v.viewport.View()}
	if v.err != nil {
		parts = append(parts, labelStyleBlocked.Render(v.err.Error()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
