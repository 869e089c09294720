// Package ui is the terminal window for a hosted sidecar: a scrolling view
// of its output and a status bar, with keys to restart or stop it.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/benaskins/outpost/internal/events"
	"github.com/benaskins/outpost/internal/host"
	"github.com/benaskins/outpost/internal/logbuf"
	"github.com/benaskins/outpost/internal/supervisor"
)

const (
	refreshInterval = 500 * time.Millisecond
	actionTimeout   = 30 * time.Second
	defaultMaxLines = 1000
)

// Backend is the part of *host.Host the window drives.
type Backend interface {
	Restart(ctx context.Context) error
	StopSidecar(ctx context.Context) error
	Status() host.Status
	Logs(n int) []logbuf.Entry
}

type tickMsg time.Time

type actionMsg struct {
	action string
	err    error
}

// Model is the bubbletea model for the sidecar window.
type Model struct {
	backend  Backend
	title    string
	maxLines int

	view   viewport.Model
	spin   spinner.Model
	lines  []string
	status host.Status
	busy   string // action in flight, e.g. "restarting"
	notice string
	follow bool
	ready  bool
	width  int
	height int
}

// New creates the model. Output already buffered by the host is shown
// first; maxLines bounds the scrollback.
func New(b Backend, title string, maxLines int) Model {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = pendingStyle

	m := Model{
		backend:  b,
		title:    title,
		maxLines: maxLines,
		spin:     sp,
		follow:   true,
		status:   b.Status(),
	}
	for _, e := range b.Logs(maxLines) {
		m.lines = append(m.lines, renderEntry(e.Stream, e.Line))
	}
	return m
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init fulfills the Bubble Tea Model interface.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, tick())
}

// Update fulfills the Bubble Tea Model interface.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.resize(msg), nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case lineMsg:
		m.appendLine(renderEntry(msg.ev.Kind, msg.ev.Line))
		return m, nil

	case exitMsg:
		m.appendLine(systemStyle.Render("── " + describeExit(msg.ev) + " ──"))
		m.status = m.backend.Status()
		return m, nil

	case actionMsg:
		m.busy = ""
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.notice = ""
		}
		m.status = m.backend.Status()
		return m, nil

	case tickMsg:
		m.status = m.backend.Status()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		return m.run("restart", "restarting", m.backend.Restart)
	case "s":
		return m.run("stop", "stopping", m.backend.StopSidecar)
	case "c":
		m.lines = nil
		m.refresh()
		return m, nil
	case "f", "end":
		m.follow = true
		m.view.GotoBottom()
		return m, nil
	}

	var cmd tea.Cmd
	m.view, cmd = m.view.Update(msg)
	m.follow = m.view.AtBottom()
	return m, cmd
}

// run performs a backend action off the update loop. Only one action runs
// at a time.
func (m Model) run(action, busy string, fn func(context.Context) error) (tea.Model, tea.Cmd) {
	if m.busy != "" {
		return m, nil
	}
	m.busy = busy
	m.notice = ""
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionMsg{action: action, err: fn(ctx)}
	}
}

func (m Model) resize(msg tea.WindowSizeMsg) Model {
	m.width = msg.Width
	m.height = msg.Height

	// title bar + status bar + help line
	bodyHeight := max(1, msg.Height-3)
	if !m.ready {
		m.view = viewport.New(msg.Width, bodyHeight)
		m.ready = true
	} else {
		m.view.Width = msg.Width
		m.view.Height = bodyHeight
	}
	m.refresh()
	return m
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if over := len(m.lines) - m.maxLines; over > 0 {
		m.lines = append(m.lines[:0:0], m.lines[over:]...)
	}
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.view.SetContent(strings.Join(m.lines, "\n"))
	if m.follow {
		m.view.GotoBottom()
	}
}

// View fulfills the Bubble Tea Model interface.
func (m Model) View() string {
	if !m.ready {
		return "starting…"
	}
	title := titleStyle.Width(m.width).Render(m.title)
	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		m.view.View(),
		m.statusBar(),
		helpStyle.Render("r restart · s stop · c clear · f follow · q quit"),
	)
}

func (m Model) statusBar() string {
	st := m.status
	parts := []string{phaseLabel(st.Sidecar.Phase)}

	if m.busy != "" || st.Sidecar.Phase == supervisor.PhaseSpawning || st.Sidecar.Phase == supervisor.PhaseDraining {
		label := m.busy
		if label == "" {
			label = string(st.Sidecar.Phase)
		}
		parts = append(parts, m.spin.View()+" "+label)
	}
	if st.Sidecar.Phase == supervisor.PhaseRunning && st.Sidecar.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid %d", st.Sidecar.PID))
	}
	if st.Port != 0 {
		parts = append(parts, fmt.Sprintf("port %d", st.Port))
	}
	if st.Health != "" {
		parts = append(parts, "health "+string(st.Health))
	}
	if st.Sidecar.Exit != nil && st.Sidecar.Phase == supervisor.PhaseStopped {
		parts = append(parts, st.Sidecar.Exit.String())
	}
	if st.Sidecar.Restarts > 0 {
		parts = append(parts, fmt.Sprintf("restarts %d", st.Sidecar.Restarts))
	}
	switch {
	case m.notice != "":
		parts = append(parts, noticeStyle.Render(m.notice))
	case st.LastError != "":
		parts = append(parts, noticeStyle.Render(st.LastError))
	case st.Sidecar.LastError != "":
		parts = append(parts, noticeStyle.Render(st.Sidecar.LastError))
	}
	return barStyle.Width(m.width).Render(strings.Join(parts, "  "))
}

func phaseLabel(p supervisor.Phase) string {
	switch p {
	case supervisor.PhaseRunning:
		return runningStyle.Render("● running")
	case supervisor.PhaseSpawning, supervisor.PhaseDraining:
		return pendingStyle.Render("● " + string(p))
	case supervisor.PhaseIdle:
		return stoppedStyle.Render("○ idle")
	}
	return stoppedStyle.Render("○ " + string(p))
}

func renderEntry(kind events.Kind, line string) string {
	if kind == events.KindStderr {
		return stderrStyle.Render(line)
	}
	return line
}

func describeExit(ev events.Event) string {
	if ev.Kind == events.KindSpawnError {
		return "failed to start: " + ev.Message
	}
	if ev.Status.Success() {
		return "sidecar exited"
	}
	return "sidecar exited: " + ev.Status.String()
}
