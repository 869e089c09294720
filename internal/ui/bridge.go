package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/benaskins/outpost/internal/events"
	"github.com/benaskins/outpost/internal/router"
)

// Sender is satisfied by *tea.Program.
type Sender interface {
	Send(msg tea.Msg)
}

type lineMsg struct{ ev events.Event }

type exitMsg struct{ ev events.Event }

// Attach forwards routed sidecar events into the program, in channel
// order, from a single router dispatcher so a slow redraw never holds up
// the event channel. The returned function detaches it.
func Attach(p Sender, r *router.Router) (detach func()) {
	return r.OnAll(func(ev events.Event) {
		if ev.IsLine() {
			p.Send(lineMsg{ev})
			return
		}
		p.Send(exitMsg{ev})
	})
}
