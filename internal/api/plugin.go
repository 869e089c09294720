package api

import (
	"context"
	"errors"
	"os"

	"github.com/benaskins/outpost/internal/host"
)

// Plugin serves the API for the lifetime of a host. It is registered with
// host.WithPlugin; a socket already owned by another host fails Start.
type Plugin struct {
	socket string
	srv    *Server
	done   chan error
}

// NewPlugin returns a plugin that listens on socket.
func NewPlugin(socket string) *Plugin {
	return &Plugin{socket: socket}
}

func (p *Plugin) Name() string { return "api" }

func (p *Plugin) Init(ctx context.Context, h *host.Host) error {
	ln, err := Listen(p.socket)
	if err != nil {
		return err
	}
	p.srv = NewServer(h, h.Logger().With("component", "api"))
	p.done = make(chan error, 1)
	go func() { p.done <- p.srv.Serve(ln) }()
	return nil
}

// Shutdown stops serving and removes the socket.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.srv == nil {
		return nil
	}
	err := p.srv.Shutdown(ctx)
	if serveErr := <-p.done; serveErr != nil {
		err = errors.Join(err, serveErr)
	}
	if rmErr := os.Remove(p.socket); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}
