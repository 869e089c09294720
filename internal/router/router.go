// Package router is the single consumer of a sidecar's event channel. It
// logs every event, keeps recent output in a sink, and hands events to
// registered handlers without ever letting a handler slow the drain.
package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/benaskins/outpost/internal/events"
)

// Handler receives routed events. Each handler is called from its own
// goroutine, one event at a time, in channel order.
type Handler func(events.Event)

// Sink stores output lines, e.g. a logbuf.Ring.
type Sink interface {
	Append(events.Event)
}

const (
	defaultLogRate  = 200 // lines per second written to the logger
	defaultLogBurst = 400
)

// Router routes one channel at a time: line events to the sink and the
// OnEvent handlers, terminal events to the OnStatus handlers.
type Router struct {
	logger     *slog.Logger
	sink       Sink
	limiter    *rate.Limiter
	suppressed atomic.Uint64

	mu     sync.Mutex
	nextID int
	lines  map[int]*dispatcher
	status map[int]*dispatcher
	every  map[int]*dispatcher
	closed bool
}

// Option configures a Router.
type Option func(*Router)

// WithSink sets where output lines are stored.
func WithSink(s Sink) Option {
	return func(r *Router) { r.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithLogRate limits how many output lines per second reach the logger.
// Lines over the limit are counted and reported, never dropped from the
// sink or handlers.
func WithLogRate(perSecond float64, burst int) Option {
	return func(r *Router) {
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New creates a router.
func New(opts ...Option) *Router {
	r := &Router{
		logger:  slog.With("component", "router"),
		limiter: rate.NewLimiter(defaultLogRate, defaultLogBurst),
		lines:   make(map[int]*dispatcher),
		status:  make(map[int]*dispatcher),
		every:   make(map[int]*dispatcher),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnEvent registers a handler for output lines (the UI bridge). The
// returned function unregisters it after delivering what was queued.
func (r *Router) OnEvent(h Handler) (cancel func()) {
	return r.register(r.lines, h)
}

// OnStatus registers a handler for terminal events (spawn_error and
// terminated).
func (r *Router) OnStatus(h Handler) (cancel func()) {
	return r.register(r.status, h)
}

// OnAll registers a handler for every event. Lines and the terminal event
// share one dispatcher, so the terminal event always arrives after the
// run's last line.
func (r *Router) OnAll(h Handler) (cancel func()) {
	return r.register(r.every, h)
}

func (r *Router) register(set map[int]*dispatcher, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return func() {}
	}
	id := r.nextID
	r.nextID++
	d := newDispatcher(h, r.logger)
	set[id] = d

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(set, id)
			r.mu.Unlock()
			d.close()
		})
	}
}

// Run claims ch and routes its events until the terminal event has been
// routed. It fails with events.ErrConsumerClaimed if ch already has a
// consumer, or with ctx.Err() if ctx ends first.
func (r *Router) Run(ctx context.Context, ch *events.Channel) error {
	rx, err := ch.Claim()
	if err != nil {
		return err
	}
	for {
		ev, err := rx.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		r.route(ev)
	}
}

func (r *Router) route(ev events.Event) {
	if ev.IsLine() {
		r.logLine(ev)
		if r.sink != nil {
			r.sink.Append(ev)
		}
		r.dispatch(r.lines, ev)
		r.dispatch(r.every, ev)
		return
	}

	switch ev.Kind {
	case events.KindTerminated:
		if ev.Status.Success() {
			r.logger.Info("sidecar terminated", "exit", ev.Status)
		} else {
			r.logger.Warn("sidecar exited abnormally", "exit", ev.Status)
		}
	case events.KindSpawnError:
		r.logger.Error("sidecar failed to spawn", "error", ev.Message)
	}
	r.dispatch(r.status, ev)
	r.dispatch(r.every, ev)
}

func (r *Router) logLine(ev events.Event) {
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return
	}
	if n := r.suppressed.Swap(0); n > 0 {
		r.logger.Warn("sidecar output rate limited", "suppressed_lines", n)
	}
	r.logger.Debug("sidecar output", "stream", ev.Kind, "seq", ev.Seq, "line", ev.Line)
}

func (r *Router) dispatch(set map[int]*dispatcher, ev events.Event) {
	r.mu.Lock()
	targets := make([]*dispatcher, 0, len(set))
	for _, d := range set {
		targets = append(targets, d)
	}
	r.mu.Unlock()

	for _, d := range targets {
		d.enqueue(ev)
	}
}

// Close unregisters every handler and waits for each to finish what was
// queued, or for ctx to end.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var all []*dispatcher
	for _, set := range []map[int]*dispatcher{r.lines, r.status, r.every} {
		for id, d := range set {
			all = append(all, d)
			delete(set, id)
		}
	}
	r.mu.Unlock()

	for _, d := range all {
		d.close()
	}
	for _, d := range all {
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
