package router

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/benaskins/outpost/internal/events"
)

// backlogWarn is the queue depth at which a slow handler is reported.
const backlogWarn = 1000

// dispatcher feeds one handler from an unbounded FIFO so enqueue never
// blocks the router.
type dispatcher struct {
	handler Handler
	logger  *slog.Logger
	warn    *rate.Limiter

	mu     sync.Mutex
	queue  []events.Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher(h Handler, logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		handler: h,
		logger:  logger,
		warn:    rate.NewLimiter(rate.Every(10*time.Second), 1),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) enqueue(ev events.Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	depth := len(d.queue)
	d.mu.Unlock()

	if depth >= backlogWarn && d.warn.Allow() {
		d.logger.Warn("event handler falling behind", "queued", depth)
	}
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events. Events already queued are still delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) loop() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for len(d.queue) == 0 {
			if d.closed {
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.wake
			d.mu.Lock()
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, ev := range batch {
			d.call(ev)
		}
	}
}

func (d *dispatcher) call(ev events.Event) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("event handler panicked", "event", ev.Kind, "panic", p)
		}
	}()
	d.handler(ev)
}
