package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the number of line events a Channel buffers before
// producers block.
const DefaultCapacity = 256

var (
	ErrClosed          = errors.New("events: channel closed")
	ErrConsumerClaimed = errors.New("events: channel already has a consumer")
)

// Channel is a bounded, ordered queue with any number of line producers and
// exactly one consumer. Producers block while it is full; nothing is dropped.
//
// The terminal event does not occupy a buffer slot: Finish stores it and
// closes the queue without blocking, and the consumer sees it after every
// queued line.
type Channel struct {
	lines  chan Event
	logger *slog.Logger

	// mu is held shared by in-flight pushes and exclusively by Finish, so
	// the queue is never closed under a sender.
	mu       sync.RWMutex
	closed   bool
	terminal Event

	claimed atomic.Bool
}

// NewChannel creates a channel that buffers up to capacity line events.
// A capacity below 1 selects DefaultCapacity.
func NewChannel(capacity int) *Channel {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Channel{
		lines:  make(chan Event, capacity),
		logger: slog.With("component", "events"),
	}
}

// Cap returns the line buffer capacity.
func (c *Channel) Cap() int { return cap(c.lines) }

// Len returns the number of buffered line events.
func (c *Channel) Len() int { return len(c.lines) }

// Push enqueues a line event, blocking while the channel is full. It returns
// ctx.Err() if ctx ends first. Pushing after Finish is a programming error.
func (c *Channel) Push(ctx context.Context, ev Event) error {
	if !ev.IsLine() {
		c.misuse("push of non-line event " + string(ev.Kind))
		return ErrClosed
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		c.misuse("push after close")
		return ErrClosed
	}

	select {
	case c.lines <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish delivers the terminal event and closes the channel. It must be
// called exactly once, after every producer has returned.
func (c *Channel) Finish(ev Event) {
	if !ev.Terminal() {
		c.misuse("finish with non-terminal event " + string(ev.Kind))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.misuse("finish after close")
		return
	}
	c.closed = true
	c.terminal = ev
	close(c.lines)
}

// Closed reports whether Finish has been called.
func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Claim registers the single consumer. A second claim fails with
// ErrConsumerClaimed.
func (c *Channel) Claim() (*Receiver, error) {
	if !c.claimed.CompareAndSwap(false, true) {
		return nil, ErrConsumerClaimed
	}
	return &Receiver{c: c}, nil
}

func (c *Channel) misuse(reason string) {
	if strictMisuse {
		panic("events: " + reason)
	}
	c.logger.Warn("ignoring channel misuse", "reason", reason)
}

// Receiver is the consuming side of a Channel.
type Receiver struct {
	c    *Channel
	done bool
}

// Next returns the next event in order. After the terminal event has been
// returned, Next returns io.EOF.
func (r *Receiver) Next(ctx context.Context) (Event, error) {
	if r.done {
		return Event{}, io.EOF
	}
	select {
	case ev, ok := <-r.c.lines:
		if ok {
			return ev, nil
		}
		// terminal is written before close, and close happens before this
		// receive observes it.
		r.done = true
		return r.c.terminal, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
