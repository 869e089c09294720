// Package logbuf keeps the most recent sidecar output lines in memory so the
// UI and diagnostics can show them without re-reading anything.
package logbuf

import (
	"fmt"
	"sync"
	"time"

	"github.com/benaskins/outpost/internal/events"
)

// Entry is one stored output line.
type Entry struct {
	Stream events.Kind `json:"stream"`
	Seq    uint64      `json:"seq"`
	Line   string      `json:"line"`
	Time   time.Time   `json:"time"`
}

func (e Entry) String() string {
	if e.Stream == events.KindStderr {
		return fmt.Sprintf("[err] %s", e.Line)
	}
	return e.Line
}

// Ring is a thread-safe ring buffer holding the last N output lines.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	full    bool
	total   uint64
}

// New creates a ring buffer that stores the last n lines. n below 1 is
// treated as 1.
func New(n int) *Ring {
	if n < 1 {
		n = 1
	}
	return &Ring{
		entries: make([]Entry, n),
		size:    n,
	}
}

// Append stores a line event. Terminal events are ignored.
func (r *Ring) Append(ev events.Event) {
	if !ev.IsLine() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.pos] = Entry{Stream: ev.Kind, Seq: ev.Seq, Line: ev.Line, Time: ev.Time}
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
	r.total++
}

// Entries returns all stored entries, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]Entry, r.pos)
		copy(result, r.entries[:r.pos])
		return result
	}

	result := make([]Entry, r.size)
	copy(result, r.entries[r.pos:])
	copy(result[r.size-r.pos:], r.entries[:r.pos])
	return result
}

// Last returns the last n entries. If fewer exist, returns all of them.
func (r *Ring) Last(n int) []Entry {
	all := r.Entries()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Lines returns the last n entries rendered as display strings.
func (r *Ring) Lines(n int) []string {
	entries := r.Last(n)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return lines
}

// Total returns how many lines have ever been appended.
func (r *Ring) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Reset discards all stored lines.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
	r.pos = 0
	r.full = false
}
