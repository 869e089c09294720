package logbuf

import (
	"testing"

	"github.com/benaskins/outpost/internal/driver"
	"github.com/benaskins/outpost/internal/events"
)

func appendLines(r *Ring, lines ...string) {
	for i, l := range lines {
		r.Append(events.StdoutLine(l, uint64(i+1)))
	}
}

func TestRingBasicAppend(t *testing.T) {
	r := New(5)
	appendLines(r, "line 1", "line 2", "line 3")

	lines := r.Lines(10)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "line 1" || lines[1] != "line 2" || lines[2] != "line 3" {
		t.Errorf("unexpected lines: %v", lines)
	}
}

func TestRingOverflow(t *testing.T) {
	r := New(3)
	appendLines(r, "a", "b", "c", "d", "e")

	lines := r.Lines(3)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "c" || lines[1] != "d" || lines[2] != "e" {
		t.Errorf("expected [c d e], got %v", lines)
	}
	if r.Total() != 5 {
		t.Errorf("expected total 5, got %d", r.Total())
	}
}

func TestRingLast(t *testing.T) {
	r := New(10)
	appendLines(r, "a", "b", "c", "d", "e")

	last := r.Last(3)
	if len(last) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(last))
	}
	if last[0].Line != "c" || last[2].Line != "e" || last[2].Seq != 5 {
		t.Errorf("unexpected entries: %+v", last)
	}
}

func TestRingLastMoreThanAvailable(t *testing.T) {
	r := New(10)
	appendLines(r, "a", "b")

	if last := r.Last(5); len(last) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(last))
	}
}

func TestRingStderrMarked(t *testing.T) {
	r := New(4)
	r.Append(events.StderrLine("boom", 1))

	if got := r.Lines(1)[0]; got != "[err] boom" {
		t.Errorf("got %q", got)
	}
}

func TestRingIgnoresTerminalEvents(t *testing.T) {
	r := New(4)
	r.Append(events.Terminated(driver.ExitStatus{Code: 1}))
	r.Append(events.SpawnFailed("nope"))

	if len(r.Entries()) != 0 {
		t.Errorf("expected empty, got %v", r.Entries())
	}
}

func TestRingReset(t *testing.T) {
	r := New(2)
	appendLines(r, "a", "b", "c")
	r.Reset()

	if len(r.Entries()) != 0 {
		t.Errorf("expected empty after reset, got %v", r.Entries())
	}
	appendLines(r, "x")
	if r.Lines(5)[0] != "x" {
		t.Errorf("unexpected lines after reset: %v", r.Lines(5))
	}
}
