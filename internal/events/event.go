// Package events defines the events observed from a supervised sidecar and
// the bounded channel that carries them from the supervisor's readers to a
// single consumer.
//
// For one run of a sidecar the sequence is always
//
//	(stdout|stderr)* terminated    or    spawn_error
//
// and the channel is closed after the terminal event.
package events

import (
	"fmt"
	"time"

	"github.com/benaskins/outpost/internal/driver"
)

// Kind tags an Event.
type Kind string

const (
	KindStdout     Kind = "stdout"
	KindStderr     Kind = "stderr"
	KindTerminated Kind = "terminated"
	KindSpawnError Kind = "spawn_error"
)

// Event is one observed unit of sidecar activity. Events are values and are
// never modified after construction.
type Event struct {
	Kind    Kind              `json:"kind"`
	Line    string            `json:"line,omitempty"`
	Seq     uint64            `json:"seq,omitempty"` // per stream, starting at 1
	Status  driver.ExitStatus `json:"status"`
	Message string            `json:"message,omitempty"`
	Time    time.Time         `json:"time"`
}

// StdoutLine builds a stdout line event.
func StdoutLine(line string, seq uint64) Event {
	return Event{Kind: KindStdout, Line: line, Seq: seq, Time: time.Now()}
}

// StderrLine builds a stderr line event.
func StderrLine(line string, seq uint64) Event {
	return Event{Kind: KindStderr, Line: line, Seq: seq, Time: time.Now()}
}

// Terminated builds the final event of a run that spawned successfully.
func Terminated(status driver.ExitStatus) Event {
	return Event{Kind: KindTerminated, Status: status, Time: time.Now()}
}

// SpawnFailed builds the only event of a run whose spawn failed.
func SpawnFailed(message string) Event {
	return Event{Kind: KindSpawnError, Message: message, Time: time.Now()}
}

// IsLine reports whether e carries a line of output.
func (e Event) IsLine() bool {
	return e.Kind == KindStdout || e.Kind == KindStderr
}

// Terminal reports whether e ends a run.
func (e Event) Terminal() bool {
	return e.Kind == KindTerminated || e.Kind == KindSpawnError
}

func (e Event) String() string {
	switch e.Kind {
	case KindStdout, KindStderr:
		return fmt.Sprintf("%s#%d %q", e.Kind, e.Seq, e.Line)
	case KindTerminated:
		return fmt.Sprintf("terminated (%s)", e.Status)
	case KindSpawnError:
		return fmt.Sprintf("spawn_error: %s", e.Message)
	}
	return string(e.Kind)
}
