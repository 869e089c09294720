// Package journal provides an append-only record of sidecar lifecycle
// events for diagnostics.
//
// Every host action (start, stop, restart) and every terminal event
// (terminated, spawn_error) is recorded to ~/.outpost/events.log as
// newline-delimited JSON.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benaskins/outpost/internal/driver"
	"github.com/benaskins/outpost/internal/events"
)

// Action describes what happened.
type Action string

const (
	ActionStart      Action = "start"
	ActionStop       Action = "stop"
	ActionRestart    Action = "restart"
	ActionTerminated Action = "terminated"
	ActionSpawnError Action = "spawn_error"
	ActionHealth     Action = "health"
)

// Entry is a single journal record.
type Entry struct {
	Timestamp time.Time          `json:"ts"`
	Action    Action             `json:"action"`
	Path      string             `json:"path,omitempty"`
	PID       int                `json:"pid,omitempty"`
	Exit      *driver.ExitStatus `json:"exit,omitempty"`
	Trigger   string             `json:"trigger,omitempty"` // "startup", "shutdown", "ui", "binary_changed"
	Detail    string             `json:"detail,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Logger writes journal entries to an append-only file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens a journal file for appending.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Path returns the journal file path.
func (l *Logger) Path() string { return l.path }

// Log writes an entry.
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Record journals a terminal event. Line events are not journalled.
func (l *Logger) Record(ev events.Event) error {
	switch ev.Kind {
	case events.KindTerminated:
		exit := ev.Status
		return l.Log(Entry{Timestamp: ev.Time.UTC(), Action: ActionTerminated, Exit: &exit})
	case events.KindSpawnError:
		return l.Log(Entry{Timestamp: ev.Time.UTC(), Action: ActionSpawnError, Error: ev.Message})
	}
	return nil
}

// Close closes the journal file.
func (l *Logger) Close() error {
	return l.file.Close()
}
