package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func startWatcher(t *testing.T, path string, fired *atomic.Int32) {
	t.Helper()
	w := New(path, func(context.Context) { fired.Add(1) }, WithDebounce(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	// fsnotify registration happens inside Run.
	time.Sleep(100 * time.Millisecond)
}

func waitFired(t *testing.T, fired *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fired.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fired %d times, want %d", fired.Load(), want)
}

func TestWriteTriggersOnce(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "brain-worker")
	if err := os.WriteFile(bin, []byte("v1"), 0755); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Int32
	startWatcher(t, bin, &fired)

	// A burst of writes collapses into one callback.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(bin, []byte("v2"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	waitFired(t, &fired, 1)
	time.Sleep(200 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("fired %d times, want 1", got)
	}
}

func TestRenameOverTriggers(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "brain-worker")
	if err := os.WriteFile(bin, []byte("v1"), 0755); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Int32
	startWatcher(t, bin, &fired)

	tmp := filepath.Join(dir, ".brain-worker.tmp")
	if err := os.WriteFile(tmp, []byte("v2"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, bin); err != nil {
		t.Fatal(err)
	}
	waitFired(t, &fired, 1)
}

func TestOtherFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "brain-worker")
	if err := os.WriteFile(bin, []byte("v1"), 0755); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Int32
	startWatcher(t, bin, &fired)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("fired %d times for unrelated file, want 0", got)
	}
}

func TestRunMissingDirectory(t *testing.T) {
	w := New("/nonexistent/dir/brain-worker", func(context.Context) {})
	if err := w.Run(context.Background()); err == nil {
		t.Error("expected error watching a missing directory")
	}
}
