package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benaskins/outpost/internal/config"
	"github.com/benaskins/outpost/internal/driver"
	"github.com/benaskins/outpost/internal/events"
	"github.com/benaskins/outpost/internal/journal"
	"github.com/benaskins/outpost/internal/keychain"
	"github.com/benaskins/outpost/internal/supervisor"
)

func testConfig(t *testing.T, script string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Journal: filepath.Join(dir, "events.log"),
		PIDFile: filepath.Join(dir, "sidecar.pid"),
		Sidecar: config.Sidecar{
			ShutdownTimeout: config.Duration{Duration: 2 * time.Second},
			DrainTimeout:    config.Duration{Duration: 500 * time.Millisecond},
		},
	}
	if script != "" {
		cfg.Sidecar.Path = "/bin/sh"
		cfg.Sidecar.Args = []string{"-c", script}
	}
	return cfg
}

func newTestHost(t *testing.T, cfg *config.Config, opts ...Option) *Host {
	t.Helper()
	h := New(cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasLine(h *Host, want string) bool {
	for _, e := range h.Logs(100) {
		if e.Line == want {
			return true
		}
	}
	return false
}

func readJournal(t *testing.T, path string) []journal.Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	defer f.Close()

	var entries []journal.Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e journal.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad journal line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func actions(entries []journal.Entry) []journal.Action {
	out := make([]journal.Action, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

type recordingPlugin struct {
	name    string
	initErr error
	order   *[]string
	mu      *sync.Mutex
	onStop  func()
}

func (p *recordingPlugin) Name() string { return p.name }

func (p *recordingPlugin) Init(ctx context.Context, h *Host) error {
	p.mu.Lock()
	*p.order = append(*p.order, "init "+p.name)
	p.mu.Unlock()
	return p.initErr
}

func (p *recordingPlugin) Shutdown(ctx context.Context) error {
	if p.onStop != nil {
		p.onStop()
	}
	p.mu.Lock()
	*p.order = append(*p.order, "shutdown "+p.name)
	p.mu.Unlock()
	return nil
}

func TestStartRoutesOutputAndShutdownStopsSidecar(t *testing.T) {
	cfg := testConfig(t, "echo ready; echo warming >&2; exec sleep 30")
	h := newTestHost(t, cfg)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "ready line", func() bool { return hasLine(h, "ready") && hasLine(h, "warming") })

	st := h.Status()
	if st.Sidecar.Phase != supervisor.PhaseRunning {
		t.Errorf("phase = %v, want running", st.Sidecar.Phase)
	}
	if st.Sidecar.PID == 0 {
		t.Error("expected a pid")
	}

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := h.Status().Sidecar.Phase; got != supervisor.PhaseStopped {
		t.Errorf("phase after shutdown = %v, want stopped", got)
	}

	// The terminated entry is written by the router and may land on
	// either side of the stop entry.
	got := actions(readJournal(t, cfg.Journal))
	if len(got) != 3 || got[0] != journal.ActionStart {
		t.Fatalf("journal actions = %v, want start then stop and terminated", got)
	}
	rest := map[journal.Action]bool{got[1]: true, got[2]: true}
	if !rest[journal.ActionStop] || !rest[journal.ActionTerminated] {
		t.Errorf("journal actions = %v, want stop and terminated after start", got)
	}
}

func TestHandlersRegisteredBeforeStartSeeFirstLine(t *testing.T) {
	h := newTestHost(t, testConfig(t, "echo first; exec sleep 30"))

	got := make(chan events.Event, 16)
	h.Router().OnEvent(func(ev events.Event) { got <- ev })

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Line != "first" || ev.Seq != 1 {
			t.Errorf("first event = %v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSpawnFailureIsNonFatal(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Sidecar.Path = filepath.Join(t.TempDir(), "missing-worker")
	h := newTestHost(t, cfg)

	status := make(chan events.Event, 1)
	h.Router().OnStatus(func(ev events.Event) { status <- ev })

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start should tolerate spawn failure, got %v", err)
	}

	select {
	case ev := <-status:
		if ev.Kind != events.KindSpawnError {
			t.Errorf("status event = %v, want spawn_error", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no status event")
	}

	st := h.Status()
	if st.Sidecar.Phase != supervisor.PhaseStopped {
		t.Errorf("phase = %v, want stopped", st.Sidecar.Phase)
	}
	if st.Sidecar.LastError == "" {
		t.Error("expected LastError to describe the spawn failure")
	}
	if err := h.Restart(context.Background()); err == nil {
		t.Error("Restart of a missing binary should report the spawn failure")
	}
}

func TestEarlyCrashIsNotSpawnFailure(t *testing.T) {
	cfg := testConfig(t, "exit 3")
	h := newTestHost(t, cfg)

	status := make(chan events.Event, 1)
	h.Router().OnStatus(func(ev events.Event) { status <- ev })

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case ev := <-status:
		if ev.Kind != events.KindTerminated || ev.Status.Code != 3 {
			t.Errorf("status event = %v, want exit 3", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no status event")
	}

	if st := h.Status(); strings.Contains(st.LastError, "spawning") {
		t.Errorf("host last error = %q, want no spawn failure", st.LastError)
	}
	var start *journal.Entry
	for _, e := range readJournal(t, cfg.Journal) {
		if e.Action == journal.ActionStart {
			start = &e
		}
	}
	if start == nil || start.PID <= 0 {
		t.Fatalf("journal start entry = %+v, want one with the child's pid", start)
	}
	pid, err := driver.ReadPIDFile(cfg.PIDFile)
	if err != nil || pid != start.PID {
		t.Errorf("pid file = %d, %v; want %d", pid, err, start.PID)
	}
}

func TestPluginInitErrorAbortsStart(t *testing.T) {
	var mu sync.Mutex
	var order []string
	boom := errors.New("boom")

	first := &recordingPlugin{name: "first", order: &order, mu: &mu}
	second := &recordingPlugin{name: "second", initErr: boom, order: &order, mu: &mu}
	third := &recordingPlugin{name: "third", order: &order, mu: &mu}

	h := newTestHost(t, testConfig(t, "exec sleep 30"), WithPlugin(first, second, third))

	err := h.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Start error = %v, want boom", err)
	}
	if !strings.Contains(err.Error(), "second") {
		t.Errorf("error %q should name the plugin", err)
	}
	if got := h.Status().Sidecar.Phase; got != supervisor.PhaseIdle {
		t.Errorf("phase = %v, want idle (sidecar never started)", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"init first", "init second", "shutdown first"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestShutdownStopsSidecarBeforePlugins(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var h *Host
	var phaseAtShutdown supervisor.Phase

	p := &recordingPlugin{name: "ui", order: &order, mu: &mu, onStop: func() {
		phaseAtShutdown = h.Status().Sidecar.Phase
	}}
	h = newTestHost(t, testConfig(t, "exec sleep 30"), WithPlugin(p))

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if phaseAtShutdown != supervisor.PhaseStopped {
		t.Errorf("plugin saw phase %v during shutdown, want stopped", phaseAtShutdown)
	}
}

func TestShutdownHooksRunInReverseOrder(t *testing.T) {
	h := newTestHost(t, testConfig(t, ""))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		h.OnShutdown(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := strings.Join(order, ""); got != "cba" {
		t.Errorf("hook order = %q, want %q", got, "cba")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	h := newTestHost(t, testConfig(t, "exec sleep 30"))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	failing := errors.New("hook failed")
	calls := 0
	h.OnShutdown("failing", func(context.Context) error {
		calls++
		return failing
	})

	err1 := h.Shutdown(context.Background())
	err2 := h.Shutdown(context.Background())
	if !errors.Is(err1, failing) || !errors.Is(err2, failing) {
		t.Errorf("Shutdown errors = %v, %v; want both to wrap the hook error", err1, err2)
	}
	if calls != 1 {
		t.Errorf("hook ran %d times, want 1", calls)
	}
	if err := h.Restart(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("Restart after Shutdown = %v, want ErrShutdown", err)
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	h := New(testConfig(t, "exec sleep 30"))
	if err := h.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown before Start = %v", err)
	}
}

func TestStartTwice(t *testing.T) {
	h := newTestHost(t, testConfig(t, ""))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Errorf("second Start = %v, want ErrStarted", err)
	}
}

func TestRestart(t *testing.T) {
	cfg := testConfig(t, "echo up; exec sleep 30")
	h := newTestHost(t, cfg)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "first run", func() bool { return hasLine(h, "up") })
	pid := h.Status().Sidecar.PID

	if err := h.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	st := h.Status()
	if st.Sidecar.Phase != supervisor.PhaseRunning {
		t.Errorf("phase = %v, want running", st.Sidecar.Phase)
	}
	if st.Sidecar.PID == pid {
		t.Error("expected a new pid after restart")
	}
	if st.Sidecar.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", st.Sidecar.Restarts)
	}
	waitFor(t, "two runs of output", func() bool {
		n := 0
		for _, e := range h.Logs(100) {
			if e.Line == "up" {
				n++
			}
		}
		return n == 2
	})
}

func TestStopSidecarKeepsHost(t *testing.T) {
	h := newTestHost(t, testConfig(t, "exec sleep 30"))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.StopSidecar(context.Background()); err != nil {
		t.Fatalf("StopSidecar: %v", err)
	}
	if got := h.Status().Sidecar.Phase; got != supervisor.PhaseStopped {
		t.Errorf("phase = %v, want stopped", got)
	}
	if err := h.Restart(context.Background()); err != nil {
		t.Fatalf("Restart after stop: %v", err)
	}
	if got := h.Status().Sidecar.Phase; got != supervisor.PhaseRunning {
		t.Errorf("phase = %v, want running", got)
	}
}

func TestNoSidecarConfigured(t *testing.T) {
	h := newTestHost(t, testConfig(t, ""))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.Status().Sidecar.Phase; got != supervisor.PhaseIdle {
		t.Errorf("phase = %v, want idle", got)
	}
	if err := h.Restart(context.Background()); !errors.Is(err, ErrNoSidecar) {
		t.Errorf("Restart = %v, want ErrNoSidecar", err)
	}
}

func TestEnvironmentInjection(t *testing.T) {
	cfg := testConfig(t, `echo "mode=$BRAIN_MODE token=$BRAIN_TOKEN missing=$BRAIN_OTHER port=$PORT"; exec sleep 30`)
	dynamic := 0
	cfg.Sidecar.Port = &dynamic
	cfg.Sidecar.Env = map[string]string{"BRAIN_MODE": "desktop"}
	cfg.Sidecar.Secrets = map[string]config.SecretRef{
		"BRAIN_TOKEN": {Keychain: "brain/token"},
		"BRAIN_OTHER": {Keychain: "brain/absent"},
	}

	store := keychain.NewMemoryStore()
	store.Set("brain/token", "s3cret")

	h := newTestHost(t, cfg, WithSecrets(store), WithPortRange(21000, 21999))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var line string
	waitFor(t, "env line", func() bool {
		for _, e := range h.Logs(10) {
			if strings.HasPrefix(e.Line, "mode=") {
				line = e.Line
				return true
			}
		}
		return false
	})

	p := h.Status().Port
	if p < 21000 || p > 21999 {
		t.Fatalf("port = %d, want within 21000-21999", p)
	}
	want := "mode=desktop token=s3cret missing= port=" + strconv.Itoa(p)
	if line != want {
		t.Errorf("sidecar saw %q, want %q", line, want)
	}
}

func TestHealthReportedWhileRunning(t *testing.T) {
	cfg := testConfig(t, "exec sleep 30")
	cfg.Health = &config.Health{
		Type:     "exec",
		Command:  "true",
		Interval: config.Duration{Duration: 20 * time.Millisecond},
	}
	h := newTestHost(t, cfg)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "healthy", func() bool { return h.Status().Health == "healthy" })

	if err := h.StopSidecar(context.Background()); err != nil {
		t.Fatalf("StopSidecar: %v", err)
	}
	if got := h.Status().Health; got != "" {
		t.Errorf("health after stop = %q, want empty", got)
	}

	h.Shutdown(context.Background())
	var sawHealth bool
	for _, e := range readJournal(t, cfg.Journal) {
		if e.Action == journal.ActionHealth && e.Detail == "healthy" {
			sawHealth = true
		}
	}
	if !sawHealth {
		t.Error("expected a healthy transition in the journal")
	}
}

func TestWatchRestartsOnBinaryChange(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "worker")
	write := func(msg string) {
		tmp := bin + ".tmp"
		script := "#!/bin/sh\necho " + msg + "\nexec sleep 30\n"
		if err := os.WriteFile(tmp, []byte(script), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(tmp, bin); err != nil {
			t.Fatal(err)
		}
	}
	write("v1")

	cfg := testConfig(t, "")
	cfg.Sidecar.Path = bin
	cfg.Sidecar.Watch = true
	h := newTestHost(t, cfg)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "v1", func() bool { return hasLine(h, "v1") })

	// Let the watcher register before replacing the binary.
	time.Sleep(200 * time.Millisecond)
	write("v2")
	waitFor(t, "v2 after restart", func() bool { return hasLine(h, "v2") })
	if got := h.Status().Sidecar.Restarts; got != 1 {
		t.Errorf("restarts = %d, want 1", got)
	}
}
