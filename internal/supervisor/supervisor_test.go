package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/voxpilot/voxpilot/internal/config"
)

func backendCfg(name string, kind config.BackendKind) config.BackendConfig {
	return config.BackendConfig{
		Name:           name,
		Kind:           kind,
		URL:            "http://localhost:1",
		StartupTimeout: 5 * time.Second,
	}
}

// flakyProbe fails until healthy is set to true.
type flakyProbe struct {
	mu      sync.Mutex
	healthy bool
	calls   int
}

func (p *flakyProbe) set(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

func (p *flakyProbe) probe(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if !p.healthy {
		return errors.New("not ready")
	}
	return nil
}

func TestStartAllAdoptedMixedAvailability(t *testing.T) {
	up := &flakyProbe{healthy: true}
	down := &flakyProbe{healthy: false}

	s, err := New(
		[]config.BackendConfig{
			backendCfg("infer", config.BackendInfer),
			backendCfg("synth", config.BackendSynth),
		},
		WithProbe("infer", up.probe),
		WithProbe("synth", down.probe),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer s.StopAll()

	if err := s.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll with optional offline backend = %v, want nil", err)
	}
	if got := s.State("infer"); got != StateOnline {
		t.Errorf("infer state = %v, want online", got)
	}
	if got := s.State("synth"); got != StateOffline {
		t.Errorf("synth state = %v, want offline", got)
	}
	if s.AllOnline() {
		t.Error("AllOnline = true with one backend offline")
	}
}

func TestStartAllRequiredBackendAborts(t *testing.T) {
	down := &flakyProbe{healthy: false}
	cfg := backendCfg("infer", config.BackendInfer)
	cfg.Required = true

	s, err := New([]config.BackendConfig{cfg}, WithProbe("infer", down.probe))
	if err != nil {
		t.Fatal(err)
	}
	defer s.StopAll()

	if err := s.StartAll(context.Background()); err == nil {
		t.Fatal("StartAll with unreachable required backend succeeded")
	}
}

func TestSweepCoalescesTransitions(t *testing.T) {
	p := &flakyProbe{healthy: true}

	var mu sync.Mutex
	var transitions []Transition

	s, err := New(
		[]config.BackendConfig{backendCfg("infer", config.BackendInfer)},
		WithProbe("infer", p.probe),
		WithOnTransition(func(tr Transition) {
			mu.Lock()
			transitions = append(transitions, tr)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer s.StopAll()

	ctx := context.Background()
	if err := s.StartAll(ctx); err != nil {
		t.Fatal(err)
	}

	// Healthy sweeps produce no further transitions.
	s.sweep(ctx)
	s.sweep(ctx)

	// Backend goes down: repeated failing sweeps must notify exactly once.
	p.set(false)
	s.sweep(ctx)
	s.sweep(ctx)
	s.sweep(ctx)

	// Recovery notifies exactly once too.
	p.set(true)
	s.sweep(ctx)
	s.sweep(ctx)

	mu.Lock()
	defer mu.Unlock()
	want := []struct {
		from, to BackendState
	}{
		{StateUnknown, StateOnline},
		{StateOnline, StateOffline},
		{StateOffline, StateOnline},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %+v, want %d entries", transitions, len(want))
	}
	for i, w := range want {
		if transitions[i].From != w.from || transitions[i].To != w.to {
			t.Errorf("transition %d = %v→%v, want %v→%v",
				i, transitions[i].From, transitions[i].To, w.from, w.to)
		}
	}
	if transitions[1].Err == nil {
		t.Error("offline transition carries no error")
	}
}

func TestSpawnAndStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sleep and interrupt signals")
	}

	p := &flakyProbe{healthy: true}
	cfg := backendCfg("infer", config.BackendInfer)
	cfg.Command = "sleep"
	cfg.Args = []string{"60"}

	s, err := New([]config.BackendConfig{cfg}, WithProbe("infer", p.probe))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if got := s.State("infer"); got != StateOnline {
		t.Fatalf("state after spawn = %v, want online", got)
	}

	done := make(chan struct{})
	go func() {
		s.StopAll()
		s.StopAll() // idempotent
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("StopAll did not complete")
	}
}

func TestSpawnProcessExitMarksFailed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on the true binary")
	}

	p := &flakyProbe{healthy: false}
	cfg := backendCfg("infer", config.BackendInfer)
	cfg.Command = "true" // exits immediately
	cfg.StartupTimeout = 2 * time.Second

	s, err := New([]config.BackendConfig{cfg}, WithProbe("infer", p.probe))
	if err != nil {
		t.Fatal(err)
	}
	defer s.StopAll()

	_ = s.StartAll(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State("infer") == StateFailed {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("state = %v, want failed after process exit", s.State("infer"))
}

func TestSnapshot(t *testing.T) {
	up := &flakyProbe{healthy: true}
	s, err := New(
		[]config.BackendConfig{backendCfg("smarthome", config.BackendSmartHome)},
		WithProbe("smarthome", up.probe),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer s.StopAll()

	if err := s.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot = %d entries, want 1", len(snap))
	}
	if snap[0].Name != "smarthome" || snap[0].State != "online" || snap[0].Spawned {
		t.Errorf("snapshot = %+v", snap[0])
	}
	if snap[0].LastProbe.IsZero() {
		t.Error("snapshot missing last probe time")
	}
}

func TestCheckRequiresOnlineRequiredBackends(t *testing.T) {
	down := &flakyProbe{healthy: false}
	required := backendCfg("infer", config.BackendInfer)
	required.Required = true

	s, err := New([]config.BackendConfig{required}, WithProbe("infer", down.probe))
	if err != nil {
		t.Fatal(err)
	}
	defer s.StopAll()

	if err := s.Check(context.Background()); err == nil {
		t.Error("Check with required backend unknown = nil, want error")
	}

	down.set(true)
	if err := s.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Check(context.Background()); err != nil {
		t.Errorf("Check with required backend online = %v, want nil", err)
	}
}

func TestRestartAdoptedRejected(t *testing.T) {
	up := &flakyProbe{healthy: true}
	s, err := New(
		[]config.BackendConfig{backendCfg("infer", config.BackendInfer)},
		WithProbe("infer", up.probe),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer s.StopAll()

	if err := s.Restart(context.Background(), "infer"); err == nil {
		t.Error("Restart on adopted backend succeeded, want error")
	}
	if err := s.Restart(context.Background(), "nope"); err == nil {
		t.Error("Restart on unknown backend succeeded, want error")
	}
}

func TestStartAllMissingExecutableDoesNotDelayHealthy(t *testing.T) {
	up := &flakyProbe{healthy: true}
	bad := backendCfg("synth", config.BackendSynth)
	bad.Command = "/nonexistent/voxpilot-synth-server"

	s, err := New(
		[]config.BackendConfig{backendCfg("infer", config.BackendInfer), bad},
		WithProbe("infer", up.probe),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer s.StopAll()

	start := time.Now()
	if err := s.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll with optional spawn failure = %v, want nil", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("StartAll took %v; spawn failure delayed the healthy backend", elapsed)
	}
	if got := s.State("infer"); got != StateOnline {
		t.Errorf("infer state = %v, want online", got)
	}
	if got := s.State("synth"); got != StateFailed {
		t.Errorf("synth state = %v, want failed", got)
	}
}

func TestStartOneAdoptsAlreadyRunningInstance(t *testing.T) {
	running := &flakyProbe{healthy: true}

	cfg := backendCfg("synth", config.BackendSynth)
	// Spawning this command would fail loudly; adoption must win first.
	cfg.Command = "/nonexistent/voxpilot-synth-server"

	s, err := New([]config.BackendConfig{cfg}, WithProbe("synth", running.probe))
	if err != nil {
		t.Fatal(err)
	}
	defer s.StopAll()

	if err := s.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll = %v, want adoption of the running instance", err)
	}
	if got := s.State("synth"); got != StateOnline {
		t.Errorf("state = %v, want online via adoption", got)
	}
}

func TestSpawnRunsInConfiguredDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}
	dir := t.TempDir()
	up := &flakyProbe{healthy: true}

	cfg := backendCfg("infer", config.BackendInfer)
	cfg.Command = "sh"
	cfg.Args = []string{"-c", "touch started-here && sleep 60"}
	cfg.Dir = dir

	s, err := New([]config.BackendConfig{cfg}, WithProbe("infer", func(ctx context.Context) error {
		// Healthy only once the marker exists, proving the cwd took effect.
		if _, err := os.Stat(filepath.Join(dir, "started-here")); err != nil {
			return err
		}
		return up.probe(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer s.StopAll()

	if err := s.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if got := s.State("infer"); got != StateOnline {
		t.Errorf("state = %v, want online", got)
	}
}

func TestStopAllDeliversInterruptBeforeKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh signal handling")
	}
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready")
	marker := filepath.Join(dir, "got-interrupt")

	cfg := backendCfg("infer", config.BackendInfer)
	cfg.Command = "sh"
	cfg.Args = []string{"-c",
		`touch "` + ready + `"; trap 'touch "` + marker + `"; exit 0' INT; sleep 60 & wait`}

	// Healthy only once the process has written its ready marker, so the
	// pre-spawn adoption probe fails and the subprocess really launches.
	s, err := New([]config.BackendConfig{cfg}, WithProbe("infer", func(context.Context) error {
		_, err := os.Stat(ready)
		return err
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	s.StopAll()

	if _, err := os.Stat(marker); err != nil {
		t.Error("backend never saw the interrupt; it was killed outright")
	}
	if got := s.State("infer"); got == StateFailed {
		t.Errorf("state = %v; deliberate stop must not report a failure", got)
	}
}
