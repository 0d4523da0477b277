// Package supervisor manages the lifecycle of the backend services the
// conversation client depends on. Backends declared with a command are
// spawned as subprocesses and watched until exit; backends without one are
// adopted, meaning an externally managed instance is expected at the
// configured URL. All backends are health-polled on a fixed cadence and
// state transitions are reported exactly once per change.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxpilot/voxpilot/internal/config"
	"github.com/voxpilot/voxpilot/internal/health"
	"github.com/voxpilot/voxpilot/internal/observe"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultProbeTimeout = 3 * time.Second

	// stopGrace is how long a spawned backend gets to exit after an
	// interrupt signal before it is killed.
	stopGrace = 5 * time.Second

	// startupPollInterval is the probe cadence while waiting for a spawned
	// backend to become healthy.
	startupPollInterval = 500 * time.Millisecond
)

// Transition describes one backend state change.
type Transition struct {
	Backend string
	From    BackendState
	To      BackendState

	// Err is the probe or process error that caused the transition, nil
	// for recoveries.
	Err error
}

// Option is a functional option for configuring a Supervisor.
type Option func(*Supervisor)

// WithProbe overrides the health probe for the named backend. Backends
// without an override use an HTTP GET on the backend's /health endpoint.
func WithProbe(name string, p Probe) Option {
	return func(s *Supervisor) {
		s.probeOverrides[name] = p
	}
}

// WithPollInterval sets the health polling cadence. Defaults to 5 s.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.pollInterval = d
	}
}

// WithProbeTimeout bounds a single health probe. Defaults to 3 s.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.probeTimeout = d
	}
}

// WithOnTransition registers a callback invoked once per state change. The
// callback runs on the supervisor's polling goroutine and must not block.
func WithOnTransition(fn func(Transition)) Option {
	return func(s *Supervisor) {
		s.onTransition = fn
	}
}

// WithMetrics attaches the metrics instance used for probe latency and
// online-count instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// Supervisor owns the backend handles. Create with [New], start with
// [Supervisor.StartAll], begin polling with [Supervisor.Run], release with
// [Supervisor.StopAll].
type Supervisor struct {
	handles        []*handle
	byName         map[string]*handle
	probeOverrides map[string]Probe

	pollInterval time.Duration
	probeTimeout time.Duration
	onTransition func(Transition)
	metrics      *observe.Metrics

	httpClient *http.Client

	// spawnCtx is the lifetime context of spawned subprocesses; cancelled
	// by StopAll once the graceful stop sequence has finished.
	spawnCtx    context.Context
	spawnCancel context.CancelFunc

	// stopping marks a deliberate shutdown so exit watchers do not report
	// the resulting process exits as failures.
	stopping atomic.Bool

	stopOnce sync.Once
}

// New creates a supervisor for the given backend configurations. Backend
// names must be unique (enforced by config validation).
func New(cfgs []config.BackendConfig, opts ...Option) (*Supervisor, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("supervisor: no backends configured")
	}

	spawnCtx, spawnCancel := context.WithCancel(context.Background())
	s := &Supervisor{
		byName:         make(map[string]*handle, len(cfgs)),
		probeOverrides: make(map[string]Probe),
		pollInterval:   defaultPollInterval,
		probeTimeout:   defaultProbeTimeout,
		httpClient:     &http.Client{},
		spawnCtx:       spawnCtx,
		spawnCancel:    spawnCancel,
	}
	for _, o := range opts {
		o(s)
	}

	for _, cfg := range cfgs {
		h := &handle{cfg: cfg}
		if p, ok := s.probeOverrides[cfg.Name]; ok {
			h.probe = p
		} else {
			h.probe = httpProbe(s.httpClient, cfg.URL, "/health")
		}
		if prev := s.byName[cfg.Name]; prev != nil {
			spawnCancel()
			return nil, fmt.Errorf("supervisor: duplicate backend name %q", cfg.Name)
		}
		s.handles = append(s.handles, h)
		s.byName[cfg.Name] = h
	}
	return s, nil
}

// StartAll brings up every backend concurrently: spawned backends are
// launched and waited on until their first healthy probe, adopted backends
// are probed once. A required backend that fails to come up aborts with an
// error; optional backends merely end up offline or failed.
func (s *Supervisor) StartAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range s.handles {
		g.Go(func() error {
			err := s.startOne(gctx, h)
			if err != nil && h.cfg.Required {
				return fmt.Errorf("supervisor: required backend %q: %w", h.cfg.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) startOne(ctx context.Context, h *handle) error {
	if h.spawned() {
		// An instance may already be listening, left over from an earlier
		// run or started by hand. Adopt it instead of launching a
		// duplicate that would fight for the port.
		if err := s.probeOnce(ctx, h); err == nil {
			slog.Info("backend already running, adopting", "backend", h.cfg.Name, "url", h.cfg.URL)
			s.setState(h, StateOnline, nil)
			return nil
		}
		if err := s.spawn(h); err != nil {
			s.setState(h, StateFailed, err)
			return err
		}
		s.setState(h, StateStarting, nil)
		if err := s.awaitHealthy(ctx, h); err != nil {
			s.setState(h, StateFailed, err)
			return err
		}
		s.setState(h, StateOnline, nil)
		return nil
	}

	// Adopted backend: a single probe decides online vs offline.
	if err := s.probeOnce(ctx, h); err != nil {
		s.setState(h, StateOffline, err)
		return err
	}
	s.setState(h, StateOnline, nil)
	return nil
}

// spawn launches the backend subprocess and starts its exit watcher.
func (s *Supervisor) spawn(h *handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd != nil && h.cmd.ProcessState == nil {
		return nil // already running
	}

	cmd := exec.CommandContext(s.spawnCtx, h.cfg.Command, h.cfg.Args...)
	cmd.Dir = h.cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range h.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", h.cfg.Command, err)
	}

	h.cmd = cmd
	h.exited = make(chan struct{})
	exited := h.exited

	slog.Info("backend spawned", "backend", h.cfg.Name, "command", h.cfg.Command, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		close(exited)
		// Exits caused by a deliberate shutdown are not failures.
		if s.stopping.Load() || s.spawnCtx.Err() != nil {
			return
		}
		slog.Warn("backend process exited", "backend", h.cfg.Name, "err", err)
		s.setState(h, StateFailed, fmt.Errorf("process exited: %w", err))
	}()
	return nil
}

// awaitHealthy polls the backend until it reports healthy or the startup
// timeout elapses.
func (s *Supervisor) awaitHealthy(ctx context.Context, h *handle) error {
	deadline := time.Now().Add(h.cfg.StartupTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.mu.Lock()
		exited := h.exited
		h.mu.Unlock()
		select {
		case <-exited:
			return errors.New("process exited before becoming healthy")
		default:
		}

		if lastErr = s.probeOnce(ctx, h); lastErr == nil {
			return nil
		}
		select {
		case <-time.After(startupPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("not healthy after %s: %w", h.cfg.StartupTimeout, lastErr)
}

// probeOnce runs one bounded health probe and records the observation.
func (s *Supervisor) probeOnce(ctx context.Context, h *handle) error {
	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	start := time.Now()
	err := h.probe(pctx)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordProbe(ctx, h.cfg.Name, elapsed.Seconds())
	}

	h.mu.Lock()
	h.lastProbe = time.Now()
	h.lastErr = err
	h.mu.Unlock()
	return err
}

// setState applies a state transition, coalescing repeats: a backend already
// in the target state produces no notification.
func (s *Supervisor) setState(h *handle, to BackendState, err error) {
	h.mu.Lock()
	from := h.state
	if from == to {
		h.mu.Unlock()
		return
	}
	h.state = to
	if err != nil {
		h.lastErr = err
	}
	h.mu.Unlock()

	if s.metrics != nil {
		ctx := context.Background()
		if to == StateOnline {
			s.metrics.BackendsOnline.Add(ctx, 1)
		} else if from == StateOnline {
			s.metrics.BackendsOnline.Add(ctx, -1)
		}
	}

	slog.Info("backend state changed",
		"backend", h.cfg.Name,
		"from", from.String(),
		"to", to.String(),
		"err", err,
	)
	if s.onTransition != nil {
		s.onTransition(Transition{Backend: h.cfg.Name, From: from, To: to, Err: err})
	}
}

// Run polls all backends on the configured cadence until ctx is cancelled.
// Probes within one sweep run concurrently; transitions are reported through
// the registered callback.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep probes every backend once, concurrently, and applies transitions.
func (s *Supervisor) sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range s.handles {
		g.Go(func() error {
			// Failed spawned backends stay failed until restarted; probing a
			// dead process body is pointless.
			if h.spawned() && h.currentState() == StateFailed {
				return nil
			}
			if err := s.probeOnce(gctx, h); err != nil {
				s.setState(h, StateOffline, err)
			} else {
				s.setState(h, StateOnline, nil)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// StopAll terminates spawned backends and releases the supervisor. Adopted
// backends are left untouched; the supervisor never owns their lifecycle.
// Safe to call more than once.
func (s *Supervisor) StopAll() {
	s.stopOnce.Do(func() {
		// Mark the shutdown before any signal goes out so exit watchers
		// stay quiet, but keep spawnCtx alive until the graceful stop is
		// done: cancelling it would kill the children outright and skip
		// the interrupt grace period.
		s.stopping.Store(true)

		var wg sync.WaitGroup
		for _, h := range s.handles {
			if !h.spawned() {
				continue
			}
			h.mu.Lock()
			cmd, exited := h.cmd, h.exited
			h.mu.Unlock()
			if cmd == nil || cmd.Process == nil {
				continue
			}
			wg.Add(1)
			go func(h *handle, cmd *exec.Cmd, exited chan struct{}) {
				defer wg.Done()
				_ = cmd.Process.Signal(os.Interrupt)
				select {
				case <-exited:
				case <-time.After(stopGrace):
					slog.Warn("backend did not exit after interrupt, killing", "backend", h.cfg.Name)
					_ = cmd.Process.Kill()
					<-exited
				}
				slog.Info("backend stopped", "backend", h.cfg.Name)
			}(h, cmd, exited)
		}
		wg.Wait()
		s.spawnCancel()
	})
}

// Restart stops and relaunches one spawned backend by name. Adopted
// backends cannot be restarted.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	h, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("supervisor: unknown backend %q", name)
	}
	if !h.spawned() {
		return fmt.Errorf("supervisor: backend %q is adopted and cannot be restarted", name)
	}

	if s.metrics != nil {
		s.metrics.BackendRestarts.Add(ctx, 1)
	}

	h.mu.Lock()
	cmd, exited := h.cmd, h.exited
	h.mu.Unlock()
	if cmd != nil && cmd.Process != nil && cmd.ProcessState == nil {
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-exited:
		case <-time.After(stopGrace):
			_ = cmd.Process.Kill()
			<-exited
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Clear the failed marker so the exit watcher's transition does not
	// mask the restart.
	s.setState(h, StateStarting, nil)
	return s.startOne(ctx, h)
}

// RestartAll restarts every spawned backend concurrently.
func (s *Supervisor) RestartAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range s.handles {
		if !h.spawned() {
			continue
		}
		g.Go(func() error {
			if err := s.Restart(gctx, h.cfg.Name); err != nil && h.cfg.Required {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// State returns the current state of the named backend, or StateUnknown for
// names the supervisor does not manage.
func (s *Supervisor) State(name string) BackendState {
	h, ok := s.byName[name]
	if !ok {
		return StateUnknown
	}
	return h.currentState()
}

// AllOnline reports whether every backend is currently online.
func (s *Supervisor) AllOnline() bool {
	for _, h := range s.handles {
		if h.currentState() != StateOnline {
			return false
		}
	}
	return true
}

// Snapshot returns the status of every backend for the health endpoint.
func (s *Supervisor) Snapshot() []health.BackendStatus {
	statuses := make([]health.BackendStatus, 0, len(s.handles))
	for _, h := range s.handles {
		h.mu.Lock()
		st := health.BackendStatus{
			Name:      h.cfg.Name,
			State:     h.state.String(),
			URL:       h.cfg.URL,
			Spawned:   h.spawned(),
			LastProbe: h.lastProbe,
		}
		if h.lastErr != nil {
			st.LastError = h.lastErr.Error()
		}
		h.mu.Unlock()
		statuses = append(statuses, st)
	}
	return statuses
}

// Check implements the readiness checker contract: ready when every
// required backend is online.
func (s *Supervisor) Check(_ context.Context) error {
	for _, h := range s.handles {
		if h.cfg.Required && h.currentState() != StateOnline {
			return fmt.Errorf("required backend %q is %s", h.cfg.Name, h.currentState())
		}
	}
	return nil
}

var _ health.Snapshotter = (*Supervisor)(nil)
