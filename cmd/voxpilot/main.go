// Command voxpilot is the desktop voice conversation client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxpilot/voxpilot/internal/config"
	"github.com/voxpilot/voxpilot/internal/coordinator"
	"github.com/voxpilot/voxpilot/internal/health"
	"github.com/voxpilot/voxpilot/internal/history"
	"github.com/voxpilot/voxpilot/internal/observe"
	"github.com/voxpilot/voxpilot/internal/resilience"
	"github.com/voxpilot/voxpilot/internal/supervisor"
	"github.com/voxpilot/voxpilot/internal/wakeword"
	"github.com/voxpilot/voxpilot/pkg/audio"
	"github.com/voxpilot/voxpilot/pkg/backend/infer"
	"github.com/voxpilot/voxpilot/pkg/backend/smarthome"
	"github.com/voxpilot/voxpilot/pkg/backend/synth"
	"github.com/voxpilot/voxpilot/pkg/duplex"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	modeFlag := flag.String("mode", "", "override the initial conversation mode (full_duplex, hybrid, legacy)")
	flag.Parse()

	// A .env next to the binary may hold backend credentials.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxpilot: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxpilot: %v\n", err)
		}
		return 1
	}
	if *modeFlag != "" {
		m := config.Mode(*modeFlag)
		if !m.IsValid() {
			fmt.Fprintf(os.Stderr, "voxpilot: unknown mode %q\n", *modeFlag)
			return 1
		}
		cfg.Mode.Initial = m
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("voxpilot starting",
		"config", *configPath,
		"mode", cfg.Mode.Initial,
		"log_level", cfg.Log.Level,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "voxpilot",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Backend clients ───────────────────────────────────────────────────────
	clients, err := buildClients(cfg.Backends)
	if err != nil {
		slog.Error("failed to build backend clients", "err", err)
		return 1
	}
	if clients.infer == nil {
		fmt.Fprintln(os.Stderr, "voxpilot: no backend of kind \"infer\" configured; the batch pipeline needs one")
		return 1
	}

	// ── Backend supervisor ────────────────────────────────────────────────────
	supOpts := []supervisor.Option{
		supervisor.WithMetrics(metrics),
		supervisor.WithOnTransition(func(t supervisor.Transition) {
			if t.To == supervisor.StateOffline || t.To == supervisor.StateFailed {
				fmt.Printf("! backend %s is %s\n", t.Backend, t.To)
			}
		}),
	}
	for _, bc := range cfg.Backends {
		if p := clients.probeFor(bc); p != nil {
			supOpts = append(supOpts, supervisor.WithProbe(bc.Name, p))
		}
	}
	sup, err := supervisor.New(cfg.Backends, supOpts...)
	if err != nil {
		slog.Error("invalid backend configuration", "err", err)
		return 1
	}
	if err := sup.StartAll(ctx); err != nil {
		slog.Error("backend startup failed", "err", err)
		sup.StopAll()
		return 1
	}
	defer sup.StopAll()
	go sup.Run(ctx)

	// ── Metrics / health server (optional) ────────────────────────────────────
	if cfg.Metrics.ListenAddr != "" {
		srv := newObserveServer(cfg.Metrics.ListenAddr, sup, metrics)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		slog.Info("metrics server listening", "addr", cfg.Metrics.ListenAddr)
	}

	// ── Audio transport ───────────────────────────────────────────────────────
	transport, err := audio.New(audio.Config{
		InputDevice: cfg.Audio.InputDevice,
		FrameSize:   cfg.Audio.FrameMs * audio.WireSampleRate / 1000,
		LevelDecay:  float32(cfg.Audio.LevelDecay),
	})
	if err != nil {
		slog.Error("failed to open audio devices", "err", err)
		return 1
	}
	defer func() {
		if err := transport.Close(); err != nil {
			slog.Warn("audio close error", "err", err)
		}
	}()

	// ── Conversation coordinator ──────────────────────────────────────────────
	dc := duplex.New(duplex.Config{
		Host:               cfg.Duplex.Host,
		Port:               cfg.Duplex.Port,
		Path:               cfg.Duplex.Path,
		TLS:                cfg.Duplex.TLS,
		InsecureSkipVerify: cfg.Duplex.InsecureSkipVerify,
		DialTimeout:        cfg.Duplex.DialTimeout,
		Persona:            cfg.Duplex.Persona,
		VoiceStyle:         cfg.Duplex.VoiceStyle,
		Language:           cfg.Duplex.Language,
		EnableBackchannel:  cfg.Duplex.EnableBackchannel,
		ResponseLatencyMs:  cfg.Duplex.ResponseLatencyMs,
	})

	hist := history.NewLog(cfg.History.MaxTurns)
	if cfg.History.File != "" {
		if err := hist.Load(cfg.History.File); err != nil {
			slog.Warn("could not load conversation history", "file", cfg.History.File, "err", err)
		}
	}

	coordOpts := []coordinator.Option{
		coordinator.WithHistory(hist),
		coordinator.WithMetrics(metrics),
		coordinator.WithEvents(consoleEvents()),
	}
	if cfg.Wakeword.Enabled {
		coordOpts = append(coordOpts, coordinator.WithWakeword(
			wakeword.New(cfg.Wakeword.Phrase, cfg.Wakeword.Threshold),
		))
	}

	// The batch backend sits behind a breaker so a dead inference service
	// fails utterances fast instead of stacking timeouts.
	batch := resilience.GuardBatch(clients.infer, resilience.NewBreaker(resilience.BreakerConfig{
		Name: "infer",
	}))

	var (
		synthDep coordinator.Synthesizer
		homeDep  coordinator.HomeRouter
	)
	if clients.synth != nil {
		synthDep = clients.synth
	}
	if clients.home != nil {
		homeDep = clients.home
	}

	coord, err := coordinator.New(coordinator.Config{
		InitialMode:        cfg.Mode.Initial,
		DowngradeThreshold: cfg.Mode.DowngradeThreshold,
		AutoDowngrade:      cfg.Mode.AutoDowngradeEnabled(),
		Voice:              cfg.Duplex.VoiceStyle,
		AllowedPlayDirs:    cfg.Audio.AllowedPlayDirs,
	}, dc, batch, synthDep, homeDep, transport, coordOpts...)
	if err != nil {
		slog.Error("failed to initialise coordinator", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	if err := coord.StartConversation(ctx); err != nil {
		slog.Error("could not start conversation", "err", err)
		return 1
	}
	defer coord.StopConversation()

	slog.Info("ready — press Ctrl+C to quit")
	go consoleLoop(ctx, stop, coord, sup, hist)

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping…")

	coord.StopConversation()
	if cfg.History.File != "" {
		if err := hist.Save(cfg.History.File); err != nil {
			slog.Warn("could not save conversation history", "file", cfg.History.File, "err", err)
		}
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend client wiring ─────────────────────────────────────────────────────

// backendClients holds one client per backend kind. Only infer is mandatory;
// nil fields disable the corresponding feature.
type backendClients struct {
	infer *infer.Client
	synth *synth.Client
	home  *smarthome.Client
}

// buildClients constructs a client for each configured backend. A second
// backend of the same kind is rejected rather than silently shadowed.
func buildClients(cfgs []config.BackendConfig) (*backendClients, error) {
	var bc backendClients
	for _, c := range cfgs {
		switch c.Kind {
		case config.BackendInfer:
			if bc.infer != nil {
				return nil, fmt.Errorf("duplicate backend kind %q", c.Kind)
			}
			cl, err := infer.New(c.URL)
			if err != nil {
				return nil, fmt.Errorf("backend %s: %w", c.Name, err)
			}
			bc.infer = cl
		case config.BackendSynth:
			if bc.synth != nil {
				return nil, fmt.Errorf("duplicate backend kind %q", c.Kind)
			}
			cl, err := synth.New(c.URL)
			if err != nil {
				return nil, fmt.Errorf("backend %s: %w", c.Name, err)
			}
			bc.synth = cl
		case config.BackendSmartHome:
			if bc.home != nil {
				return nil, fmt.Errorf("duplicate backend kind %q", c.Kind)
			}
			cl, err := smarthome.New(c.URL)
			if err != nil {
				return nil, fmt.Errorf("backend %s: %w", c.Name, err)
			}
			bc.home = cl
		case config.BackendDuplex:
			// Probed over HTTP by the supervisor's default probe.
		}
	}
	return &bc, nil
}

// probeFor returns the health probe backed by the matching client, or nil to
// let the supervisor fall back to its plain HTTP probe.
func (bc *backendClients) probeFor(c config.BackendConfig) supervisor.Probe {
	switch c.Kind {
	case config.BackendInfer:
		if bc.infer != nil {
			return bc.infer.Healthy
		}
	case config.BackendSynth:
		if bc.synth != nil {
			return bc.synth.Healthy
		}
	case config.BackendSmartHome:
		if bc.home != nil {
			return bc.home.Healthy
		}
	}
	return nil
}

// ── Observability server ──────────────────────────────────────────────────────

func newObserveServer(addr string, sup *supervisor.Supervisor, m *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	health.New(sup, health.Checker{Name: "backends", Check: sup.Check}).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Console output ────────────────────────────────────────────────────────────

// consoleEvents prints the conversation to stdout. Partial streaming text is
// redrawn in place; everything else gets its own line.
func consoleEvents() coordinator.Events {
	return coordinator.Events{
		OnModeChange: func(from, to config.Mode, reason string) {
			fmt.Printf("* mode %s -> %s (%s)\n", from, to, reason)
		},
		OnWarning: func(msg string) {
			fmt.Printf("! %s\n", msg)
		},
		OnTranscription: func(text string) {
			fmt.Printf("you: %s\n", text)
		},
		OnStreamingText: func(text string) {
			fmt.Printf("\r… %s", text)
		},
		OnFinalText: func(text string) {
			fmt.Printf("\rvox: %s\n", text)
		},
		OnBackchannel: func(text string) {
			fmt.Printf("(%s)\n", text)
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxpilot — voice client       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Mode            : %-19s║\n", cfg.Mode.Initial)
	if cfg.Duplex.Host != "" {
		fmt.Printf("║  Duplex service  : %-19s║\n", fmt.Sprintf("%s:%d", cfg.Duplex.Host, cfg.Duplex.Port))
	} else {
		fmt.Printf("║  Duplex service  : %-19s║\n", "(none)")
	}
	fmt.Printf("║  Backends        : %-19d║\n", len(cfg.Backends))
	if cfg.Wakeword.Enabled {
		fmt.Printf("║  Wake phrase     : %-19q║\n", cfg.Wakeword.Phrase)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(cfg config.LogConfig) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
