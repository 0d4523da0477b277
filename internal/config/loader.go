package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] when the corresponding field is unset.
const (
	DefaultFrameMs            = 100
	DefaultLevelDecay         = 0.85
	DefaultDuplexPath         = "/ws"
	DefaultVoiceStyle         = "default"
	DefaultDialTimeout        = 10 * time.Second
	DefaultDowngradeThreshold = 3
	DefaultStartupTimeout     = 60 * time.Second
	DefaultWakewordThreshold  = 0.88
	DefaultMaxTurns           = 50
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills in defaults and checks that cfg contains a coherent set of
// values. It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Log
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	// Audio
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = DefaultFrameMs
	}
	if cfg.Audio.FrameMs < 10 || cfg.Audio.FrameMs > 1000 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [10, 1000]", cfg.Audio.FrameMs))
	}
	if cfg.Audio.LevelDecay == 0 {
		cfg.Audio.LevelDecay = DefaultLevelDecay
	}
	if cfg.Audio.LevelDecay <= 0 || cfg.Audio.LevelDecay >= 1 {
		errs = append(errs, fmt.Errorf("audio.level_decay %.3f is out of range (0, 1)", cfg.Audio.LevelDecay))
	}

	// Duplex
	if cfg.Duplex.Path == "" {
		cfg.Duplex.Path = DefaultDuplexPath
	}
	if cfg.Duplex.DialTimeout == 0 {
		cfg.Duplex.DialTimeout = DefaultDialTimeout
	}
	if cfg.Duplex.VoiceStyle == "" {
		// Batch synthesis rejects an empty voice, so the field always
		// carries a usable preset.
		cfg.Duplex.VoiceStyle = DefaultVoiceStyle
	}
	if cfg.Duplex.Port != 0 && (cfg.Duplex.Port < 1 || cfg.Duplex.Port > 65535) {
		errs = append(errs, fmt.Errorf("duplex.port %d is out of range [1, 65535]", cfg.Duplex.Port))
	}
	if cfg.Duplex.InsecureSkipVerify && !cfg.Duplex.TLS {
		slog.Warn("duplex.insecure_skip_verify has no effect without duplex.tls")
	}

	// Mode
	if cfg.Mode.Initial == "" {
		cfg.Mode.Initial = ModeFullDuplex
	}
	if !cfg.Mode.Initial.IsValid() {
		errs = append(errs, fmt.Errorf("mode.initial %q is invalid; valid values: full_duplex, hybrid, legacy", cfg.Mode.Initial))
	}
	if cfg.Mode.DowngradeThreshold == 0 {
		cfg.Mode.DowngradeThreshold = DefaultDowngradeThreshold
	}
	if cfg.Mode.DowngradeThreshold < 1 {
		errs = append(errs, fmt.Errorf("mode.downgrade_threshold %d must be at least 1", cfg.Mode.DowngradeThreshold))
	}
	if (cfg.Mode.Initial == ModeFullDuplex || cfg.Mode.Initial == ModeHybrid) && cfg.Duplex.Host == "" {
		errs = append(errs, fmt.Errorf("mode.initial %q requires duplex.host to be set", cfg.Mode.Initial))
	}

	// Backends
	namesSeen := make(map[string]int, len(cfg.Backends))
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		prefix := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[b.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of backends[%d]", prefix, b.Name, prev))
			}
			namesSeen[b.Name] = i
		}
		if !b.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: infer, synth, smarthome, duplex", prefix, b.Kind))
		}
		if b.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required", prefix))
		} else if !strings.HasPrefix(b.URL, "http://") && !strings.HasPrefix(b.URL, "https://") {
			errs = append(errs, fmt.Errorf("%s.url %q must start with http:// or https://", prefix, b.URL))
		}
		if b.StartupTimeout == 0 {
			b.StartupTimeout = DefaultStartupTimeout
		}
		if len(b.Env) > 0 && b.Command == "" {
			slog.Warn("backend env has no effect on adopted backends", "backend", b.Name)
		}
	}

	// Wakeword
	if cfg.Wakeword.Threshold == 0 {
		cfg.Wakeword.Threshold = DefaultWakewordThreshold
	}
	if cfg.Wakeword.Enabled && strings.TrimSpace(cfg.Wakeword.Phrase) == "" {
		errs = append(errs, errors.New("wakeword.phrase is required when wakeword.enabled is true"))
	}
	if cfg.Wakeword.Threshold <= 0 || cfg.Wakeword.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wakeword.threshold %.3f is out of range (0, 1]", cfg.Wakeword.Threshold))
	}

	// History
	if cfg.History.MaxTurns == 0 {
		cfg.History.MaxTurns = DefaultMaxTurns
	}
	if cfg.History.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("history.max_turns %d must be at least 1", cfg.History.MaxTurns))
	}

	return errors.Join(errs...)
}

// AutoDowngradeEnabled reports whether automatic mode downgrade is active.
// Unset defaults to true.
func (m ModeConfig) AutoDowngradeEnabled() bool {
	return m.AutoDowngrade == nil || *m.AutoDowngrade
}
