// Package config provides the configuration schema and YAML loader for the
// voxpilot conversation client.
package config

import (
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects the conversation pipeline.
type Mode string

const (
	// ModeFullDuplex streams microphone audio over the WebSocket session
	// and plays streamed audio responses.
	ModeFullDuplex Mode = "full_duplex"

	// ModeHybrid streams audio for live transcription but falls back to
	// batch inference for response generation.
	ModeHybrid Mode = "hybrid"

	// ModeLegacy records complete utterances and submits them to the batch
	// inference backend.
	ModeLegacy Mode = "legacy"
)

// IsValid reports whether m is a recognised conversation mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFullDuplex, ModeHybrid, ModeLegacy:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Log      LogConfig       `yaml:"log"`
	Audio    AudioConfig     `yaml:"audio"`
	Duplex   DuplexConfig    `yaml:"duplex"`
	Mode     ModeConfig      `yaml:"mode"`
	Backends []BackendConfig `yaml:"backends"`
	Wakeword WakewordConfig  `yaml:"wakeword"`
	History  HistoryConfig   `yaml:"history"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level controls verbosity. Defaults to info.
	Level LogLevel `yaml:"level"`

	// JSON switches the handler from text to JSON output.
	JSON bool `yaml:"json"`
}

// AudioConfig holds capture and playback settings.
type AudioConfig struct {
	// InputDevice is the capture device index. -1 or 0-value selects the
	// system default.
	InputDevice int `yaml:"input_device"`

	// FrameMs is the capture frame length in milliseconds. Defaults to 100.
	FrameMs int `yaml:"frame_ms"`

	// LevelDecay is the level-meter decay factor in (0, 1). Defaults to 0.85.
	LevelDecay float64 `yaml:"level_decay"`

	// AllowedPlayDirs restricts playback of synthesised audio files to
	// paths under the listed directories. Empty disables the restriction.
	AllowedPlayDirs []string `yaml:"allowed_play_dirs"`
}

// DuplexConfig holds the full-duplex streaming connection settings.
type DuplexConfig struct {
	// Host and Port locate the full-duplex speech service.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Path is the WebSocket endpoint path. Defaults to "/ws".
	Path string `yaml:"path"`

	// TLS enables wss://. InsecureSkipVerify disables certificate
	// verification; local development only.
	TLS                bool `yaml:"tls"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// DialTimeout bounds a connect attempt. Defaults to 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Session parameters forwarded to the remote service. VoiceStyle also
	// selects the batch-path synthesis preset; empty defaults to "default".
	Persona           string `yaml:"persona"`
	VoiceStyle        string `yaml:"voice_style"`
	Language          string `yaml:"language"`
	EnableBackchannel bool   `yaml:"enable_backchannel"`
	ResponseLatencyMs int    `yaml:"response_latency_ms"`
}

// ModeConfig holds the conversation-mode selection and downgrade policy.
type ModeConfig struct {
	// Initial is the mode selected at startup. Defaults to full_duplex.
	Initial Mode `yaml:"initial"`

	// DowngradeThreshold is the number of consecutive send failures that
	// triggers an automatic one-step downgrade. Defaults to 3.
	DowngradeThreshold int `yaml:"downgrade_threshold"`

	// AutoDowngrade disables the automatic downgrade when false is set
	// explicitly. Defaults to true.
	AutoDowngrade *bool `yaml:"auto_downgrade"`
}

// BackendKind identifies the role of a managed backend service.
type BackendKind string

const (
	BackendInfer     BackendKind = "infer"
	BackendSynth     BackendKind = "synth"
	BackendSmartHome BackendKind = "smarthome"
	BackendDuplex    BackendKind = "duplex"
)

// IsValid reports whether k is a recognised backend kind.
func (k BackendKind) IsValid() bool {
	switch k {
	case BackendInfer, BackendSynth, BackendSmartHome, BackendDuplex:
		return true
	}
	return false
}

// BackendConfig describes one managed backend service. A backend with a
// Command is spawned as a subprocess; without one it is adopted, meaning an
// externally managed instance is expected at URL.
type BackendConfig struct {
	// Name is a unique identifier for this backend (used in logs and the
	// health endpoint).
	Name string `yaml:"name"`

	// Kind selects the client used to talk to the backend.
	Kind BackendKind `yaml:"kind"`

	// URL is the backend's base URL (e.g. "http://localhost:8000").
	URL string `yaml:"url"`

	// Command is the executable launched to run the backend locally. Empty
	// means the backend is adopted rather than spawned.
	Command string `yaml:"command"`

	// Args are the command-line arguments for Command.
	Args []string `yaml:"args"`

	// Dir is the working directory the subprocess runs in. Empty inherits
	// the client's working directory.
	Dir string `yaml:"dir"`

	// Env holds additional environment variables for the subprocess.
	Env map[string]string `yaml:"env"`

	// StartupTimeout bounds how long a spawned backend may take to report
	// healthy before it is marked failed. Defaults to 60s.
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// Required marks backends whose absence should abort startup rather
	// than degrade.
	Required bool `yaml:"required"`
}

// WakewordConfig holds wake-word detection settings.
type WakewordConfig struct {
	// Enabled gates wake-word detection on transcriptions.
	Enabled bool `yaml:"enabled"`

	// Phrase is the wake phrase (e.g. "hey pilot").
	Phrase string `yaml:"phrase"`

	// Threshold is the minimum Jaro-Winkler similarity in (0, 1] a
	// candidate word must reach. Defaults to 0.88.
	Threshold float64 `yaml:"threshold"`
}

// HistoryConfig holds conversation-history settings.
type HistoryConfig struct {
	// MaxTurns bounds the in-memory history ring. Defaults to 50.
	MaxTurns int `yaml:"max_turns"`

	// File is an optional path the history is saved to on shutdown and
	// loaded from on startup. Empty disables persistence.
	File string `yaml:"file"`
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	// ListenAddr is the address the metrics and health HTTP server listens
	// on (e.g. ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`
}
