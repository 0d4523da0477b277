// Package coordinator owns the conversation mode state machine. It routes
// captured audio to the streaming client or the batch pipeline according to
// the active mode, performs the automatic downgrade when the streaming path
// fails repeatedly, and guarantees that mode switches fully tear down the
// previous path before the next one starts.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/voxpilot/voxpilot/internal/config"
	"github.com/voxpilot/voxpilot/internal/history"
	"github.com/voxpilot/voxpilot/internal/observe"
	"github.com/voxpilot/voxpilot/internal/wakeword"
	"github.com/voxpilot/voxpilot/pkg/audio"
	"github.com/voxpilot/voxpilot/pkg/backend/infer"
	"github.com/voxpilot/voxpilot/pkg/backend/smarthome"
	"github.com/voxpilot/voxpilot/pkg/duplex"
)

// frameChanBuf is the depth of the queue between the audio callback and the
// stream sender goroutine. At 100 ms frames this is 3 s of backlog; the
// callback drops the oldest frame rather than block.
const frameChanBuf = 30

// maxPendingFrames bounds the legacy utterance buffer. At 100 ms frames
// this is five minutes of speech.
const maxPendingFrames = 3000

// ErrNotActive is returned by operations that require a running
// conversation.
var ErrNotActive = errors.New("coordinator: no active conversation")

// ErrEmptyUtterance is returned by EndUtterance when no audio has been
// buffered.
var ErrEmptyUtterance = errors.New("coordinator: empty utterance")

// Frame routing targets for the capture callback.
const (
	routeDrop int32 = iota
	routeStream
	routeBatch
)

// StreamClient is the full-duplex streaming connection as the coordinator
// sees it. *duplex.Client implements it.
type StreamClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SetCallbacks(cb duplex.Callbacks)
	SendAudio(frame audio.Frame) error
	SendText(ctx context.Context, text string) (string, error)
	StreamStart() error
	StreamEnd() error
	Interrupt() error
}

// BatchClient is the batch inference backend. *infer.Client implements it.
type BatchClient interface {
	Query(ctx context.Context, wav []byte) (*infer.Result, error)
	TextQuery(ctx context.Context, text string) (*infer.Result, error)
}

// Synthesizer renders response text to an audio file. *synth.Client's
// Custom method implements it.
type Synthesizer interface {
	Custom(ctx context.Context, text, voice string) (string, error)
}

// HomeRouter is the smart-home command router. *smarthome.Client implements
// it. A nil HomeRouter skips the consult.
type HomeRouter interface {
	Route(ctx context.Context, text string) (*smarthome.Routing, error)
}

// AudioIO is the audio transport surface the coordinator drives.
// *audio.Transport implements it.
type AudioIO interface {
	StartCapture(onFrame func(audio.Frame), onLevel func(float32)) error
	StopCapture()
	PlayPCM16(pcm []byte)
	PlayFile(path string) error
}

// Events groups the observer callbacks a consumer may register. Nil fields
// are not invoked. Callbacks must not block; they are called from the
// coordinator's worker goroutines.
type Events struct {
	// OnModeChange fires on every mode transition, including automatic
	// downgrades. reason is a short human-readable cause.
	OnModeChange func(from, to config.Mode, reason string)

	// OnWarning surfaces non-fatal conditions (downgrades, lost
	// connections) for display.
	OnWarning func(msg string)

	// OnTranscription receives each completed user transcription.
	OnTranscription func(text string)

	// OnStreamingText receives accumulated partial response text.
	OnStreamingText func(text string)

	// OnFinalText receives each finalised response.
	OnFinalText func(text string)

	// OnBackchannel receives short acknowledgements from the streaming
	// service.
	OnBackchannel func(text string)

	// OnLevel receives the capture level meter, once per frame.
	OnLevel func(level float32)
}

// Config holds the coordinator's tunables.
type Config struct {
	// InitialMode is the mode selected before any SetMode call.
	InitialMode config.Mode

	// DowngradeThreshold is the number of consecutive stream-send failures
	// that triggers an automatic downgrade. Values below 1 fall back to 3.
	DowngradeThreshold int

	// AutoDowngrade enables the automatic downgrade path.
	AutoDowngrade bool

	// Voice is the synthesis preset used for batch-path responses.
	Voice string

	// AllowedPlayDirs restricts where synthesised audio files may be played
	// from. Paths the synthesis backend returns are resolved and must sit
	// under one of these directories; anything outside is refused. Empty
	// means no restriction.
	AllowedPlayDirs []string
}

// Coordinator is the conversation mode state machine. Create with [New].
// All exported methods are safe for concurrent use.
type Coordinator struct {
	cfg     Config
	stream  StreamClient
	batch   BatchClient
	synth   Synthesizer
	home    HomeRouter
	audio   AudioIO
	wake    *wakeword.Detector
	hist    *history.Log
	metrics *observe.Metrics
	ev      Events

	// playDirs is the resolved form of Config.AllowedPlayDirs.
	playDirs []string

	// route tells the audio callback where frames go without taking mu.
	route atomic.Int32

	mu         sync.Mutex
	mode       config.Mode
	active     bool
	streamDown bool // hybrid: streaming marked unavailable
	epoch      uint64
	failures   int
	pending    []audio.Frame
	frames     chan audio.Frame
	sessCancel context.CancelFunc
	sessCtx    context.Context
	senderDone chan struct{}
}

// New creates a coordinator. stream, batch, and aud are required; synth,
// home, wake, hist, and metrics may be nil to disable the corresponding
// behaviour.
func New(cfg Config, stream StreamClient, batch BatchClient, synth Synthesizer, home HomeRouter, aud AudioIO, opts ...Option) (*Coordinator, error) {
	if stream == nil || batch == nil || aud == nil {
		return nil, errors.New("coordinator: stream, batch, and audio are required")
	}
	if !cfg.InitialMode.IsValid() {
		return nil, fmt.Errorf("coordinator: invalid initial mode %q", cfg.InitialMode)
	}
	if cfg.DowngradeThreshold < 1 {
		cfg.DowngradeThreshold = config.DefaultDowngradeThreshold
	}
	playDirs := make([]string, 0, len(cfg.AllowedPlayDirs))
	for _, dir := range cfg.AllowedPlayDirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("coordinator: resolve allowed play dir %q: %w", dir, err)
		}
		playDirs = append(playDirs, abs)
	}
	c := &Coordinator{
		cfg:      cfg,
		stream:   stream,
		batch:    batch,
		synth:    synth,
		home:     home,
		audio:    aud,
		mode:     cfg.InitialMode,
		playDirs: playDirs,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Option is a functional option for configuring a Coordinator.
type Option func(*Coordinator)

// WithEvents registers the observer callbacks.
func WithEvents(ev Events) Option {
	return func(c *Coordinator) { c.ev = ev }
}

// WithWakeword gates batch-path utterances behind a wake phrase.
func WithWakeword(d *wakeword.Detector) Option {
	return func(c *Coordinator) { c.wake = d }
}

// WithHistory records conversation turns into the given log.
func WithHistory(l *history.Log) Option {
	return func(c *Coordinator) { c.hist = l }
}

// WithMetrics attaches the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Mode returns the currently selected conversation mode.
func (c *Coordinator) Mode() config.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Active reports whether a conversation is running.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// StartConversation brings up the capture and network path for the selected
// mode. Calling it while already active is a no-op.
//
// A streaming connect failure does not abort the session when automatic
// downgrade is enabled: full-duplex falls back to legacy, hybrid stays
// hybrid with frames rerouted to the batch path.
func (c *Coordinator) StartConversation(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.epoch++
	epoch := c.epoch
	mode := c.mode
	c.failures = 0
	c.streamDown = false
	c.pending = c.pending[:0]
	sessCtx, cancel := context.WithCancel(context.Background())
	c.sessCtx = sessCtx
	c.sessCancel = cancel
	c.mu.Unlock()

	streaming := mode == config.ModeFullDuplex || mode == config.ModeHybrid
	if streaming {
		c.stream.SetCallbacks(c.streamCallbacks(epoch, mode))
		if err := c.stream.Connect(ctx); err != nil {
			if !c.cfg.AutoDowngrade {
				cancel()
				return fmt.Errorf("coordinator: connect stream: %w", err)
			}
			mode = c.connectFallback(epoch, mode, err)
			streaming = mode == config.ModeHybrid // hybrid keeps its name even degraded
		} else if mode == config.ModeHybrid {
			// Hybrid streams one bracketed utterance at a time; open the
			// first bracket so the remote knows where transcription begins.
			if err := c.stream.StreamStart(); err != nil {
				slog.Warn("stream start marker failed", "err", err)
			}
		}
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		cancel()
		return nil // superseded by a concurrent stop or mode switch
	}
	c.mode = mode
	if streaming && !c.streamDown {
		c.frames = make(chan audio.Frame, frameChanBuf)
		c.senderDone = make(chan struct{})
		go c.sendLoop(epoch, mode, c.frames, c.senderDone)
		c.route.Store(routeStream)
	} else {
		c.route.Store(routeBatch)
	}
	c.active = true
	c.mu.Unlock()

	if err := c.audio.StartCapture(c.onFrame, c.onLevel); err != nil {
		c.StopConversation()
		return fmt.Errorf("coordinator: start capture: %w", err)
	}
	slog.Info("conversation started", "mode", mode)
	return nil
}

// connectFallback applies the connect-failure downgrade and returns the
// effective mode.
func (c *Coordinator) connectFallback(epoch uint64, mode config.Mode, err error) config.Mode {
	switch mode {
	case config.ModeFullDuplex:
		c.noteDowngrade(mode, config.ModeLegacy, fmt.Sprintf("streaming connect failed: %v", err))
		return config.ModeLegacy
	case config.ModeHybrid:
		c.mu.Lock()
		if c.epoch == epoch {
			c.streamDown = true
		}
		c.mu.Unlock()
		c.noteDowngrade(mode, mode, fmt.Sprintf("streaming connect failed, batch fallback: %v", err))
		return mode
	}
	return mode
}

// StopConversation tears the active path down: capture stops, in-flight
// batch work is cancelled, and the streaming client is disconnected
// unconditionally. Always safe to call, including when idle.
func (c *Coordinator) StopConversation() {
	c.mu.Lock()
	wasActive := c.active
	c.active = false
	c.epoch++
	c.route.Store(routeDrop)
	frames := c.frames
	senderDone := c.senderDone
	c.frames = nil
	c.senderDone = nil
	cancel := c.sessCancel
	c.sessCancel = nil
	c.sessCtx = nil
	c.pending = nil
	hybridStream := wasActive && c.mode == config.ModeHybrid && !c.streamDown && frames != nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.audio.StopCapture()
	if frames != nil {
		close(frames)
		<-senderDone
	}
	if hybridStream {
		// Close the open utterance bracket so the remote does not wait for
		// audio that will never come.
		_ = c.stream.StreamEnd()
	}
	_ = c.stream.Disconnect()

	if wasActive {
		slog.Info("conversation stopped")
	}
}

// SetMode switches the conversation mode. When a conversation is active the
// previous path is fully torn down before the new one starts; the new mode
// cannot produce a send while the old one still holds the capture device.
func (c *Coordinator) SetMode(ctx context.Context, mode config.Mode) error {
	if !mode.IsValid() {
		return fmt.Errorf("coordinator: invalid mode %q", mode)
	}

	c.mu.Lock()
	wasActive := c.active
	from := c.mode
	c.mu.Unlock()
	if from == mode && !wasActive {
		c.mu.Lock()
		c.mode = mode
		c.mu.Unlock()
		return nil
	}

	if wasActive {
		c.StopConversation()
	}

	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	if c.ev.OnModeChange != nil && from != mode {
		c.ev.OnModeChange(from, mode, "requested")
	}

	if wasActive {
		return c.StartConversation(ctx)
	}
	return nil
}

// ─── Frame path ───────────────────────────────────────────────────────────────

// onFrame runs on the audio capture path and must not block. Streaming
// frames go to the sender queue, dropping the oldest on overflow; batch
// frames accumulate until EndUtterance.
func (c *Coordinator) onFrame(f audio.Frame) {
	if c.metrics != nil {
		c.metrics.CapturedFrames.Add(context.Background(), 1)
	}
	switch c.route.Load() {
	case routeStream:
		c.mu.Lock()
		frames := c.frames
		c.mu.Unlock()
		if frames == nil {
			return
		}
		select {
		case frames <- f:
		default:
			select {
			case <-frames:
			default:
			}
			select {
			case frames <- f:
			default:
			}
		}
	case routeBatch:
		c.mu.Lock()
		if len(c.pending) < maxPendingFrames {
			c.pending = append(c.pending, f)
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) onLevel(level float32) {
	if c.ev.OnLevel != nil {
		c.ev.OnLevel(level)
	}
}

// sendLoop forwards queued frames to the streaming client and watches for
// the consecutive-failure threshold.
func (c *Coordinator) sendLoop(epoch uint64, mode config.Mode, frames <-chan audio.Frame, done chan<- struct{}) {
	defer close(done)
	for f := range frames {
		err := c.stream.SendAudio(f)
		if err == nil {
			c.mu.Lock()
			c.failures = 0
			c.mu.Unlock()
			continue
		}

		if c.metrics != nil {
			c.metrics.RecordSendFailure(context.Background(), string(mode))
		}
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.failures++
		hit := c.failures >= c.cfg.DowngradeThreshold
		c.mu.Unlock()

		slog.Warn("stream send failed", "mode", mode, "err", err)
		if hit && c.cfg.AutoDowngrade {
			c.downgrade(epoch, mode)
			return
		}
	}
}

// downgrade reroutes an active session after repeated send failures:
// full-duplex drops to legacy, hybrid keeps its mode but switches frames to
// the batch path. The capture device stays up throughout.
func (c *Coordinator) downgrade(epoch uint64, mode config.Mode) {
	c.mu.Lock()
	if c.epoch != epoch || !c.active {
		c.mu.Unlock()
		return
	}
	to := mode
	if mode == config.ModeFullDuplex {
		to = config.ModeLegacy
		c.mode = to
	} else {
		c.streamDown = true
	}
	c.failures = 0
	c.frames = nil
	c.route.Store(routeBatch)
	c.mu.Unlock()

	_ = c.stream.Disconnect()
	c.noteDowngrade(mode, to, "repeated send failures")
}

func (c *Coordinator) noteDowngrade(from, to config.Mode, reason string) {
	if c.metrics != nil {
		c.metrics.RecordDowngrade(context.Background(), string(from), string(to))
	}
	slog.Warn("mode downgraded", "from", from, "to", to, "reason", reason)
	if c.ev.OnModeChange != nil && from != to {
		c.ev.OnModeChange(from, to, reason)
	}
	if c.ev.OnWarning != nil {
		c.ev.OnWarning(fmt.Sprintf("streaming unavailable (%s); continuing in %s mode", reason, to))
	}
}

// ─── Streaming callbacks ──────────────────────────────────────────────────────

// streamCallbacks builds the duplex callback set for one session epoch.
// Events from a superseded epoch are discarded instead of applied to the
// new session's state.
func (c *Coordinator) streamCallbacks(epoch uint64, mode config.Mode) duplex.Callbacks {
	live := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.epoch == epoch
	}

	return duplex.Callbacks{
		OnAudio: func(pcm []byte) {
			if live() {
				c.audio.PlayPCM16(pcm)
			}
		},
		OnTranscription: func(text string) {
			if !live() {
				return
			}
			c.recordTurn(history.RoleUser, text, mode)
			if c.ev.OnTranscription != nil {
				c.ev.OnTranscription(text)
			}
			if mode == config.ModeHybrid {
				go c.hybridTurn(epoch, text)
			}
		},
		OnStreaming: func(text string) {
			if live() && c.ev.OnStreamingText != nil {
				c.ev.OnStreamingText(text)
			}
		},
		OnFinal: func(text string) {
			if !live() {
				return
			}
			// Hybrid generates its responses on the batch path; finals from
			// the stream are transcription-session artifacts there.
			if mode == config.ModeFullDuplex {
				c.recordTurn(history.RoleAssistant, text, mode)
				if c.metrics != nil {
					c.metrics.RecordUtterance(context.Background(), string(mode))
				}
				if c.ev.OnFinalText != nil {
					c.ev.OnFinalText(text)
				}
			}
		},
		OnBackchannel: func(text string) {
			if live() && c.ev.OnBackchannel != nil {
				c.ev.OnBackchannel(text)
			}
		},
		OnError: func(err error) {
			if live() {
				slog.Warn("stream error", "err", err)
				if c.ev.OnWarning != nil {
					c.ev.OnWarning(err.Error())
				}
			}
		},
	}
}

// recordTurn appends to the history log when one is configured.
func (c *Coordinator) recordTurn(role history.Role, text string, mode config.Mode) {
	if c.hist == nil || text == "" {
		return
	}
	c.hist.Append(history.Turn{
		ID:   uuid.NewString(),
		Role: role,
		Text: text,
		Mode: string(mode),
	})
}

// Interrupt asks the streaming service to stop the in-progress response.
// A no-op when the streaming path is not up.
func (c *Coordinator) Interrupt() error {
	c.mu.Lock()
	streaming := c.active && !c.streamDown &&
		(c.mode == config.ModeFullDuplex || c.mode == config.ModeHybrid)
	c.mu.Unlock()
	if !streaming {
		return nil
	}
	return c.stream.Interrupt()
}

// session returns the live session context and epoch, or an error when
// idle.
func (c *Coordinator) session() (context.Context, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.sessCtx == nil {
		return nil, 0, ErrNotActive
	}
	return c.sessCtx, c.epoch, nil
}
