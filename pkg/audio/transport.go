package audio

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

const (
	// defaultFrameSize is the number of wire-rate samples per delivered
	// [Frame]: 1600 samples = 100 ms at 16 kHz.
	defaultFrameSize = 1600

	// maxQueuedSamples bounds the playback queue to ~30 s of audio. Beyond
	// that the oldest samples are dropped rather than growing without limit.
	maxQueuedSamples = 30 * WireSampleRate
)

// Config holds transport construction parameters.
type Config struct {
	// InputDevice is the PortAudio device index to capture from, or -1 for
	// the system default.
	InputDevice int

	// FrameSize is the number of wire-rate samples per delivered Frame.
	// Zero means the default of 1600 (100 ms).
	FrameSize int

	// LevelDecay is the exponential decay factor of the level meter.
	// Zero means the default of 0.85.
	LevelDecay float32
}

// Transport owns the PortAudio runtime, the capture stream, and the
// persistent playback stream. Construct with [New]; release with
// [Transport.Close].
//
// Transport is safe for concurrent use. Capture and playback callbacks run
// on PortAudio's audio thread and never block on network I/O or locks held
// across blocking operations.
type Transport struct {
	cfg Config

	mu        sync.Mutex
	playback  *portaudio.Stream
	capture   *portaudio.Stream
	capturing bool
	closed    bool

	// capState is the snapshot the capture callback works from. Published
	// atomically before the capture stream starts and cleared after it
	// stops, so the audio thread never races StartCapture/StopCapture.
	capState atomic.Pointer[captureState]

	// Playback queue. Guarded by qmu, shared between Play callers and the
	// playback callback.
	qmu      sync.Mutex
	queue    []float32
	dropWarn sync.Once

	seq atomic.Uint64
}

// captureState bundles everything the capture callback touches. The struct
// is owned by the audio thread between stream start and stop; everyone else
// only swaps the pointer.
type captureState struct {
	onFrame   func(Frame)
	onLevel   func(float32)
	meter     *LevelMeter
	devRate   int
	frameSize int
	pending   []float32
}

// New initialises PortAudio and opens the persistent playback stream. The
// playback stream stays open until [Transport.Close]; it is never re-created
// per utterance. On any failure the partially constructed engine is fully
// released before the error is returned.
func New(cfg Config) (*Transport, error) {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = defaultFrameSize
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, newError(ErrEngineInit, "initialize", err)
	}

	t := &Transport{cfg: cfg}

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(WireSampleRate), cfg.FrameSize, t.playbackCallback)
	if err != nil {
		portaudio.Terminate()
		return nil, newError(ErrEngineInit, "open playback stream", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, newError(ErrEngineInit, "start playback stream", err)
	}
	t.playback = stream

	return t, nil
}

// StartCapture begins continuous microphone capture. onFrame receives each
// resampled wire-format [Frame]; onLevel receives the smoothed 0.0–1.0 input
// level once per device buffer. Both are invoked on the audio thread and
// must not block.
//
// A second StartCapture while capture is active returns an error. On any
// failure the capture stream is fully torn down before returning — the
// transport is never left half-initialised.
func (t *Transport) StartCapture(onFrame func(Frame), onLevel func(float32)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return newError(ErrEngineInit, "start capture", errTransportClosed)
	}
	if t.capturing {
		return newError(ErrEngineInit, "start capture", errAlreadyCapturing)
	}

	dev, err := t.inputDevice()
	if err != nil {
		return err
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = dev.DefaultSampleRate
	params.FramesPerBuffer = 0 // let the host pick

	stream, err := portaudio.OpenStream(params, t.captureCallback)
	if err != nil {
		return newError(ErrFormatUnsupported, "open capture stream", err)
	}

	// Publish the callback state before the stream starts so the audio
	// thread only ever sees a complete snapshot.
	t.seq.Store(0)
	t.capState.Store(&captureState{
		onFrame:   onFrame,
		onLevel:   onLevel,
		meter:     NewLevelMeter(t.cfg.LevelDecay),
		devRate:   int(dev.DefaultSampleRate),
		frameSize: t.cfg.FrameSize,
	})

	if err := stream.Start(); err != nil {
		t.capState.Store(nil)
		stream.Close()
		return newError(ErrEngineInit, "start capture stream", err)
	}

	t.capture = stream
	t.capturing = true

	slog.Info("audio capture started", "device", dev.Name, "device_rate", int(dev.DefaultSampleRate))
	return nil
}

// StopCapture tears down the capture stream without touching playback.
// Safe to call when capture is not active.
func (t *Transport) StopCapture() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopCaptureLocked()
}

func (t *Transport) stopCaptureLocked() {
	if !t.capturing {
		return
	}
	t.capturing = false
	if t.capture != nil {
		_ = t.capture.Stop()
		_ = t.capture.Close()
		t.capture = nil
	}
	t.capState.Store(nil)
	slog.Info("audio capture stopped")
}

// Play enqueues wire-format samples onto the persistent playback engine.
// Never blocks; when the queue exceeds its bound the oldest samples are
// dropped.
func (t *Transport) Play(samples []float32) {
	t.qmu.Lock()
	t.queue = append(t.queue, samples...)
	if over := len(t.queue) - maxQueuedSamples; over > 0 {
		t.queue = t.queue[over:]
		t.dropWarn.Do(func() {
			slog.Warn("playback queue overflow, dropping oldest audio", "dropped_samples", over)
		})
	}
	t.qmu.Unlock()
}

// PlayPCM16 decodes 16-bit little-endian PCM and enqueues it for playback.
// This is the path used for binary frames received from the streaming
// backend.
func (t *Transport) PlayPCM16(pcm []byte) {
	t.Play(PCM16ToFloat(pcm))
}

// PlayFile decodes a WAV file, resamples it to the wire rate, and enqueues
// it for playback. Used for one-shot prompts and synthesised batch replies.
func (t *Transport) PlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("audio: play file: %w", err)
	}
	samples, rate, err := DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("audio: play file %q: %w", path, err)
	}
	if rate != WireSampleRate {
		samples = Resample(samples, rate, WireSampleRate)
		if len(samples) == 0 {
			return newError(ErrConverterUnavailable, "play file", fmt.Errorf("resample %dHz to %dHz produced no samples", rate, WireSampleRate))
		}
	}
	t.Play(samples)
	return nil
}

// QueuedDuration returns the buffered playback backlog in seconds.
func (t *Transport) QueuedDuration() float64 {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return float64(len(t.queue)) / WireSampleRate
}

// Close releases capture and playback resources and terminates the PortAudio
// runtime. Safe to call multiple times; subsequent calls return nil.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	t.stopCaptureLocked()
	if t.playback != nil {
		_ = t.playback.Stop()
		_ = t.playback.Close()
		t.playback = nil
	}
	portaudio.Terminate()
	return nil
}

// ─── Callbacks ────────────────────────────────────────────────────────────────

// captureCallback runs on the audio thread. It meters the raw buffer,
// resamples to the wire rate, and emits fixed-size frames.
func (t *Transport) captureCallback(in []float32) {
	st := t.capState.Load()
	if st == nil || st.onFrame == nil {
		return
	}

	if st.onLevel != nil {
		st.onLevel(st.meter.Update(in))
	}

	wire := Resample(in, st.devRate, WireSampleRate)
	st.pending = append(st.pending, wire...)

	for len(st.pending) >= st.frameSize {
		samples := make([]float32, st.frameSize)
		copy(samples, st.pending[:st.frameSize])
		st.pending = st.pending[st.frameSize:]
		st.onFrame(Frame{Samples: samples, Seq: t.seq.Add(1)})
	}
}

// playbackCallback runs on the audio thread. It drains the queue into the
// device buffer and zero-fills any shortfall so the stream keeps running
// through silence.
func (t *Transport) playbackCallback(out []float32) {
	t.qmu.Lock()
	n := copy(out, t.queue)
	t.queue = t.queue[n:]
	t.qmu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

// inputDevice resolves the configured capture device.
func (t *Transport) inputDevice() (*portaudio.DeviceInfo, error) {
	if t.cfg.InputDevice < 0 {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, newError(ErrInputUnavailable, "default input device", err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, newError(ErrInputUnavailable, "list devices", err)
	}
	if t.cfg.InputDevice >= len(devices) {
		return nil, newError(ErrInputUnavailable, "select device",
			fmt.Errorf("device index %d out of range (%d devices)", t.cfg.InputDevice, len(devices)))
	}
	dev := devices[t.cfg.InputDevice]
	if dev.MaxInputChannels < 1 {
		return nil, newError(ErrInputUnavailable, "select device",
			fmt.Errorf("device %q has no input channels", dev.Name))
	}
	return dev, nil
}
