// Package audio implements the local audio transport: microphone capture with
// resampling to the 16 kHz mono wire format, a smoothed input level meter, and
// a persistent playback engine.
//
// The central type is [Transport]. It owns the PortAudio runtime and both
// stream directions. The playback stream is opened once at construction and
// reused for the lifetime of the process — re-creating device streams per
// utterance is the dominant source of glitches and handle leaks, so the only
// place a stream is ever closed is [Transport.Close].
//
// Capture callbacks run on PortAudio's audio I/O thread. Registered callbacks
// must never block; frame consumers are expected to hand frames off to their
// own goroutines immediately.
package audio

import "encoding/binary"

// WireSampleRate is the sample rate of every [Frame] delivered by the
// transport and expected by every backend: 16 kHz mono.
const WireSampleRate = 16000

// Frame is one fixed-format buffer of captured audio: mono, 16 kHz, float32
// samples in [-1, 1]. Seq increases monotonically per capture session and is
// used for diagnostics only — delivery order is guaranteed by the transport.
//
// A Frame is immutable after capture. Ownership passes from the capture
// callback to whichever component consumes it; it is never mutated
// concurrently.
type Frame struct {
	Samples []float32
	Seq     uint64
}

// Duration returns the frame length in seconds at the wire sample rate.
func (f Frame) Duration() float64 {
	return float64(len(f.Samples)) / WireSampleRate
}

// FloatToPCM16 converts float32 samples in [-1, 1] to 16-bit signed
// little-endian PCM bytes. Samples outside the valid range are clamped.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}

// PCM16ToFloat converts 16-bit signed little-endian PCM bytes to float32
// samples normalised to [-1, 1]. Any trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
