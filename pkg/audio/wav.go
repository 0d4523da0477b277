package audio

import (
	"encoding/binary"
	"fmt"
)

const bitsPerSample = 16

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. No external dependencies are required; the 44-byte
// header is written directly.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// EncodeFramesWAV flattens frames into one PCM16 buffer and wraps it in a
// WAV container at the wire sample rate. Used by the batch request path.
func EncodeFramesWAV(frames []Frame) []byte {
	var total int
	for _, f := range frames {
		total += len(f.Samples)
	}
	samples := make([]float32, 0, total)
	for _, f := range frames {
		samples = append(samples, f.Samples...)
	}
	return EncodeWAV(FloatToPCM16(samples), WireSampleRate, 1)
}

// DecodeWAV parses a RIFF/WAV container holding 16-bit PCM and returns the
// samples as float32 along with the container's sample rate. Chunks other
// than "fmt " and "data" are skipped. Only uncompressed PCM is supported.
func DecodeWAV(data []byte) (samples []float32, sampleRate int, err error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audio: decode wav: not a RIFF/WAVE container")
	}

	var (
		channels int
		bits     int
		pcm      []byte
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("audio: decode wav: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, 0, fmt.Errorf("audio: decode wav: unsupported format %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word-aligned.
		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}

	if sampleRate == 0 || pcm == nil {
		return nil, 0, fmt.Errorf("audio: decode wav: missing fmt or data chunk")
	}
	if bits != 16 {
		return nil, 0, fmt.Errorf("audio: decode wav: unsupported bit depth %d (want 16)", bits)
	}

	samples = PCM16ToFloat(pcm)
	if channels > 1 {
		samples = Downmix(samples, channels)
	}
	return samples, sampleRate, nil
}
