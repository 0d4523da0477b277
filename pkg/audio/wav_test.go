package audio

import (
	"math"
	"testing"
)

func TestEncodeDecodeWAV(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 0.25}
	wav := EncodeWAV(FloatToPCM16(samples), WireSampleRate, 1)

	decoded, rate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != WireSampleRate {
		t.Errorf("rate = %d, want %d", rate, WireSampleRate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("len = %d, want %d", len(decoded), len(samples))
	}
	for i := range samples {
		if math.Abs(float64(decoded[i]-samples[i])) > 0.001 {
			t.Errorf("sample %d = %f, want ~%f", i, decoded[i], samples[i])
		}
	}
}

func TestDecodeWAV_DownmixesStereo(t *testing.T) {
	stereo := []float32{1, 0, 0.5, 0.5}
	wav := EncodeWAV(FloatToPCM16(stereo), 44100, 2)

	decoded, rate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != 44100 {
		t.Errorf("rate = %d, want 44100", rate)
	}
	if len(decoded) != 2 {
		t.Fatalf("len = %d, want 2 mono samples", len(decoded))
	}
	if math.Abs(float64(decoded[0]-0.5)) > 0.001 {
		t.Errorf("decoded[0] = %f, want ~0.5", decoded[0])
	}
}

func TestDecodeWAV_RejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAV([]byte("not a wav file at all, just text bytes here")); err == nil {
		t.Fatal("expected error for non-RIFF data")
	}
	if _, _, err := DecodeWAV(nil); err == nil {
		t.Fatal("expected error for empty data")
	}
}

func TestEncodeFramesWAV(t *testing.T) {
	frames := []Frame{
		{Samples: []float32{0.1, 0.2}, Seq: 1},
		{Samples: []float32{0.3}, Seq: 2},
	}
	wav := EncodeFramesWAV(frames)

	decoded, rate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != WireSampleRate {
		t.Errorf("rate = %d, want %d", rate, WireSampleRate)
	}
	if len(decoded) != 3 {
		t.Errorf("len = %d, want 3 (frames flattened)", len(decoded))
	}
}

func TestFloatToPCM16_Clamps(t *testing.T) {
	pcm := FloatToPCM16([]float32{2.0, -2.0})
	got := PCM16ToFloat(pcm)
	if got[0] < 0.99 {
		t.Errorf("over-range sample = %f, want clamped near 1.0", got[0])
	}
	if got[1] > -0.99 {
		t.Errorf("under-range sample = %f, want clamped near -1.0", got[1])
	}
}
