package audio

// Resample converts float32 samples from srcRate to dstRate using linear
// interpolation. If the rates match (or either is invalid) the input is
// returned unchanged. Mono only — the capture path downmixes before
// resampling.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. If channels
// is 1 the input is returned unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// defaultLevelDecay is the per-buffer exponential decay applied to the level
// meter. Chosen so the meter falls smoothly instead of jittering with every
// callback.
const defaultLevelDecay = 0.85

// LevelMeter tracks a smoothed 0.0–1.0 input signal level. The level rises
// instantly to the peak of each buffer and decays exponentially between
// buffers. Not safe for concurrent use; the capture callback owns it.
type LevelMeter struct {
	decay float32
	level float32
}

// NewLevelMeter returns a meter with the given decay factor. Values outside
// (0, 1) fall back to the default of 0.85.
func NewLevelMeter(decay float32) *LevelMeter {
	if decay <= 0 || decay >= 1 {
		decay = defaultLevelDecay
	}
	return &LevelMeter{decay: decay}
}

// Update feeds one buffer of samples and returns the new smoothed level.
func (m *LevelMeter) Update(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak > 1 {
		peak = 1
	}

	decayed := m.level * m.decay
	if peak > decayed {
		m.level = peak
	} else {
		m.level = decayed
	}
	return m.level
}

// Level returns the current smoothed level without feeding new samples.
func (m *LevelMeter) Level() float32 { return m.level }
