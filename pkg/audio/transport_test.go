package audio

import "testing"

func TestCaptureCallbackWithoutStateIsNoop(t *testing.T) {
	tr := &Transport{cfg: Config{FrameSize: 4}}
	// No capture state published: the callback must drop the buffer.
	tr.captureCallback(make([]float32, 8))
}

func TestCaptureCallbackUsesPublishedState(t *testing.T) {
	tr := &Transport{cfg: Config{FrameSize: 4}}

	var frames []Frame
	levels := 0
	tr.capState.Store(&captureState{
		onFrame:   func(f Frame) { frames = append(frames, f) },
		onLevel:   func(float32) { levels++ },
		meter:     NewLevelMeter(0.85),
		devRate:   WireSampleRate,
		frameSize: 4,
	})

	tr.captureCallback(make([]float32, 10))

	// 10 wire-rate samples yield two 4-sample frames with 2 left pending.
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f.Samples) != 4 {
			t.Errorf("frame %d has %d samples, want 4", i, len(f.Samples))
		}
		if f.Seq != uint64(i+1) {
			t.Errorf("frame %d seq = %d, want %d", i, f.Seq, i+1)
		}
	}
	if levels != 1 {
		t.Errorf("level updates = %d, want 1 per device buffer", levels)
	}

	// Clearing the state silences the callback even if the audio thread
	// delivers one more buffer.
	tr.capState.Store(nil)
	tr.captureCallback(make([]float32, 8))
	if len(frames) != 2 {
		t.Errorf("frames after stop = %d, want 2", len(frames))
	}
}
