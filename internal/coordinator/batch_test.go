package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxpilot/voxpilot/internal/config"
	"github.com/voxpilot/voxpilot/internal/history"
	"github.com/voxpilot/voxpilot/internal/wakeword"
	"github.com/voxpilot/voxpilot/pkg/backend/infer"
	"github.com/voxpilot/voxpilot/pkg/backend/smarthome"
)

func TestLegacyUtteranceRoundTrip(t *testing.T) {
	stream := &fakeStream{}
	batch := &fakeBatch{result: infer.Result{Transcription: "what time is it", Response: "half past nine"}}
	synth := &fakeSynth{path: "/tmp/out.wav"}
	aud := &fakeAudio{}
	hist := history.NewLog(10)

	final := make(chan string, 1)
	c := newTestCoordinator(t, config.ModeLegacy, stream, batch, synth, nil, aud,
		WithHistory(hist),
		WithEvents(Events{OnFinalText: func(text string) { final <- text }}))

	if err := c.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}

	aud.emit(testFrame())
	aud.emit(testFrame())
	if err := c.EndUtterance(); err != nil {
		t.Fatalf("EndUtterance: %v", err)
	}

	select {
	case got := <-final:
		if got != "half past nine" {
			t.Errorf("final = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response delivered")
	}

	waitFor(t, "synthesis and playback", func() bool {
		aud.mu.Lock()
		defer aud.mu.Unlock()
		return len(aud.played) == 1
	})
	aud.mu.Lock()
	if aud.played[0] != "/tmp/out.wav" {
		t.Errorf("played = %v", aud.played)
	}
	aud.mu.Unlock()

	waitFor(t, "history recorded", func() bool { return hist.Len() == 2 })
	turns := hist.Turns()
	if turns[0].Role != history.RoleUser || turns[0].Text != "what time is it" {
		t.Errorf("user turn = %+v", turns[0])
	}
	if turns[1].Role != history.RoleAssistant || turns[1].Text != "half past nine" {
		t.Errorf("assistant turn = %+v", turns[1])
	}
	if stream.sendCount() != 0 {
		t.Error("legacy mode touched the stream")
	}
}

func TestEndUtteranceEmptyBuffer(t *testing.T) {
	c := newTestCoordinator(t, config.ModeLegacy, &fakeStream{}, &fakeBatch{}, nil, nil, &fakeAudio{})
	if err := c.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.EndUtterance(); !errors.Is(err, ErrEmptyUtterance) {
		t.Errorf("EndUtterance on empty buffer = %v, want ErrEmptyUtterance", err)
	}
}

func TestEndUtteranceWhileIdle(t *testing.T) {
	c := newTestCoordinator(t, config.ModeLegacy, &fakeStream{}, &fakeBatch{}, nil, nil, &fakeAudio{})
	if err := c.EndUtterance(); !errors.Is(err, ErrNotActive) {
		t.Errorf("EndUtterance while idle = %v, want ErrNotActive", err)
	}
}

func TestSmartHomeConsultedFirst(t *testing.T) {
	batch := &fakeBatch{result: infer.Result{Transcription: "turn off the lights", Response: "I cannot control devices"}}
	home := &fakeHome{routing: &smarthome.Routing{Handled: true, Message: "Lights are off", Action: "lights_off"}}
	aud := &fakeAudio{}

	final := make(chan string, 1)
	c := newTestCoordinator(t, config.ModeLegacy, &fakeStream{}, batch, nil, home, aud,
		WithEvents(Events{OnFinalText: func(text string) { final <- text }}))

	if err := c.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}
	aud.emit(testFrame())
	if err := c.EndUtterance(); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-final:
		if got != "Lights are off" {
			t.Errorf("response = %q, want the smart-home confirmation", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response delivered")
	}
}

func TestSmartHomeFailureFallsThrough(t *testing.T) {
	batch := &fakeBatch{result: infer.Result{Transcription: "hello", Response: "hi there"}}
	home := &fakeHome{err: errors.New("router down")}
	aud := &fakeAudio{}

	final := make(chan string, 1)
	c := newTestCoordinator(t, config.ModeLegacy, &fakeStream{}, batch, nil, home, aud,
		WithEvents(Events{OnFinalText: func(text string) { final <- text }}))

	if err := c.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}
	aud.emit(testFrame())
	if err := c.EndUtterance(); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-final:
		if got != "hi there" {
			t.Errorf("response = %q, want conversational fallback", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response delivered")
	}
}

func TestWakewordGatesLegacyUtterances(t *testing.T) {
	batch := &fakeBatch{result: infer.Result{Transcription: "turn off the lights", Response: "done"}}
	aud := &fakeAudio{}

	final := make(chan string, 1)
	c := newTestCoordinator(t, config.ModeLegacy, &fakeStream{}, batch, nil, nil, aud,
		WithWakeword(wakeword.New("hey pilot", 0.88)),
		WithEvents(Events{OnFinalText: func(text string) { final <- text }}))

	if err := c.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}
	aud.emit(testFrame())
	if err := c.EndUtterance(); err != nil {
		t.Fatal(err)
	}

	// No wake phrase in the transcription: the utterance is ignored.
	select {
	case got := <-final:
		t.Errorf("response %q delivered without wake phrase", got)
	case <-time.After(200 * time.Millisecond):
	}

	batch.mu.Lock()
	batch.result.Transcription = "hey pilot turn off the lights"
	batch.mu.Unlock()
	aud.emit(testFrame())
	if err := c.EndUtterance(); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-final:
		if got != "done" {
			t.Errorf("response = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wake-phrase utterance not processed")
	}
}

func TestHybridTurnUsesBatchForResponses(t *testing.T) {
	stream := &fakeStream{}
	batch := &fakeBatch{result: infer.Result{Response: "it is sunny"}}
	aud := &fakeAudio{}

	final := make(chan string, 1)
	c := newTestCoordinator(t, config.ModeHybrid, stream, batch, nil, nil, aud,
		WithEvents(Events{OnFinalText: func(text string) { final <- text }}))

	if err := c.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}

	stream.callbacks().OnTranscription("what is the weather")

	select {
	case got := <-final:
		if got != "it is sunny" {
			t.Errorf("response = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hybrid turn produced no response")
	}
	batch.mu.Lock()
	defer batch.mu.Unlock()
	if len(batch.texts) != 1 || batch.texts[0] != "what is the weather" {
		t.Errorf("text queries = %v", batch.texts)
	}
}

func TestAskRoutesByMode(t *testing.T) {
	stream := &fakeStream{textReply: "streamed answer"}
	batch := &fakeBatch{result: infer.Result{Response: "batch answer"}}
	c := newTestCoordinator(t, config.ModeFullDuplex, stream, batch, nil, nil, &fakeAudio{})

	// Idle: batch path answers.
	got, err := c.Ask(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got != "batch answer" {
		t.Errorf("idle Ask = %q, want batch answer", got)
	}

	// Active full-duplex: the stream answers.
	if err := c.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err = c.Ask(context.Background(), "hello again")
	if err != nil {
		t.Fatal(err)
	}
	if got != "streamed answer" {
		t.Errorf("active Ask = %q, want streamed answer", got)
	}
}

func TestStopCancelsInFlightBatch(t *testing.T) {
	blocker := make(chan struct{})
	batch := &blockingBatch{release: blocker}
	aud := &fakeAudio{}

	final := make(chan string, 1)
	c := newTestCoordinator(t, config.ModeLegacy, &fakeStream{}, batch, nil, nil, aud,
		WithEvents(Events{OnFinalText: func(text string) { final <- text }}))

	if err := c.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}
	aud.emit(testFrame())
	if err := c.EndUtterance(); err != nil {
		t.Fatal(err)
	}

	c.StopConversation()
	close(blocker)

	select {
	case got := <-final:
		t.Errorf("cancelled utterance delivered %q", got)
	case <-time.After(300 * time.Millisecond):
	}
}

// blockingBatch blocks Query until release is closed, then returns a result.
type blockingBatch struct {
	release chan struct{}
}

func (b *blockingBatch) Query(ctx context.Context, _ []byte) (*infer.Result, error) {
	select {
	case <-b.release:
		return &infer.Result{Transcription: "late", Response: "too late"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingBatch) TextQuery(_ context.Context, _ string) (*infer.Result, error) {
	return &infer.Result{}, nil
}

func TestPlaybackConfinedToAllowedDirs(t *testing.T) {
	allowed := t.TempDir()

	cases := []struct {
		name string
		path string
		play bool
	}{
		{"inside", filepath.Join(allowed, "out.wav"), true},
		{"nested", filepath.Join(allowed, "turns", "out.wav"), true},
		{"outside", filepath.Join(os.TempDir(), "elsewhere", "out.wav"), false},
		{"escape", filepath.Join(allowed, "..", "out.wav"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stream := &fakeStream{}
			batch := &fakeBatch{result: infer.Result{Transcription: "hello", Response: "hi there"}}
			synth := &fakeSynth{path: tc.path}
			aud := &fakeAudio{}
			warnings := make(chan string, 4)
			c, err := New(Config{
				InitialMode:     config.ModeLegacy,
				AutoDowngrade:   true,
				Voice:           "narrator",
				AllowedPlayDirs: []string{allowed},
			}, stream, batch, synth, nil, aud, WithEvents(Events{
				OnWarning: func(msg string) { warnings <- msg },
			}))
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(c.StopConversation)

			if err := c.StartConversation(context.Background()); err != nil {
				t.Fatal(err)
			}
			aud.emit(testFrame())
			if err := c.EndUtterance(); err != nil {
				t.Fatal(err)
			}

			if tc.play {
				waitFor(t, "playback", func() bool {
					aud.mu.Lock()
					defer aud.mu.Unlock()
					return len(aud.played) == 1
				})
				return
			}

			select {
			case msg := <-warnings:
				if !strings.Contains(msg, "allowed directories") {
					t.Errorf("warning = %q, want a playback refusal", msg)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("no warning for a path outside the allowed directories")
			}
			aud.mu.Lock()
			defer aud.mu.Unlock()
			if len(aud.played) != 0 {
				t.Errorf("played %v, want nothing outside the allowed directories", aud.played)
			}
		})
	}
}
