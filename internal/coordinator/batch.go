package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/voxpilot/voxpilot/internal/config"
	"github.com/voxpilot/voxpilot/internal/history"
	"github.com/voxpilot/voxpilot/pkg/audio"
)

// EndUtterance finalises the buffered utterance on the batch path: the
// accumulated frames are encoded as WAV and submitted to the inference
// backend, the response is synthesised and played. The heavy work runs on
// its own goroutine; results surface through the registered events.
//
// In hybrid mode with the stream up there is no local buffer; EndUtterance
// instead closes the current stream_start/stream_end bracket so the remote
// finalises the transcription, and opens the next one.
//
// Valid only while a conversation is active. Returns [ErrEmptyUtterance]
// when nothing was captured on the batch path.
func (c *Coordinator) EndUtterance() error {
	ctx, epoch, err := c.session()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.route.Load() != routeBatch {
		mode := c.mode
		c.mu.Unlock()
		if mode == config.ModeHybrid {
			return c.finishStreamSegment()
		}
		return fmt.Errorf("coordinator: mode %s does not buffer utterances", mode)
	}
	frames := c.pending
	c.pending = nil
	mode := c.mode
	c.mu.Unlock()

	if len(frames) == 0 {
		return ErrEmptyUtterance
	}

	go c.processUtterance(ctx, epoch, mode, audio.EncodeFramesWAV(frames))
	return nil
}

// finishStreamSegment brackets the utterance boundary on a live hybrid
// stream: end the current segment, start the next.
func (c *Coordinator) finishStreamSegment() error {
	if err := c.stream.StreamEnd(); err != nil {
		return fmt.Errorf("coordinator: end stream segment: %w", err)
	}
	if err := c.stream.StreamStart(); err != nil {
		return fmt.Errorf("coordinator: start stream segment: %w", err)
	}
	return nil
}

// processUtterance runs the batch round trip for one utterance. A stale
// epoch discards the result instead of applying it.
func (c *Coordinator) processUtterance(ctx context.Context, epoch uint64, mode config.Mode, wav []byte) {
	start := time.Now()
	result, err := c.batch.Query(ctx, wav)
	if c.metrics != nil {
		c.metrics.BatchQueryDuration.Record(context.Background(), time.Since(start).Seconds())
	}
	if err != nil {
		c.warn(epoch, fmt.Sprintf("batch query failed: %v", err))
		return
	}
	if c.stale(epoch) {
		return
	}

	transcription := strings.TrimSpace(result.Transcription)
	command := transcription
	if c.wake != nil {
		rest, ok := c.wake.Match(transcription)
		if !ok {
			slog.Debug("utterance without wake phrase ignored", "text", transcription)
			return
		}
		if rest != "" {
			command = rest
		}
	}
	if transcription != "" {
		c.recordTurn(history.RoleUser, transcription, mode)
		if c.ev.OnTranscription != nil {
			c.ev.OnTranscription(transcription)
		}
	}

	response := result.Response
	if handled, msg := c.consultHome(ctx, epoch, command); handled {
		response = msg
	}
	c.deliverResponse(ctx, epoch, mode, response)
}

// hybridTurn generates a response for a stream-transcribed utterance via
// the batch path.
func (c *Coordinator) hybridTurn(epoch uint64, transcription string) {
	ctx, curEpoch, err := c.session()
	if err != nil || curEpoch != epoch {
		return
	}

	command := strings.TrimSpace(transcription)
	if c.wake != nil {
		rest, ok := c.wake.Match(command)
		if !ok {
			return
		}
		if rest != "" {
			command = rest
		}
	}
	if command == "" {
		return
	}

	if handled, msg := c.consultHome(ctx, epoch, command); handled {
		c.deliverResponse(ctx, epoch, config.ModeHybrid, msg)
		return
	}

	start := time.Now()
	result, err := c.batch.TextQuery(ctx, command)
	if c.metrics != nil {
		c.metrics.BatchQueryDuration.Record(context.Background(), time.Since(start).Seconds())
	}
	if err != nil {
		c.warn(epoch, fmt.Sprintf("batch text query failed: %v", err))
		return
	}
	c.deliverResponse(ctx, epoch, config.ModeHybrid, result.Response)
}

// Ask submits a typed query outside the audio path: the streaming session
// answers it when one is up, otherwise the batch backend does. The
// smart-home router is consulted first either way.
func (c *Coordinator) Ask(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyUtterance
	}

	c.mu.Lock()
	epoch := c.epoch
	streaming := c.active && !c.streamDown &&
		(c.mode == config.ModeFullDuplex || c.mode == config.ModeHybrid)
	c.mu.Unlock()

	if handled, msg := c.consultHome(ctx, epoch, text); handled {
		c.recordTurn(history.RoleUser, text, c.Mode())
		c.recordTurn(history.RoleAssistant, msg, c.Mode())
		return msg, nil
	}

	var response string
	var err error
	if streaming {
		response, err = c.stream.SendText(ctx, text)
	} else {
		res, qerr := c.batch.TextQuery(ctx, text)
		if qerr != nil {
			err = qerr
		} else {
			response = res.Response
		}
	}
	if err != nil {
		return "", fmt.Errorf("coordinator: text query: %w", err)
	}

	c.recordTurn(history.RoleUser, text, c.Mode())
	c.recordTurn(history.RoleAssistant, response, c.Mode())
	return response, nil
}

// consultHome asks the smart-home router about an utterance. Router
// failures degrade to the conversational path rather than erroring out.
func (c *Coordinator) consultHome(ctx context.Context, epoch uint64, text string) (handled bool, msg string) {
	if c.home == nil || text == "" {
		return false, ""
	}
	routing, err := c.home.Route(ctx, text)
	if err != nil {
		c.warn(epoch, fmt.Sprintf("smart-home routing failed: %v", err))
		return false, ""
	}
	if !routing.Handled {
		return false, ""
	}
	return true, routing.Message
}

// deliverResponse records, announces, synthesises, and plays one response.
func (c *Coordinator) deliverResponse(ctx context.Context, epoch uint64, mode config.Mode, response string) {
	response = strings.TrimSpace(response)
	if response == "" || c.stale(epoch) {
		return
	}

	c.recordTurn(history.RoleAssistant, response, mode)
	if c.metrics != nil {
		c.metrics.RecordUtterance(context.Background(), string(mode))
	}
	if c.ev.OnFinalText != nil {
		c.ev.OnFinalText(response)
	}

	if c.synth == nil {
		return
	}
	start := time.Now()
	path, err := c.synth.Custom(ctx, response, c.cfg.Voice)
	if c.metrics != nil {
		c.metrics.SynthDuration.Record(context.Background(), time.Since(start).Seconds())
	}
	if err != nil {
		c.warn(epoch, fmt.Sprintf("synthesis failed: %v", err))
		return
	}
	if c.stale(epoch) {
		return
	}
	if !c.playAllowed(path) {
		c.warn(epoch, fmt.Sprintf("refusing to play %q: outside the allowed directories", path))
		return
	}
	if err := c.audio.PlayFile(path); err != nil {
		c.warn(epoch, fmt.Sprintf("playback failed: %v", err))
	}
}

// playAllowed reports whether path resolves to a location under one of the
// configured play directories. An empty allow list permits everything.
func (c *Coordinator) playAllowed(path string) bool {
	if len(c.playDirs) == 0 {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, dir := range c.playDirs {
		rel, err := filepath.Rel(dir, abs)
		if err != nil {
			continue
		}
		if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return true
	}
	return false
}

// stale reports whether epoch has been superseded by a stop or mode switch.
func (c *Coordinator) stale(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch != epoch
}

// warn surfaces a non-fatal problem unless the session it belongs to is
// already gone.
func (c *Coordinator) warn(epoch uint64, msg string) {
	if c.stale(epoch) {
		return
	}
	slog.Warn(msg)
	if c.ev.OnWarning != nil {
		c.ev.OnWarning(msg)
	}
}
