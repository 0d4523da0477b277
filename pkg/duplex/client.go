// Package duplex implements the client side of the full-duplex streaming
// speech protocol.
//
// A [Client] owns one WebSocket connection to the full-duplex speech service.
// Outbound microphone audio is sent as binary PCM16 frames; inbound frames
// are either binary audio (forwarded to the audio callback for playback) or
// tagged JSON messages: transcriptions, partial/final responses,
// back-channel acknowledgements, state transitions, and protocol errors.
//
// All inbound messages are processed strictly in receipt order on a single
// receive-loop goroutine, so partial-response accumulation never interleaves
// fragments from two utterances. Callbacks are invoked on that goroutine and
// must not block.
package duplex

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/voxpilot/voxpilot/pkg/audio"
)

// Sentinel errors returned by [Client] operations. Connect failures are
// classified so the coordinator can distinguish a dead backend from a
// certificate problem.
var (
	ErrNotConnected = errors.New("duplex: not connected")
	ErrDialTimeout  = errors.New("duplex: connect timed out")
	ErrDialRefused  = errors.New("duplex: connection refused")
	ErrDialTLS      = errors.New("duplex: TLS handshake failed")
)

// defaultDialTimeout bounds a connect attempt when the config does not
// specify one.
const defaultDialTimeout = 10 * time.Second

// pendingBuf is the capacity of the final-response queue consumed by
// [Client.SendText]. One slot is enough for the request/response pattern;
// extra slots absorb unsolicited finals between calls.
const pendingBuf = 4

// Config holds the connection parameters and session settings for a [Client].
type Config struct {
	// Host and Port locate the full-duplex service.
	Host string
	Port int

	// Path is the WebSocket endpoint path, e.g. "/ws".
	Path string

	// TLS enables wss://. InsecureSkipVerify disables certificate
	// verification — local development only.
	TLS                bool
	InsecureSkipVerify bool

	// DialTimeout bounds the handshake. Zero means 10 s.
	DialTimeout time.Duration

	// Session parameters sent in the config message after connecting.
	Persona           string
	VoiceStyle        string
	Language          string
	EnableBackchannel bool
	ResponseLatencyMs int
}

// URL returns the WebSocket endpoint URL for the configuration.
func (c Config) URL() string {
	scheme := "ws"
	if c.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.Host, c.Port, c.Path)
}

// Callbacks groups the event handlers a consumer may register. Nil fields
// are simply not invoked. All callbacks run on the receive-loop goroutine
// in strict receipt order and must not block.
type Callbacks struct {
	// OnAudio receives raw PCM16 audio for playback.
	OnAudio func(pcm []byte)

	// OnTranscription receives each completed user-utterance transcription.
	OnTranscription func(text string)

	// OnStreaming receives the accumulated response buffer after every
	// partial fragment.
	OnStreaming func(text string)

	// OnFinal receives the finalised response text, exactly once per
	// utterance.
	OnFinal func(text string)

	// OnBackchannel receives short acknowledgements immediately; they are
	// never buffered into the response accumulation.
	OnBackchannel func(text string)

	// OnState receives connection-state transitions with an optional
	// human-readable detail.
	OnState func(s State, detail string)

	// OnError receives protocol errors and the read error that ended a
	// session. Protocol errors do not close the connection.
	OnError func(err error)
}

// Client is the full-duplex streaming protocol client. Create with [New],
// connect with [Client.Connect], release with [Client.Disconnect].
//
// Client is safe for concurrent use. The response buffer is touched only by
// the receive loop.
type Client struct {
	cfg Config

	mu     sync.Mutex
	cb     Callbacks
	conn   *websocket.Conn
	state  State
	cancel context.CancelFunc
	ctx    context.Context

	// pending queues final responses for SendText waiters.
	pending chan string

	// buf accumulates partial response fragments for the in-flight
	// utterance. Owned by the receive loop; reset on connect.
	buf string
}

// New creates a client for the given configuration. No connection is opened
// until [Client.Connect].
func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Client{
		cfg:     cfg,
		state:   StateDisconnected,
		pending: make(chan string, pendingBuf),
	}
}

// SetCallbacks registers the event handlers. Call before Connect; calling
// later replaces the previous registration for subsequent events.
func (c *Client) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the WebSocket connection, sends the session config message,
// and starts the receive loop. While a connect attempt is in flight or a
// connection is open, additional calls are no-ops returning nil.
//
// The supplied ctx bounds the handshake only; the connection itself lives
// until [Client.Disconnect].
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateError {
		c.mu.Unlock()
		return nil
	}
	// A remote error leaves the connection open; tear it down before the
	// new dial so exactly one session owns the receive path.
	if c.conn != nil {
		stale, staleCancel := c.conn, c.cancel
		c.conn, c.cancel, c.ctx = nil, nil, nil
		c.mu.Unlock()
		staleCancel()
		_ = stale.Close(websocket.StatusNormalClosure, "reconnect")
		c.mu.Lock()
	}
	fn := c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()
	notify(fn)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.cfg.TLS && c.cfg.InsecureSkipVerify {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL(), opts)
	if err != nil {
		classified := classifyDialError(err)
		c.mu.Lock()
		fn := c.setStateLocked(StateDisconnected, "")
		c.mu.Unlock()
		notify(fn)
		return classified
	}

	// Raise the read limit: binary audio frames routinely exceed the
	// 32 KiB library default.
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.ctx = sessCtx
	c.cancel = sessCancel
	c.buf = ""
	c.drainPendingLocked()
	fn = c.setStateLocked(StateConnected, "")
	c.mu.Unlock()
	notify(fn)

	if err := c.writeJSON(configMessage{
		Type:              "config",
		Persona:           c.cfg.Persona,
		VoiceStyle:        c.cfg.VoiceStyle,
		Language:          c.cfg.Language,
		EnableBackchannel: c.cfg.EnableBackchannel,
		ResponseLatencyMs: c.cfg.ResponseLatencyMs,
	}); err != nil {
		_ = c.Disconnect()
		return fmt.Errorf("duplex: send config: %w", err)
	}

	go c.receiveLoop(sessCtx, conn)

	slog.Info("duplex connected", "url", c.cfg.URL(), "persona", c.cfg.Persona)
	return nil
}

// SendAudio transmits one wire-format frame as binary PCM16. Valid only when
// connected; otherwise it returns [ErrNotConnected] so the caller can count
// the failure toward a downgrade decision.
func (c *Client) SendAudio(frame audio.Frame) error {
	c.mu.Lock()
	conn, ctx := c.conn, c.ctx
	connected := c.state >= StateConnected && c.state != StateError
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, websocket.MessageBinary, audio.FloatToPCM16(frame.Samples)); err != nil {
		return fmt.Errorf("duplex: send audio: %w", err)
	}
	return nil
}

// SendText submits a text query over the open session and waits for the next
// final response, bounded by ctx. Finals queued from earlier utterances are
// discarded before the query is sent.
func (c *Client) SendText(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	connected := c.state >= StateConnected && c.state != StateError
	c.drainPendingLocked()
	c.mu.Unlock()

	if !connected {
		return "", ErrNotConnected
	}
	if err := c.writeJSON(textQueryMessage{Type: "text_query", Text: text}); err != nil {
		return "", fmt.Errorf("duplex: send text query: %w", err)
	}

	select {
	case resp := <-c.pending:
		return resp, nil
	case <-ctx.Done():
		return "", fmt.Errorf("duplex: text query: %w", ctx.Err())
	}
}

// Interrupt asks the remote service to stop the current speech or
// processing turn.
func (c *Client) Interrupt() error {
	return c.writeControl("interrupt")
}

// StreamStart marks the beginning of a bracketed utterance stream.
func (c *Client) StreamStart() error {
	return c.writeControl("stream_start")
}

// StreamEnd marks the end of a bracketed utterance stream.
func (c *Client) StreamEnd() error {
	return c.writeControl("stream_end")
}

// Disconnect closes the connection and releases the receive loop. Safe to
// call when already disconnected; subsequent calls return nil.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.conn == nil {
		fn := c.setStateLocked(StateDisconnected, "")
		c.mu.Unlock()
		notify(fn)
		return nil
	}
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.ctx = nil
	fn := c.setStateLocked(StateDisconnected, "")
	c.mu.Unlock()
	notify(fn)

	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	slog.Info("duplex disconnected")
	return nil
}

// ─── Receive path ─────────────────────────────────────────────────────────────

// receiveLoop reads frames until the connection closes or the session
// context is cancelled. It is the only goroutine that touches the response
// buffer, so message effects are applied strictly in receipt order.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // deliberate disconnect
			}
			c.emitError(fmt.Errorf("duplex: connection lost: %w", err))
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				if c.cancel != nil {
					c.cancel()
					c.cancel = nil
				}
			}
			fn := c.setStateLocked(StateDisconnected, "connection lost")
			c.mu.Unlock()
			notify(fn)
			return
		}

		if typ == websocket.MessageBinary {
			if cb := c.callbacks().OnAudio; cb != nil {
				cb(data)
			}
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("duplex: dropping malformed message", "err", err)
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *serverMessage) {
	cb := c.callbacks()

	switch msg.Type {
	case "transcription":
		if cb.OnTranscription != nil && msg.Text != "" {
			cb.OnTranscription(msg.Text)
		}

	case "response":
		if msg.Partial {
			// An unexpected partial after a final simply starts a new
			// buffer; the append below covers both cases.
			c.buf += msg.Text
			if cb.OnStreaming != nil {
				cb.OnStreaming(c.buf)
			}
			return
		}
		// Final: explicit text overrides the accumulated buffer.
		final := msg.Text
		if final == "" {
			final = c.buf
		}
		c.buf = ""
		if final == "" {
			return
		}
		select {
		case c.pending <- final:
		default:
		}
		if cb.OnFinal != nil {
			cb.OnFinal(final)
		}

	case "backchannel":
		if cb.OnBackchannel != nil && msg.Text != "" {
			cb.OnBackchannel(msg.Text)
		}

	case "state":
		s, ok := stateFromWire(msg.State)
		if !ok {
			slog.Debug("duplex: unknown remote state", "state", msg.State)
			return
		}
		c.mu.Lock()
		fn := c.setStateLocked(s, msg.Detail)
		c.mu.Unlock()
		// Run on the receive path so state events keep receipt order
		// relative to the other callbacks.
		notify(fn)

	case "error":
		m := msg.Message
		if m == "" {
			m = "unknown error"
		}
		// Protocol errors are surfaced but do not close the connection.
		c.emitError(fmt.Errorf("duplex: remote error: %s", m))

	default:
		slog.Debug("duplex: unknown message type", "type", msg.Type)
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (c *Client) callbacks() Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

// setStateLocked updates the state and returns the observer notification to
// run once c.mu is released, or nil when the state is unchanged. Invoking
// the returned func on the calling goroutine keeps state events ordered
// with the other callbacks on the receive path.
func (c *Client) setStateLocked(s State, detail string) func() {
	if c.state == s {
		return nil
	}
	c.state = s
	cb := c.cb.OnState
	if cb == nil {
		return nil
	}
	return func() { cb(s, detail) }
}

// notify runs a pending state notification. nil-safe.
func notify(fn func()) {
	if fn != nil {
		fn()
	}
}

func (c *Client) drainPendingLocked() {
	for {
		select {
		case <-c.pending:
		default:
			return
		}
	}
}

func (c *Client) emitError(err error) {
	if cb := c.callbacks().OnError; cb != nil {
		cb(err)
	} else {
		slog.Warn("duplex error", "err", err)
	}
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	conn, ctx := c.conn, c.ctx
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("duplex: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) writeControl(kind string) error {
	if err := c.writeJSON(controlMessage{Type: kind}); err != nil {
		return fmt.Errorf("duplex: send %s: %w", kind, err)
	}
	return nil
}

// classifyDialError maps a handshake failure onto one of the dial sentinels
// so callers can branch on the failure class.
func classifyDialError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrDialTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrDialRefused, err)
	}
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) {
		return fmt.Errorf("%w: %v", ErrDialTLS, err)
	}
	return fmt.Errorf("duplex: dial: %w", err)
}
