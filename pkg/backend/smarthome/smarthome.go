// Package smarthome provides the HTTP client for the smart-home routing
// backend. The coordinator consults it first for every finalised utterance:
// if the backend recognises a device command ("turn off the lights") it
// executes the action and answers with a confirmation message, otherwise it
// reports the utterance as not smart-home so the conversational path can
// handle it.
package smarthome

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 15 * time.Second

	routeEndpoint  = "/smart_home"
	healthEndpoint = "/health"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 15 s; device
// routing should be fast or the whole conversation stalls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// Client talks to one smart-home backend instance. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the smart-home backend at baseURL
// (e.g. "http://localhost:8003").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("smarthome: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// routeRequest is the JSON body sent to POST /smart_home.
type routeRequest struct {
	Command string `json:"command"`
}

// Routing is the backend's verdict on one utterance.
type Routing struct {
	// Handled reports whether the utterance was a smart-home command that
	// the backend executed.
	Handled bool

	// Message is the spoken confirmation ("Living room lights are off").
	// Empty when Handled is false.
	Message string

	// Action names the executed device action for logging.
	Action string
}

// routeResponse is the JSON body returned by POST /smart_home.
type routeResponse struct {
	Success     bool   `json:"success"`
	IsSmartHome bool   `json:"is_smart_home"`
	Message     string `json:"message"`
	Action      string `json:"action,omitempty"`
}

// Route asks the backend whether text is a smart-home command and, if so,
// executes it. A non-smart-home utterance returns Handled=false and a nil
// error; device failures on recognised commands return an error.
func (c *Client) Route(ctx context.Context, text string) (*Routing, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("smarthome: empty utterance")
	}

	data, err := json.Marshal(routeRequest{Command: text})
	if err != nil {
		return nil, fmt.Errorf("smarthome: marshal route request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+routeEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("smarthome: create route request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smarthome: POST %s: %w", routeEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("smarthome: POST %s returned status %d", routeEndpoint, resp.StatusCode)
	}

	var route routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&route); err != nil {
		return nil, fmt.Errorf("smarthome: decode route response: %w", err)
	}

	if !route.IsSmartHome {
		return &Routing{Handled: false}, nil
	}
	if !route.Success {
		msg := route.Message
		if msg == "" {
			msg = "device action failed"
		}
		return nil, fmt.Errorf("smarthome: %s", msg)
	}
	return &Routing{Handled: true, Message: route.Message, Action: route.Action}, nil
}

// Healthy probes GET /health. A nil error means the backend answered 200.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("smarthome: create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("smarthome: GET %s: %w", healthEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("smarthome: GET %s returned status %d", healthEndpoint, resp.StatusCode)
	}
	return nil
}
