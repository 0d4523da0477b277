// Package synth provides the HTTP client for the speech synthesis backend.
// The backend exposes three generation flavours: clone (reference-sample
// voice cloning), custom (a named preset voice), and design (a voice built
// from a textual description). Each call is batch mode: one request per
// utterance, answered with the path of the rendered audio file.
package synth

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
	defaultTimeout = 120 * time.Second

	cloneEndpoint  = "/generate/clone"
	customEndpoint = "/generate/custom"
	designEndpoint = "/generate/design"
	healthEndpoint = "/health"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 120 s since
// voice generation is the slowest backend operation.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// Client talks to one synthesis backend instance. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the synthesis backend at baseURL
// (e.g. "http://localhost:8001").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("synth: baseURL must not be empty")
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

// cloneRequest is the JSON body for POST /generate/clone.
type cloneRequest struct {
	Text         string `json:"text"`
	ReferencePath string `json:"reference_path"`
}

// customRequest is the JSON body for POST /generate/custom.
type customRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// designRequest is the JSON body for POST /generate/design.
type designRequest struct {
	Text        string `json:"text"`
	Description string `json:"description"`
}

// generateResponse is the JSON body every generation endpoint returns.
type generateResponse struct {
	Status     string `json:"status"`
	OutputPath string `json:"output_path"`
	Message    string `json:"message,omitempty"`
}

// Clone renders text with a voice cloned from the reference audio file at
// referencePath (a path on the backend host). It returns the path of the
// rendered audio file.
func (c *Client) Clone(ctx context.Context, text, referencePath string) (string, error) {
	if referencePath == "" {
		return "", errors.New("synth: referencePath must not be empty")
	}
	return c.generate(ctx, cloneEndpoint, cloneRequest{Text: text, ReferencePath: referencePath})
}

// Custom renders text with the named preset voice and returns the path of
// the rendered audio file.
func (c *Client) Custom(ctx context.Context, text, voice string) (string, error) {
	if voice == "" {
		return "", errors.New("synth: voice must not be empty")
	}
	return c.generate(ctx, customEndpoint, customRequest{Text: text, Voice: voice})
}

// Design renders text with a voice generated from a free-form description
// ("a calm elderly narrator") and returns the path of the rendered audio
// file.
func (c *Client) Design(ctx context.Context, text, description string) (string, error) {
	if description == "" {
		return "", errors.New("synth: description must not be empty")
	}
	return c.generate(ctx, designEndpoint, designRequest{Text: text, Description: description})
}

// Healthy probes GET /health. A nil error means the backend answered 200.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("synth: create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("synth: GET %s: %w", healthEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("synth: GET %s returned status %d", healthEndpoint, resp.StatusCode)
	}
	return nil
}

func (c *Client) generate(ctx context.Context, endpoint string, body any) (string, error) {
	if text := textOf(body); strings.TrimSpace(text) == "" {
		return "", errors.New("synth: text must not be empty")
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("synth: marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("synth: create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("synth: POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("synth: POST %s returned status %d", endpoint, resp.StatusCode)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("synth: decode generate response: %w", err)
	}
	if gen.Status != "success" {
		msg := gen.Message
		if msg == "" {
			msg = gen.Status
		}
		return "", fmt.Errorf("synth: POST %s failed: %s", endpoint, msg)
	}
	if gen.OutputPath == "" {
		return "", errors.New("synth: generate response missing output path")
	}
	return gen.OutputPath, nil
}

func textOf(body any) string {
	switch b := body.(type) {
	case cloneRequest:
		return b.Text
	case customRequest:
		return b.Text
	case designRequest:
		return b.Text
	}
	return ""
}
