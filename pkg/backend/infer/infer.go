// Package infer provides the HTTP client for the batch inference backend.
// The backend accepts a complete utterance (WAV audio or plain text) in a
// single request and returns the transcription and generated response. It is
// the request path used by hybrid and legacy conversation modes, where no
// full-duplex stream is available.
package infer

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
	defaultTimeout = 60 * time.Second

	queryEndpoint     = "/query"
	textQueryEndpoint = "/text_query"
	healthEndpoint    = "/health"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s; batch
// transcription plus generation can be slow on CPU-only hosts.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client talks to one inference backend instance. It is safe for concurrent
// use; requests are independent.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the inference backend at baseURL
// (e.g. "http://localhost:8000").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("infer: baseURL must not be empty")
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

// Result is the backend's answer to a query: what it heard and what it
// replied. Transcription is empty for text queries.
type Result struct {
	Transcription string `json:"transcription"`
	Response      string `json:"response"`
}

// textQueryRequest is the JSON body sent to POST /text_query.
type textQueryRequest struct {
	Text string `json:"text"`
}

// errorResponse is the JSON error body batch endpoints return on failure.
type errorResponse struct {
	Error string `json:"error"`
}

// Query submits a complete WAV-encoded utterance to POST /query and returns
// the transcription and response.
func (c *Client) Query(ctx context.Context, wav []byte) (*Result, error) {
	if len(wav) == 0 {
		return nil, errors.New("infer: empty audio payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+queryEndpoint, bytes.NewReader(wav))
	if err != nil {
		return nil, fmt.Errorf("infer: create query request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Accept", "application/json")

	return c.do(req, queryEndpoint)
}

// TextQuery submits a text utterance to POST /text_query. Transcription in
// the result is empty.
func (c *Client) TextQuery(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("infer: empty text query")
	}

	data, err := json.Marshal(textQueryRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("infer: marshal text query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+textQueryEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("infer: create text query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, textQueryEndpoint)
}

// Healthy probes GET /health. A nil error means the backend answered 200
// within the request timeout.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("infer: create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("infer: GET %s: %w", healthEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("infer: GET %s returned status %d", healthEndpoint, resp.StatusCode)
	}
	return nil
}

func (c *Client) do(req *http.Request, endpoint string) (*Result, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("infer: POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody errorResponse
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Error != "" {
			return nil, fmt.Errorf("infer: POST %s returned status %d: %s", endpoint, resp.StatusCode, errBody.Error)
		}
		return nil, fmt.Errorf("infer: POST %s returned status %d", endpoint, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("infer: decode query response: %w", err)
	}
	return &result, nil
}
