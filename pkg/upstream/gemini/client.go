package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pfeil-dev/pfeil/pkg/debug"
	"github.com/pfeil-dev/pfeil/pkg/stream"
)

// TokenFunc supplies a currently-valid bearer token for one attempt.
// It is invoked per attempt so a retry after a long backoff never reuses
// a token that expired in the meantime.
type TokenFunc func(ctx context.Context) (string, error)

// Client issues streaming requests against a Google-style generative API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// NewClient creates a client for the given backend and model. The HTTP
// client carries no timeout; stream lifetime is controlled by context
// cancellation and the consumer's heartbeat timer.
func NewClient(baseURL, model string) *Client {
	return &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
	}
}

// StreamAttempt returns the zero-argument request factory the resilient
// consumer re-invokes per attempt. The request body is marshaled once.
func (c *Client) StreamAttempt(req *GenerateRequest, token TokenFunc) (stream.AttemptFunc, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshaling request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)

	return func(ctx context.Context) (io.ReadCloser, error) {
		bearer, err := token(ctx)
		if err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gemini: building request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+bearer)

		debug.Log("upstream", "issuing stream request", "model", c.model)
		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			return nil, &stream.HTTPError{Status: resp.StatusCode, Body: string(snippet)}
		}
		debug.Log("upstream", "stream established",
			"model", c.model, "elapsed", time.Since(start).String())
		return resp.Body, nil
	}, nil
}

// Model returns the configured upstream model name.
func (c *Client) Model() string { return c.model }
