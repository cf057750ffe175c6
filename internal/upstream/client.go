package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// Endpoint is the session object handed out by the provisioning service: a
// URL plus the auth headers to present.
type Endpoint struct {
	URL     string
	Headers http.Header
}

// SessionSource yields the upstream endpoint for a request.
type SessionSource interface {
	Endpoint(ctx context.Context) (Endpoint, error)
}

// StaticSource serves a fixed endpoint from configuration.
type StaticSource struct {
	endpoint Endpoint
}

// NewStaticSource builds a source for a fixed URL with optional bearer auth.
func NewStaticSource(url, authToken string) *StaticSource {
	headers := make(http.Header)
	if authToken != "" {
		headers.Set("Authorization", "Bearer "+authToken)
	}
	return &StaticSource{endpoint: Endpoint{URL: url, Headers: headers}}
}

// Endpoint implements SessionSource.
func (s *StaticSource) Endpoint(ctx context.Context) (Endpoint, error) {
	return s.endpoint, nil
}

// Request is one turn sent to the upstream runtime.
type Request struct {
	Prompt string `json:"prompt"`
	// Resume names the session handle to continue; empty starts fresh.
	Resume string `json:"resume,omitempty"`
}

// Stream is a finite, ordered sequence of upstream events.
type Stream interface {
	Next() bool
	Current() Event
	Err() error
	Close() error
}

// Client invokes the upstream runtime and reads back its SSE event stream.
type Client struct {
	source     SessionSource
	httpClient *http.Client
}

// NewClient creates an upstream client over the given session source.
func NewClient(source SessionSource) *Client {
	return &Client{
		source: source,
		// No overall timeout: streams are long-lived and bounded by the
		// request context instead.
		httpClient: &http.Client{},
	}
}

// Invoke posts one turn and returns the upstream event stream. The stream is
// bounded by ctx; canceling it abandons consumption.
func (c *Client) Invoke(ctx context.Context, req Request) (Stream, error) {
	ep, err := c.source.Endpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve upstream endpoint: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vs := range ep.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke upstream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	return newSSEStream(ssestream.NewDecoder(resp)), nil
}

// sseStream adapts the SSE decoder to the Stream interface. The upstream
// emits data-only frames, so every non-empty data payload is decoded as an
// event regardless of the SSE event name; empty keep-alive frames are
// skipped.
type sseStream struct {
	decoder ssestream.Decoder
	current Event
	err     error
}

func newSSEStream(decoder ssestream.Decoder) *sseStream {
	return &sseStream{decoder: decoder}
}

func (s *sseStream) Next() bool {
	if s.err != nil {
		return false
	}
	for s.decoder.Next() {
		data := bytes.TrimSpace(s.decoder.Event().Data)
		if len(data) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.err = fmt.Errorf("decode upstream event: %w", err)
			return false
		}
		s.current = ev
		return true
	}
	s.err = s.decoder.Err()
	return false
}

func (s *sseStream) Current() Event { return s.current }

func (s *sseStream) Err() error { return s.err }

func (s *sseStream) Close() error { return s.decoder.Close() }

// RespondPermission posts a tool-permission decision back to the upstream so
// the paused tool invocation can proceed.
func (c *Client) RespondPermission(ctx context.Context, requestID string, allowed bool, reason string) error {
	ep, err := c.source.Endpoint(ctx)
	if err != nil {
		return fmt.Errorf("resolve upstream endpoint: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"allowed": allowed,
		"reason":  reason,
	})
	if err != nil {
		return fmt.Errorf("marshal permission decision: %w", err)
	}

	url := ep.URL + "/permissions/" + requestID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build permission request: %w", err)
	}
	for k, vs := range ep.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post permission decision: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream rejected permission decision: %d", resp.StatusCode)
	}
	return nil
}
