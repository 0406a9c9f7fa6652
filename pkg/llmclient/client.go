// Package llmclient is the chat-completion client abstraction shared by
// the forum aggregator's moderator calls and every stage of the report
// pipeline. It is a thin net/http wrapper: wire-protocol specifics of any
// one vendor API are out of scope (spec §1), so Client only needs to
// round-trip messages-in, text-out, optionally streamed.
//
// Grounded on pkg/llm/client.go's Client shape (one client per credential
// set, StreamChunk channel pair) generalized from that file's gRPC
// transport to a generic HTTP chat-completions transport, since no wire
// protocol is prescribed by the spec.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a chat-completion request. Temperature/MaxTokens are
// optional tuning knobs; zero values mean "use the client's default".
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Response is a non-streamed chat-completion result.
type Response struct {
	Content string
}

// Chunk is one piece of a streamed response.
type Chunk struct {
	Content    string
	IsFinal    bool
}

// Client is the interface both the forum aggregator and the report
// pipeline program against. Retry behavior is layered on top by callers
// (pkg/retry, or the report pipeline's own recovery ladder) — the client
// itself never retries, matching spec §4.14's non-goal.
type Client interface {
	// Complete performs a single non-streamed chat completion.
	Complete(ctx context.Context, req Request) (Response, error)
	// Stream performs a streamed chat completion. The returned channels are
	// closed when the stream ends; at most one value is ever sent on the
	// error channel.
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
	// Label identifies which engine credential this client was built from,
	// for fallback-list bookkeeping (spec §4.8.2 cross-engine fallback).
	Label() string
}

// Credentials configures one HTTPClient.
type Credentials struct {
	APIKey    string
	BaseURL   string
	ModelName string
	Label     string
}

// HTTPClient is the net/http-based implementation of Client. It speaks an
// OpenAI-chat-completions-shaped wire format (the lingua franca of the
// LLM proxies BettaFish's engines sit behind) since the spec explicitly
// puts exact wire protocol out of scope and leaves the choice to the
// implementation.
type HTTPClient struct {
	creds      Credentials
	httpClient *http.Client
}

// NewHTTPClient constructs a Client bound to one engine's credentials.
func NewHTTPClient(creds Credentials, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}
	return &HTTPClient{creds: creds, httpClient: httpClient}
}

func (c *HTTPClient) Label() string { return c.creds.Label }

type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type wireChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
}

// Complete sends a non-streamed request and returns the first choice's
// message content.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(wireRequest{
		Model:       c.creds.ModelName,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      false,
	})
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		return Response{}, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: %s: %w", c.creds.Label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Response{}, fmt.Errorf("llmclient: %s: status %d", c.creds.Label, resp.StatusCode)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Response{}, fmt.Errorf("llmclient: %s: decode response: %w", c.creds.Label, err)
	}
	if len(wire.Choices) == 0 {
		return Response{}, fmt.Errorf("llmclient: %s: empty choices", c.creds.Label)
	}
	return Response{Content: wire.Choices[0].Message.Content}, nil
}

// Stream sends a streamed request and forwards each SSE "data:" frame's
// delta content as a Chunk. Mirrors pkg/llm/client.go's GenerateStream
// channel-pair shape, re-expressed over an SSE body instead of a gRPC
// stream.
func (c *HTTPClient) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(wireRequest{
			Model:       c.creds.ModelName,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Stream:      true,
		})
		if err != nil {
			errs <- fmt.Errorf("llmclient: marshal request: %w", err)
			return
		}

		httpReq, err := c.newRequest(ctx, body)
		if err != nil {
			errs <- err
			return
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("llmclient: %s: %w", c.creds.Label, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			errs <- fmt.Errorf("llmclient: %s: status %d", c.creds.Label, resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				send(ctx, chunks, Chunk{IsFinal: true})
				return
			}
			var wire wireResponse
			if jsonErr := json.Unmarshal([]byte(data), &wire); jsonErr != nil {
				continue
			}
			if len(wire.Choices) == 0 {
				continue
			}
			choice := wire.Choices[0]
			isFinal := choice.FinishReason != ""
			content := choice.Delta.Content
			if content == "" {
				content = choice.Message.Content
			}
			if !send(ctx, chunks, Chunk{Content: content, IsFinal: isFinal}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("llmclient: %s: stream read: %w", c.creds.Label, err)
		}
	}()

	return chunks, errs
}

func send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmclient: %s: build request: %w", c.creds.Label, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.creds.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.creds.APIKey)
	}
	return req, nil
}

// WithCallTimeout wraps ctx with the per-LLM-call timeout (default 900s,
// spec §5) at the call site, not inside the client, per §4.14.
func WithCallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}
