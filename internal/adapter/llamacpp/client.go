package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dlorp/synapse-engine/internal/domain"
)

// CallResult is the parsed outcome of one chat completion.
type CallResult struct {
	Text            string
	TokensGenerated int
}

// Client calls the OpenAI-compatible chat endpoint of local inference
// servers. One client serves the whole fleet; the port selects the model.
type Client struct {
	host       string
	httpClient *http.Client
}

// NewClient creates a client that reaches servers on the given host.
// When the orchestrator runs in a separate network namespace from the
// inference processes, host is the gateway name; the port stays the
// contract.
func NewClient(host string) *Client {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Client{
		host: host,
		// Per-call deadlines come from the caller's context; no global
		// client timeout so long generations are not cut short.
		httpClient: &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

// Call POSTs the prompt as a single user message and returns the first
// choice plus the completion token count. The context carries the
// per-call timeout; expiry maps to ErrUpstreamTimeout, transport and
// non-2xx failures to ErrUpstream.
func (c *Client) Call(ctx context.Context, port int, prompt string, maxTokens int, temperature float64, timeout time.Duration) (*CallResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(chatRequest{
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/v1/chat/completions", c.host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("call %s: %w", url, domain.ErrUpstreamTimeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("call %s: %v: %w", url, err, domain.ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %v: %w", err, domain.ErrUpstream)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("inference server returned %d: %s: %w", resp.StatusCode, truncate(data, 256), domain.ErrUpstream)
	}

	var raw struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode completion: %v: %w", err, domain.ErrUpstream)
	}
	if len(raw.Choices) == 0 {
		return nil, fmt.Errorf("completion carried no choices: %w", domain.ErrUpstream)
	}

	return &CallResult{
		Text:            raw.Choices[0].Message.Content,
		TokensGenerated: raw.Usage.CompletionTokens,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
