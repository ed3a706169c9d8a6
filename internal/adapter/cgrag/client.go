// Package cgrag provides the HTTP client for the external CGRAG
// retrieval engine.
package cgrag

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
	"github.com/dlorp/synapse-engine/internal/domain/allocation"
	"github.com/dlorp/synapse-engine/internal/port/retrieval"
)

// Client implements retrieval.Retriever against the CGRAG service's
// /retrieve endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a retriever for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type retrieveRequest struct {
	Query       string `json:"query"`
	TokenBudget int    `json:"tokenBudget"`
}

type retrieveResponse struct {
	ContextText string                `json:"contextText"`
	Artifacts   []allocation.Artifact `json:"artifacts"`
}

// Retrieve posts the query and budget and returns context text plus
// provenance artifacts.
func (c *Client) Retrieve(ctx context.Context, query string, tokenBudget int) (*retrieval.Result, error) {
	body, err := json.Marshal(retrieveRequest{Query: query, TokenBudget: tokenBudget})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create retrieve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("cgrag retrieve: %w", domain.ErrUpstreamTimeout)
		}
		return nil, fmt.Errorf("cgrag retrieve: %v: %w", err, domain.ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read retrieve response: %v: %w", err, domain.ErrUpstream)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cgrag returned %d: %w", resp.StatusCode, domain.ErrUpstream)
	}

	var raw retrieveResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode retrieve response: %v: %w", err, domain.ErrUpstream)
	}

	return &retrieval.Result{ContextText: raw.ContextText, Artifacts: raw.Artifacts}, nil
}
