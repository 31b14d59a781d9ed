// Package remote provides a rag.Provider backed by an HTTP retrieval
// service. Requests are a single JSON POST; responses carry the scored
// chunks.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxmirror/voxmirror/pkg/provider/rag"
)

const defaultTimeout = 10 * time.Second

// Compile-time interface check.
var _ rag.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.client.Timeout = d
	}
}

// Provider implements rag.Provider over an HTTP retrieval endpoint.
type Provider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// New creates a new remote retrieval Provider. endpoint is the search URL of
// the retrieval service; apiKey may be empty for unauthenticated services.
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("rag: endpoint must not be empty")
	}
	p := &Provider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// searchRequest is the JSON body sent to the retrieval service.
type searchRequest struct {
	Query     string   `json:"query"`
	History   []string `json:"history,omitempty"`
	TopK      int      `json:"top_k"`
	Threshold float64  `json:"threshold"`
	UserID    string   `json:"user_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// searchResponse is the JSON body returned by the retrieval service.
type searchResponse struct {
	Chunks []struct {
		Content string  `json:"content"`
		Score   float64 `json:"score"`
		Source  string  `json:"source"`
	} `json:"chunks"`
}

// Search implements rag.Provider.
func (p *Provider) Search(ctx context.Context, q rag.Query) ([]rag.Chunk, error) {
	body, err := json.Marshal(searchRequest{
		Query:     q.Transcript,
		History:   q.History,
		TopK:      q.TopK,
		Threshold: q.Threshold,
		UserID:    q.UserID,
		SessionID: q.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("rag: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rag: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rag: search returned %d: %s", resp.StatusCode, msg)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("rag: decode response: %w", err)
	}

	chunks := make([]rag.Chunk, 0, len(out.Chunks))
	for _, c := range out.Chunks {
		chunks = append(chunks, rag.Chunk{
			Content: c.Content,
			Score:   c.Score,
			Source:  c.Source,
		})
	}
	return chunks, nil
}
