// Package mock provides a test double for the rag.Provider interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxmirror/voxmirror/pkg/provider/rag"
)

// Compile-time interface check.
var _ rag.Provider = (*Provider)(nil)

// Provider is a mock implementation of rag.Provider.
// Zero values cause Search to return nil, nil.
type Provider struct {
	mu sync.Mutex

	// Chunks is returned by Search.
	Chunks []rag.Chunk

	// Err, if non-nil, is returned by Search.
	Err error

	// Delay, if non-zero, is how long Search blocks before returning
	// (respecting ctx). Useful for deadline tests.
	Delay time.Duration

	// Queries records every Query passed to Search.
	Queries []rag.Query
}

// Search implements rag.Provider.
func (p *Provider) Search(ctx context.Context, q rag.Query) ([]rag.Chunk, error) {
	p.mu.Lock()
	p.Queries = append(p.Queries, q)
	chunks := p.Chunks
	err := p.Err
	delay := p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// CallCount returns the number of Search invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Queries)
}
