// Package mock provides a test double for the lipsync.Provider interface.
//
// The mock emits one frame per consumed audio chunk, carrying the chunk's
// bytes, so tests can assert on frame counts and audio/frame pairing without
// a video fixture format.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxmirror/voxmirror/pkg/provider/lipsync"
)

// Compile-time interface check.
var _ lipsync.Provider = (*Provider)(nil)

// Provider is a mock implementation of lipsync.Provider.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by GenerateStream.
	StartErr error

	// FailAfter, if > 0, makes the stream emit an error frame after that
	// many successful frames and stop consuming audio.
	FailAfter int

	// Format stamps every emitted frame. Defaults to lipsync.FormatJPEG.
	Format string

	// Calls records the StreamOptions of every GenerateStream invocation.
	Calls []lipsync.StreamOptions
}

// GenerateStream implements lipsync.Provider. Each consumed audio chunk is
// echoed back as one VideoFrame carrying the chunk's bytes.
func (p *Provider) GenerateStream(ctx context.Context, audio <-chan []byte, opts lipsync.StreamOptions) (<-chan lipsync.VideoFrame, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, opts)
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	failAfter := p.FailAfter
	format := p.Format
	p.mu.Unlock()

	if format == "" {
		format = lipsync.FormatJPEG
	}

	ch := make(chan lipsync.VideoFrame, 256)
	go func() {
		defer close(ch)
		emitted := 0
		for {
			select {
			case chunk, ok := <-audio:
				if !ok {
					return
				}
				if failAfter > 0 && emitted >= failAfter {
					select {
					case ch <- lipsync.VideoFrame{Err: errGenerationFailed}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case ch <- lipsync.VideoFrame{Data: chunk, Format: format}:
					emitted++
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CallCount returns the number of GenerateStream invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

var errGenerationFailed = errors.New("lipsync mock: generation failed")
