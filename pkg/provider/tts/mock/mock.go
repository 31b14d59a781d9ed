// Package mock provides a test double for the tts.Provider interface.
//
// The mock echoes each text fragment back as one audio chunk (the fragment's
// bytes), which lets tests assert on exactly which text reached synthesis and
// in what order without inventing an audio fixture format.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxmirror/voxmirror/pkg/provider/tts"
)

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by SynthesizeStream.
	StartErr error

	// FailAfter, if > 0, makes the stream emit an error chunk after that
	// many successful chunks and stop consuming text.
	FailAfter int

	// Texts accumulates every text fragment consumed, across all calls.
	Texts []string

	// Voices records the Voice of every SynthesizeStream call.
	Voices []tts.Voice
}

// SynthesizeStream implements tts.Provider. Each consumed fragment is echoed
// back as an AudioChunk carrying the fragment's bytes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan tts.AudioChunk, error) {
	p.mu.Lock()
	p.Voices = append(p.Voices, voice)
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	failAfter := p.FailAfter
	p.mu.Unlock()

	ch := make(chan tts.AudioChunk, 256)
	go func() {
		defer close(ch)
		emitted := 0
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.Texts = append(p.Texts, fragment)
				p.mu.Unlock()

				if failAfter > 0 && emitted >= failAfter {
					select {
					case ch <- tts.AudioChunk{Err: errSynthesisFailed}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case ch <- tts.AudioChunk{Data: []byte(fragment)}:
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

// SynthesizedTexts returns a copy of all fragments consumed so far.
func (p *Provider) SynthesizedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}

var errSynthesisFailed = errors.New("tts mock: synthesis failed")
