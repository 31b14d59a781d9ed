// Package tts defines the Provider interface for speech synthesis backends.
//
// The primary entry point is SynthesizeStream, which accepts a channel of
// text fragments and returns a channel of audio chunks as they become
// available, enabling low-latency pipelining between LLM output and
// playback: the first sentence is being voiced while later ones are still
// being generated.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
)

// Voice identifies the voice profile used for synthesis.
type Voice struct {
	// ID is the provider-assigned voice identifier.
	ID string

	// Name is the human-readable voice name, informational only.
	Name string
}

// AudioChunk is one fragment of synthesised audio.
type AudioChunk struct {
	// Data is the raw audio bytes in the provider's configured output format.
	Data []byte

	// Err is set on the terminal chunk when synthesis failed mid-stream; the
	// channel is closed right after. Data is empty on an error chunk.
	Err error
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; multiple synthesis
// requests may run in parallel (one per active turn).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits audio chunks as they are synthesised.
	// The caller pipes sentence-sized LLM output fragments in and plays the
	// audio out without waiting for the full response text.
	//
	// The returned channel is closed by the implementation when the text
	// channel is closed and all audio has been emitted, or when ctx is
	// cancelled. The caller must drain the channel to avoid blocking the
	// provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started.
	// Mid-stream failures surface as a terminal AudioChunk with Err set.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan AudioChunk, error)
}
