// Package lipsync defines the Provider interface for avatar animation
// backends that turn synthesised speech into lip-synced video frames.
//
// Video is an optional enhancement of a conversation turn: when a lipsync
// backend fails mid-turn the caller keeps streaming audio and simply stops
// emitting frames, so implementations should fail soft rather than tear the
// stream down aggressively.
package lipsync

import (
	"context"
)

// Frame formats emitted by lipsync backends.
const (
	FormatJPEG = "jpeg"
	FormatH264 = "h264"
)

// StreamOptions configures a frame generation stream.
type StreamOptions struct {
	// AvatarID selects the avatar model to animate.
	AvatarID string

	// Format is the requested frame encoding, one of the Format constants.
	// Empty means the provider default.
	Format string

	// SampleRate is the sample rate in Hz of the audio pushed into the
	// stream, so the backend can align frame timing.
	SampleRate int
}

// VideoFrame is one animation frame produced from the audio stream.
type VideoFrame struct {
	// Data is the encoded frame payload.
	Data []byte

	// Format is the encoding of Data, one of the Format constants.
	Format string

	// Err is set on the terminal frame when generation failed mid-stream;
	// the channel is closed right after. Data is empty on an error frame.
	Err error
}

// Provider is the abstraction over any lipsync backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// GenerateStream consumes raw audio chunks from the audio channel and
	// returns a channel emitting video frames timed to that audio. The
	// returned channel is closed when the audio channel is closed and all
	// frames have been emitted, or when ctx is cancelled.
	//
	// Returns a non-nil error only if the stream cannot be started.
	// Mid-stream failures surface as a terminal VideoFrame with Err set.
	GenerateStream(ctx context.Context, audio <-chan []byte, opts StreamOptions) (<-chan VideoFrame, error)
}
