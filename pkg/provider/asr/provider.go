// Package asr defines the Provider interface for streaming speech
// recognition backends.
//
// An ASR provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw audio frames and emits Transcript values —
// low-latency partials for responsiveness and an authoritative final once the
// utterance is complete.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package asr

import (
	"context"
)

// StreamConfig describes the audio format and recognition hints for a new
// transcription session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (e.g., 16000).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono, which is what most
	// recognition services require.
	Channels int

	// Encoding names the audio codec of the frames pushed via SendAudio
	// (e.g., "linear16", "opus"). Empty means the provider default.
	Encoding string

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "zh-CN"). Empty lets the provider auto-detect, if supported.
	Language string
}

// Transcript is one recognition result emitted by a session.
type Transcript struct {
	// Text is the recognised utterance text.
	Text string

	// IsFinal reports whether this is an authoritative result. Interim
	// results may be revised by later ones; finals never are.
	IsFinal bool

	// Confidence is the provider's confidence in Text, in [0, 1].
	Confidence float64
}

// SessionHandle represents an open streaming transcription session. It is an
// interface so that test code can provide mock implementations without a live
// provider connection.
//
// Callers must call Close when the session is no longer needed; failing to do
// so may leak goroutines and network connections inside the implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes to the provider for
	// transcription. The chunk must match the format agreed in StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Finalize signals the end of the current utterance. The provider flushes
	// its buffers and emits the authoritative final Transcript on Results.
	// Audio sent after Finalize starts a new utterance.
	Finalize() error

	// Results returns a read-only channel emitting interim and final
	// Transcript values in recognition order. The channel is closed when the
	// session ends.
	Results() <-chan Transcript

	// Close terminates the session and releases all associated resources.
	// After Close returns the Results channel will be closed. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming recognition backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously (one per connected conversation).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio configuration. The returned SessionHandle is ready to accept
	// audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
