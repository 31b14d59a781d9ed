// Package llm defines the Provider interface for the response-generation
// backend of the conversation pipeline.
//
// The upstream service speaks a server-sent-event stream ("data: <json>"
// frames terminated by "data: [DONE]"); implementations surface it as a lazy
// channel of [Chunk] values that the turn orchestrator consumes and may
// abandon at any item when a turn is cancelled.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"
)

// Message is one entry of the conversation history sent to the model.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string

	// Content is the plain-text body of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// SystemPrompt is the persona / instruction block injected ahead of the
	// conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history; the last message is the
	// user utterance (with any retrieved context already folded in).
	Messages []Message

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on a final chunk
	// that only carries a FinishReason.
	Text string

	// FinishReason is set on the final chunk: "stop" for a natural end,
	// "length" when MaxTokens was reached, "error" when the stream failed
	// mid-flight (Text then holds the error message), "" otherwise.
	FinishReason string

	// Usage carries token accounting when the backend reports it for the
	// stream; it arrives at most once, on the final chunk. Nil for backends
	// without stream accounting.
	Usage *Usage
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
//
// Each method must propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// emitting Chunk values as they arrive. The channel is closed when
	// generation finishes or ctx is cancelled. Callers must drain the channel
	// to avoid goroutine leaks.
	//
	// The initial error is non-nil only for failures that prevent the stream
	// from starting; mid-stream failures surface as a Chunk with
	// FinishReason "error".
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Convenience wrapper
	// for callers that do not need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
