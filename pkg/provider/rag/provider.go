// Package rag defines the Provider interface for retrieval backends that
// supply knowledge context to the response-generation stage.
//
// Retrieval is advisory: a turn can complete with zero chunks, so callers
// treat retrieval failures as an empty result rather than aborting the turn.
package rag

import (
	"context"
)

// Query describes one retrieval request.
type Query struct {
	// Transcript is the user utterance to retrieve context for.
	Transcript string

	// History is recent conversation context, oldest first, used by backends
	// that support conversational retrieval. May be empty.
	History []string

	// TopK is the maximum number of chunks to return.
	TopK int

	// Threshold is the minimum similarity score, in [0, 1]; chunks scoring
	// below it are dropped by the backend.
	Threshold float64

	// UserID and SessionID scope the search to the caller's knowledge space.
	UserID    string
	SessionID string
}

// Chunk is one retrieved knowledge fragment.
type Chunk struct {
	// Content is the fragment text.
	Content string

	// Score is the similarity score assigned by the backend, in [0, 1].
	Score float64

	// Source identifies where the fragment came from (document ID, URL, ...).
	Source string
}

// Provider is the abstraction over any retrieval backend.
type Provider interface {
	// Search returns the chunks most relevant to q, best first. An empty
	// slice with a nil error is a valid outcome: it means nothing relevant
	// was found.
	Search(ctx context.Context, q Query) ([]Chunk, error)
}
