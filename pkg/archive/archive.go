// Package archive defines the repository interface for the persistent
// session/turn archive. The live conversation state stays in-process; the
// archive is a write-behind record of completed turns used for history,
// analytics, and billing reconciliation.
//
// Implementations must be safe for concurrent use.
package archive

import (
	"context"
	"time"
)

// TurnRecord is the archived form of one completed turn.
type TurnRecord struct {
	ID                   string
	SessionID            string
	Timestamp            time.Time
	UserTranscript       string
	TranscriptConfidence float64
	RetrievedChunks      []string
	Response             string

	ASRMs   int64
	RAGMs   int64
	LLMMs   int64
	TTSMs   int64
	TotalMs int64
}

// Store is the abstraction over any turn archive backend.
type Store interface {
	// SaveTurn persists one completed turn. Records are immutable once
	// written; saving the same turn id twice is an error.
	SaveTurn(ctx context.Context, rec TurnRecord) error

	// RecentTurns returns up to limit of the most recent turns for the
	// session, oldest first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)

	// DeleteSession removes every archived turn for the session. Used when a
	// user deletes their conversation history.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping verifies the backend is reachable. Used by readiness checks.
	Ping(ctx context.Context) error

	// Close releases the backend's resources. Safe to call multiple times.
	Close() error
}
