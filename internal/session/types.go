package session

import (
	"time"
)

// Turn is one complete user-utterance → response exchange. It is created by
// the turn orchestrator, mutated only by the goroutine that owns it, and
// committed to the session history exactly once.
type Turn struct {
	ID                   string
	SessionID            string
	Timestamp            time.Time
	UserTranscript       string
	TranscriptConfidence float64
	RetrievedChunks      []string
	LLMResponse          string

	// Per-stage latencies. TotalMs is the headline end-to-end figure
	// (first audio chunk relative to end of user speech) and is always at
	// least as large as the largest individual stage.
	ASRMs   int64
	RAGMs   int64
	LLMMs   int64
	TTSMs   int64
	TotalMs int64

	// Per-stage cost accounting in fractional cents, as reported by the
	// upstream services. Zero when a service reports none.
	ASRCost float64
	RAGCost float64
	LLMCost float64
	TTSCost float64
}

// Session is the persistent record of one conversation. It is owned by the
// [Store]; callers receive copies and must apply mutations through the store.
type Session struct {
	ID           string
	UserID       string
	ConnectionID string // current live connection; empty while reconnecting
	State        State
	History      []Turn
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	Metadata     map[string]string
}

// Expired reports whether the session has passed its expiry at the given
// instant.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RecentTurns returns up to n of the most recent history entries, oldest
// first. It returns the session's own slice sub-view; callers must not
// mutate it.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	if len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}
