// Package postgres provides a PostgreSQL-backed implementation of the turn
// archive. All operations share a single [pgxpool.Pool]; [NewStore] installs
// the required schema via CREATE TABLE IF NOT EXISTS on startup.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxmirror/voxmirror/pkg/archive"
)

// Compile-time interface check.
var _ archive.Store = (*Store)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id               TEXT         PRIMARY KEY,
    session_id       TEXT         NOT NULL,
    ts               TIMESTAMPTZ  NOT NULL DEFAULT now(),
    user_transcript  TEXT         NOT NULL DEFAULT '',
    confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
    retrieved_chunks TEXT[]       NOT NULL DEFAULT '{}',
    response         TEXT         NOT NULL DEFAULT '',
    asr_ms           BIGINT       NOT NULL DEFAULT 0,
    rag_ms           BIGINT       NOT NULL DEFAULT 0,
    llm_ms           BIGINT       NOT NULL DEFAULT 0,
    tts_ms           BIGINT       NOT NULL DEFAULT 0,
    total_ms         BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turns_session_ts
    ON turns (session_id, ts);
`

// Store is a PostgreSQL-backed turn archive. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// SaveTurn implements archive.Store.
func (s *Store) SaveTurn(ctx context.Context, rec archive.TurnRecord) error {
	const q = `
INSERT INTO turns
    (id, session_id, ts, user_transcript, confidence, retrieved_chunks,
     response, asr_ms, rag_ms, llm_ms, tts_ms, total_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, q,
		rec.ID, rec.SessionID, rec.Timestamp, rec.UserTranscript,
		rec.TranscriptConfidence, rec.RetrievedChunks, rec.Response,
		rec.ASRMs, rec.RAGMs, rec.LLMMs, rec.TTSMs, rec.TotalMs,
	)
	if err != nil {
		return fmt.Errorf("archive: save turn %s: %w", rec.ID, err)
	}
	return nil
}

// RecentTurns implements archive.Store.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]archive.TurnRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	const q = `
SELECT id, session_id, ts, user_transcript, confidence, retrieved_chunks,
       response, asr_ms, rag_ms, llm_ms, tts_ms, total_ms
FROM turns
WHERE session_id = $1
ORDER BY ts DESC
LIMIT $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent turns: %w", err)
	}
	defer rows.Close()

	var recs []archive.TurnRecord
	for rows.Next() {
		var r archive.TurnRecord
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.Timestamp, &r.UserTranscript,
			&r.TranscriptConfidence, &r.RetrievedChunks, &r.Response,
			&r.ASRMs, &r.RAGMs, &r.LLMMs, &r.TTSMs, &r.TotalMs,
		); err != nil {
			return nil, fmt.Errorf("archive: scan turn: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: recent turns rows: %w", err)
	}

	// Query returns newest first; callers expect oldest first.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// DeleteSession implements archive.Store.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM turns WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("archive: delete session %s: %w", sessionID, err)
	}
	return nil
}

// Ping implements archive.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close implements archive.Store. Safe to call multiple times.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
