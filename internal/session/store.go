package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxmirror/voxmirror/pkg/archive"
)

// Default store tuning. Both are overridable via options.
const (
	// DefaultTTL is how long a session lives without activity. Every
	// mutation slides the expiry forward by this amount.
	DefaultTTL = 30 * time.Minute

	// DefaultSweepInterval is how often the background sweeper removes
	// expired sessions.
	DefaultSweepInterval = 5 * time.Minute
)

// ErrSessionNotFound is returned when the requested session does not exist
// or has expired. Expired records are indistinguishable from absent ones.
var ErrSessionNotFound = errors.New("session: not found")

// TransitionResult reports the outcome of a successful state transition.
type TransitionResult struct {
	Previous State
	Current  State
}

// sessionEntry pairs a session record with its own mutex so that mutations
// on one session id are serialized without blocking other ids.
type sessionEntry struct {
	mu   sync.Mutex
	sess Session
}

// Store is the process-wide session store. It is safe for concurrent use:
// the map index is guarded by mu and each session carries its own lock.
type Store struct {
	ttl     time.Duration
	now     func() time.Time
	archive archive.Store // nil = archiving disabled

	mu      sync.RWMutex
	entries map[string]*sessionEntry
	byConn  map[string]string // connection id → session id

	sweepOnce sync.Once
	sweepStop chan struct{}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*Store)

// WithTTL overrides the sliding session TTL.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the time source. Used by tests to drive expiry.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithArchive attaches a turn archive. Committed turns are forwarded to it
// best-effort: archive failures are logged and never fail the turn.
func WithArchive(a archive.Store) StoreOption {
	return func(s *Store) { s.archive = a }
}

// NewStore creates an empty session store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		ttl:       DefaultTTL,
		now:       time.Now,
		entries:   make(map[string]*sessionEntry),
		byConn:    make(map[string]string),
		sweepStop: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create allocates a fresh session in state IDLE bound to the given user and
// connection. The context bounds the call so that the gateway can enforce
// its handshake deadline.
func (s *Store) Create(ctx context.Context, userID, connectionID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, fmt.Errorf("session: create: %w", err)
	}
	now := s.now()
	sess := Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		ConnectionID: connectionID,
		State:        StateIdle,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttl),
		Metadata:     make(map[string]string),
	}

	s.mu.Lock()
	s.entries[sess.ID] = &sessionEntry{sess: sess}
	if connectionID != "" {
		s.byConn[connectionID] = sess.ID
	}
	s.mu.Unlock()

	return sess, nil
}

// FindByID returns a copy of the session, treating expired records as absent.
func (s *Store) FindByID(id string) (Session, bool) {
	e := s.entry(id)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.Expired(s.now()) {
		return Session{}, false
	}
	return e.sess, true
}

// FindByConnectionID returns the session bound to the given connection,
// treating expired records as absent.
func (s *Store) FindByConnectionID(connectionID string) (Session, bool) {
	s.mu.RLock()
	id, ok := s.byConn[connectionID]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	return s.FindByID(id)
}

// Update overwrites the stored state, history and metadata from sess and
// slides the activity and expiry timestamps forward.
func (s *Store) Update(sess Session) error {
	e := s.entry(sess.ID)
	if e == nil {
		return ErrSessionNotFound
	}
	now := s.now()
	e.mu.Lock()
	e.sess.State = sess.State
	e.sess.History = sess.History
	e.sess.Metadata = sess.Metadata
	e.sess.LastActivity = now
	e.sess.ExpiresAt = now.Add(s.ttl)
	e.mu.Unlock()
	return nil
}

// SetMetadata stores a single metadata key on the session and slides its
// expiry, serialized with all other mutations on the same id.
func (s *Store) SetMetadata(id, key, value string) error {
	e := s.entry(id)
	if e == nil {
		return ErrSessionNotFound
	}
	now := s.now()
	e.mu.Lock()
	if e.sess.Metadata == nil {
		e.sess.Metadata = make(map[string]string)
	}
	e.sess.Metadata[key] = value
	e.sess.LastActivity = now
	e.sess.ExpiresAt = now.Add(s.ttl)
	e.mu.Unlock()
	return nil
}

// Delete removes a single session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		delete(s.entries, id)
		if cid := e.sess.ConnectionID; cid != "" && s.byConn[cid] == id {
			delete(s.byConn, cid)
		}
	}
	s.mu.Unlock()
}

// DeleteByConnectionID removes every session bound to the connection
// (normally at most one) and returns the count removed.
func (s *Store) DeleteByConnectionID(connectionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if e.sess.ConnectionID == connectionID {
			delete(s.entries, id)
			removed++
		}
	}
	delete(s.byConn, connectionID)
	return removed
}

// CleanupExpired removes all sessions whose expiry has passed and returns
// the count removed.
func (s *Store) CleanupExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if e.sess.Expired(now) {
			delete(s.entries, id)
			if cid := e.sess.ConnectionID; cid != "" && s.byConn[cid] == id {
				delete(s.byConn, cid)
			}
			removed++
		}
	}
	return removed
}

// Len returns the number of stored sessions, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// TransitionState atomically applies a state-machine transition to the
// session. It is the only entry point for state changes. Returns the
// previous and current state on success; an illegal move returns the
// machine's "invalid state transition" error and leaves the state untouched.
func (s *Store) TransitionState(id string, to State) (TransitionResult, error) {
	e := s.entry(id)
	if e == nil {
		return TransitionResult{}, ErrSessionNotFound
	}
	now := s.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.Expired(now) {
		return TransitionResult{}, ErrSessionNotFound
	}

	prev := e.sess.State
	next, err := Transition(prev, to)
	if err != nil {
		return TransitionResult{}, err
	}
	e.sess.State = next
	e.sess.LastActivity = now
	e.sess.ExpiresAt = now.Add(s.ttl)
	return TransitionResult{Previous: prev, Current: next}, nil
}

// AppendTurn commits a completed turn to the session history. History is
// append-only during a session; the committed record is never modified. The
// turn is also forwarded to the archive when one is attached; archive
// failures are logged and swallowed.
func (s *Store) AppendTurn(ctx context.Context, id string, turn Turn) error {
	e := s.entry(id)
	if e == nil {
		return ErrSessionNotFound
	}
	now := s.now()
	e.mu.Lock()
	e.sess.History = append(e.sess.History, turn)
	e.sess.LastActivity = now
	e.sess.ExpiresAt = now.Add(s.ttl)
	e.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.SaveTurn(ctx, archiveRecord(turn)); err != nil {
			slog.Warn("turn archive write failed",
				"session_id", id,
				"turn_id", turn.ID,
				"error", err,
			)
		}
	}
	return nil
}

// StartSweeper launches the background expiry sweep, firing every interval
// until ctx is cancelled or Close is called. Each pass logs the count of
// sessions removed.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.sweepStop:
				return
			case <-ticker.C:
				if n := s.CleanupExpired(); n > 0 {
					slog.Info("expired sessions removed", "count", n)
				}
			}
		}
	}()
}

// Close stops the background sweeper. Safe to call multiple times.
func (s *Store) Close() error {
	s.sweepOnce.Do(func() { close(s.sweepStop) })
	return nil
}

// entry looks up the live entry for a session id.
func (s *Store) entry(id string) *sessionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// archiveRecord converts a Turn into its archive representation.
func archiveRecord(t Turn) archive.TurnRecord {
	return archive.TurnRecord{
		ID:                   t.ID,
		SessionID:            t.SessionID,
		Timestamp:            t.Timestamp,
		UserTranscript:       t.UserTranscript,
		TranscriptConfidence: t.TranscriptConfidence,
		RetrievedChunks:      t.RetrievedChunks,
		Response:             t.LLMResponse,
		ASRMs:                t.ASRMs,
		RAGMs:                t.RAGMs,
		LLMMs:                t.LLMMs,
		TTSMs:                t.TTSMs,
		TotalMs:              t.TotalMs,
	}
}
