// Package mock provides an in-memory archive.Store for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxmirror/voxmirror/pkg/archive"
)

// Compile-time interface check.
var _ archive.Store = (*Store)(nil)

// Store is a mock turn archive. Configure the Err fields to inject failures;
// inspect Saved and call counts after the code under test has run.
type Store struct {
	mu    sync.Mutex
	calls map[string]int

	// Saved accumulates every record passed to SaveTurn.
	Saved []archive.TurnRecord

	SaveTurnErr     error
	RecentTurnsErr  error
	RecentTurnsRes  []archive.TurnRecord
	DeleteErr       error
	PingErr         error
}

// SaveTurn implements archive.Store.
func (s *Store) SaveTurn(_ context.Context, rec archive.TurnRecord) error {
	s.record("SaveTurn")
	if s.SaveTurnErr != nil {
		return s.SaveTurnErr
	}
	s.mu.Lock()
	s.Saved = append(s.Saved, rec)
	s.mu.Unlock()
	return nil
}

// RecentTurns implements archive.Store.
func (s *Store) RecentTurns(_ context.Context, _ string, _ int) ([]archive.TurnRecord, error) {
	s.record("RecentTurns")
	if s.RecentTurnsErr != nil {
		return nil, s.RecentTurnsErr
	}
	return s.RecentTurnsRes, nil
}

// DeleteSession implements archive.Store.
func (s *Store) DeleteSession(_ context.Context, _ string) error {
	s.record("DeleteSession")
	return s.DeleteErr
}

// Ping implements archive.Store.
func (s *Store) Ping(_ context.Context) error {
	s.record("Ping")
	return s.PingErr
}

// Close implements archive.Store.
func (s *Store) Close() error {
	s.record("Close")
	return nil
}

// CallCount returns how many times the named method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Store) record(method string) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[method]++
	s.mu.Unlock()
}
