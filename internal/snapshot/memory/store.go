// Package memory keeps snapshots in-memory for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/rankwatch/rankwatch/internal/ranking"
)

// Store holds the last saved snapshot.
type Store struct {
	mu    sync.RWMutex
	data  []byte
	saves int
	err   error
}

// New creates an empty memory Store.
func New() *Store {
	return &Store{}
}

// Load returns the last saved snapshot.
func (s *Store) Load(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil, ranking.ErrSnapshotNotFound
	}
	return append([]byte(nil), s.data...), nil
}

// Save replaces the stored snapshot, or returns the error set by FailWith.
func (s *Store) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data = append([]byte(nil), data...)
	s.saves++
	return nil
}

// FailWith makes subsequent saves fail with err; nil restores normal behavior.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Saves reports how many snapshots were written.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
