package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for dev mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row)}
}

func (s *MemoryStore) Create(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[row.ID]; exists {
		return errors.New("session: duplicate session id")
	}
	s.rows[row.ID] = row
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return row, nil
}

func (s *MemoryStore) Extend(_ context.Context, id string, now, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok || !row.ExpiresAt.After(now) {
		return ErrSessionNotFound
	}
	row.ExpiresAt = expiresAt
	s.rows[id] = row
	return nil
}
