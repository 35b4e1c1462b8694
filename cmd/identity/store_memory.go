package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for dev mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]User
	owners map[string]string // custody address -> user id
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]User),
		owners: make(map[string]string),
	}
}

func (s *MemoryStore) UserForCustody(ctx context.Context, now time.Time, custodyAddress string) (User, error) {
	const op = "identity.UserForCustody"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	custodyAddress = strings.TrimSpace(custodyAddress)
	if custodyAddress == "" {
		return User{}, invalid(op, "custody address is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewULID(now)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.owners[custodyAddress]; ok {
		if u, ok := s.users[owner]; ok {
			return u, nil
		}
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if _, exists := s.users[id]; exists {
		return User{}, ConflictError{Op: op, Field: "user_id"}
	}
	u := User{ID: id, CreatedAt: now, UpdatedAt: now}
	s.users[id] = u
	s.owners[custodyAddress] = id
	return u, nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (User, error) {
	const op = "identity.GetUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "user id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return u, nil
}

func (s *MemoryStore) UpsertLedgerUsers(ctx context.Context, rows []LedgerUser, now time.Time) (int, error) {
	const op = "identity.UpsertLedgerUsers"

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateLedgerRows(op, rows); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		u, ok := s.users[r.UserID]
		if !ok {
			u = User{ID: r.UserID, CreatedAt: now}
		}
		to, recovery, logAddr := r.To, r.Recovery, r.LogAddr
		ts, block := r.Timestamp, r.BlockNum
		u.To, u.Recovery, u.LogAddr = &to, &recovery, &logAddr
		u.Timestamp, u.BlockNum = &ts, &block
		u.UpdatedAt = now
		s.users[r.UserID] = u
	}
	return len(rows), nil
}

func (s *MemoryStore) LedgerWatermark(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	for _, u := range s.users {
		if u.BlockNum != nil && *u.BlockNum > max {
			max = *u.BlockNum
		}
	}
	return max, nil
}
