package keys

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no database is configured and in tests.
// It enforces the same uniqueness rules as the Postgres schema.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) FindByCustodyAddress(_ context.Context, custodyAddress string) (Record, error) {
	return s.first(func(r Record) bool { return r.CustodyAddress == custodyAddress })
}

func (s *MemoryStore) FindByUser(_ context.Context, userID string) (Record, error) {
	return s.first(func(r Record) bool { return r.UserID == userID })
}

func (s *MemoryStore) FindByUserDevice(_ context.Context, userID, deviceID string) (Record, error) {
	return s.first(func(r Record) bool { return r.UserID == userID && r.DeviceID == deviceID })
}

func (s *MemoryStore) FindByCustodyDevice(_ context.Context, custodyAddress, deviceID string) (Record, error) {
	return s.first(func(r Record) bool { return r.CustodyAddress == custodyAddress && r.DeviceID == deviceID })
}

func (s *MemoryStore) Insert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.EncryptedPrivateKey = bytes.Clone(rec.EncryptedPrivateKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.Ref() == rec.Ref() {
			return ErrDuplicateKey
		}
		if r.CustodyAddress == rec.CustodyAddress && r.DeviceID == rec.DeviceID {
			return ErrDuplicateKey
		}
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) UpdateEncryptedKey(ctx context.Context, ref Ref, ciphertext []byte, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ciphertext) == 0 {
		return ErrInvalidRecord
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].Ref() == ref {
			s.records[i].EncryptedPrivateKey = bytes.Clone(ciphertext)
			s.records[i].UpdatedAt = now
			return nil
		}
	}
	return ErrNotFound
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// records are kept in insertion order, so the first match is the oldest.
func (s *MemoryStore) first(match func(Record) bool) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if match(r) {
			r.EncryptedPrivateKey = bytes.Clone(r.EncryptedPrivateKey)
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}
