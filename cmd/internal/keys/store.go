package keys

import (
	"context"
	"strings"
	"time"
)

// Record is one device's delegate key.
// EncryptedPrivateKey is opaque KMS ciphertext of the 32-byte seed.
type Record struct {
	UserID              string
	CustodyAddress      string
	DeviceID            string
	PublicKey           string
	EncryptedPrivateKey []byte
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Ref identifies a record by its composite primary key.
type Ref struct {
	UserID         string
	CustodyAddress string
	DeviceID       string
}

// Ref returns the composite key of r.
func (r Record) Ref() Ref {
	return Ref{UserID: r.UserID, CustodyAddress: r.CustodyAddress, DeviceID: r.DeviceID}
}

// Store is the key custody persistence boundary.
//
// Lookups that can match several rows return the oldest record.
type Store interface {
	FindByCustodyAddress(ctx context.Context, custodyAddress string) (Record, error)
	FindByUser(ctx context.Context, userID string) (Record, error)
	FindByUserDevice(ctx context.Context, userID, deviceID string) (Record, error)
	FindByCustodyDevice(ctx context.Context, custodyAddress, deviceID string) (Record, error)

	// Insert fails with ErrDuplicateKey when the record already exists.
	Insert(ctx context.Context, rec Record) error

	// UpdateEncryptedKey replaces the ciphertext of an existing record; ErrNotFound otherwise.
	UpdateEncryptedKey(ctx context.Context, ref Ref, ciphertext []byte, now time.Time) error
}

func validateRecord(rec Record) error {
	if strings.TrimSpace(rec.UserID) == "" ||
		strings.TrimSpace(rec.CustodyAddress) == "" ||
		strings.TrimSpace(rec.DeviceID) == "" ||
		strings.TrimSpace(rec.PublicKey) == "" ||
		len(rec.EncryptedPrivateKey) == 0 {
		return ErrInvalidRecord
	}
	return nil
}
