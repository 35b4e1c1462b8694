package identity

import (
	"context"
	"time"
)

// User is a custodial account. Ledger attributes are nil until the account
// has been replicated from the ledger feed.
type User struct {
	ID string

	To        *string
	Recovery  *string
	Timestamp *int64
	LogAddr   *string
	BlockNum  *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerUser is one row of the upstream ledger feed.
type LedgerUser struct {
	UserID    string
	To        string
	Recovery  string
	Timestamp int64
	LogAddr   string
	BlockNum  int64
}

// Store is the users persistence boundary.
type Store interface {
	// UserForCustody returns the account owning custodyAddress, creating it
	// with a fresh ULID on first use. Concurrent callers for the same address
	// all receive the same user.
	UserForCustody(ctx context.Context, now time.Time, custodyAddress string) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)

	// UpsertLedgerUsers applies ledger rows; the latest write wins per user id.
	UpsertLedgerUsers(ctx context.Context, rows []LedgerUser, now time.Time) (int, error)
	// LedgerWatermark returns the highest replicated block number (0 when none).
	LedgerWatermark(ctx context.Context) (int64, error)
}

func validateLedgerRows(op string, rows []LedgerUser) error {
	for _, r := range rows {
		if r.UserID == "" {
			return invalid(op, "ledger row without user id")
		}
		if r.BlockNum < 0 {
			return invalid(op, "negative block number")
		}
	}
	return nil
}
