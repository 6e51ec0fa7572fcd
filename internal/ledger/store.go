package ledger

import (
	"context"
	"time"

	"brokercore/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Account struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Entry is an immutable ledger row. Amount is the signed change of Total and
// ReservedDelta the signed change of Reserved.
type Entry struct {
	ID            string                `json:"id"`
	AccountID     string                `json:"account_id"`
	UserID        string                `json:"user_id"`
	Currency      string                `json:"currency"`
	Type          types.LedgerEntryType `json:"type"`
	Amount        decimal.Decimal       `json:"amount"`
	ReservedDelta decimal.Decimal       `json:"reserved_delta"`
	BalanceBefore decimal.Decimal       `json:"balance_before"`
	BalanceAfter  decimal.Decimal       `json:"balance_after"`
	ReferenceType string                `json:"reference_type,omitempty"`
	ReferenceID   string                `json:"reference_id,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
}

type Ref struct {
	Type string
	ID   string
}

// Mutation describes one balance change on a single (UserID, Currency) account.
type Mutation struct {
	UserID   string
	Currency string
	Type     types.LedgerEntryType
	Ref      Ref
	// Create allows the store to open the account when it does not exist yet.
	Create bool
	// Apply computes the new balances from the locked row. It must not have
	// side effects; the store discards its result on error.
	Apply func(acc Account) (Account, error)
}

// Result of an applied mutation. Replayed is true when an entry with the same
// type and reference already existed and nothing was changed.
type Result struct {
	Account  Account
	Entry    Entry
	Replayed bool
}

// Store persists accounts and their append-only entries. Apply holds an
// exclusive lock on the target account row for the whole read-modify-write,
// and must never lock any other account.
type Store interface {
	Apply(ctx context.Context, m Mutation) (Result, error)
	Account(ctx context.Context, userID, currency string) (Account, error)
	Accounts(ctx context.Context, userID string) ([]Account, error)
	Entries(ctx context.Context, userID string, limit, offset int) ([]Entry, error)
	AccountEntries(ctx context.Context, accountID string) ([]Entry, error)
}

func newEntry(m Mutation, before, after Account, now time.Time) Entry {
	return Entry{
		ID:            uuid.NewString(),
		AccountID:     after.ID,
		UserID:        after.UserID,
		Currency:      after.Currency,
		Type:          m.Type,
		Amount:        after.Total.Sub(before.Total),
		ReservedDelta: after.Reserved.Sub(before.Reserved),
		BalanceBefore: before.Total,
		BalanceAfter:  after.Total,
		ReferenceType: m.Ref.Type,
		ReferenceID:   m.Ref.ID,
		CreatedAt:     now,
	}
}

func checkInvariants(acc Account) error {
	if acc.Available.IsNegative() || acc.Reserved.IsNegative() {
		return ErrNegativeBalance
	}
	if !acc.Total.Equal(acc.Available.Add(acc.Reserved)) {
		return ErrUnbalanced
	}
	return nil
}
