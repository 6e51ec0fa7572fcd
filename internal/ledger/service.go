package ledger

import (
	"context"
	"errors"
	"fmt"

	"brokercore/internal/metrics"
	"brokercore/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientReserved = errors.New("insufficient reserved balance")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrNegativeBalance      = errors.New("balance would become negative")
	ErrUnbalanced           = errors.New("total does not equal available plus reserved")
)

// Snapshot is the account state returned by reserve and release.
type Snapshot struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

type Service struct {
	store Store
	log   *zap.Logger
}

func NewService(store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log}
}

func (s *Service) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, entryType types.LedgerEntryType, ref Ref) (Entry, error) {
	res, err := s.apply(ctx, "credit", Mutation{
		UserID:   userID,
		Currency: currency,
		Type:     entryType,
		Ref:      ref,
		Create:   true,
		Apply: func(acc Account) (Account, error) {
			acc.Total = acc.Total.Add(amount)
			acc.Available = acc.Available.Add(amount)
			return acc, nil
		},
	}, amount)
	return res.Entry, err
}

func (s *Service) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal, entryType types.LedgerEntryType, ref Ref) (Entry, error) {
	res, err := s.apply(ctx, "debit", Mutation{
		UserID:   userID,
		Currency: currency,
		Type:     entryType,
		Ref:      ref,
		Apply: func(acc Account) (Account, error) {
			if acc.Available.LessThan(amount) {
				return acc, fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, acc.Available, amount)
			}
			acc.Total = acc.Total.Sub(amount)
			acc.Available = acc.Available.Sub(amount)
			return acc, nil
		},
	}, amount)
	return res.Entry, err
}

func (s *Service) Reserve(ctx context.Context, userID, currency string, amount decimal.Decimal, ref Ref) (Snapshot, error) {
	res, err := s.apply(ctx, "reserve", Mutation{
		UserID:   userID,
		Currency: currency,
		Type:     types.LedgerEntryTypeReserve,
		Ref:      ref,
		Apply: func(acc Account) (Account, error) {
			if acc.Available.LessThan(amount) {
				return acc, fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, acc.Available, amount)
			}
			acc.Available = acc.Available.Sub(amount)
			acc.Reserved = acc.Reserved.Add(amount)
			return acc, nil
		},
	}, amount)
	return snapshot(res.Account), err
}

func (s *Service) Release(ctx context.Context, userID, currency string, amount decimal.Decimal, ref Ref) (Snapshot, error) {
	res, err := s.apply(ctx, "release", Mutation{
		UserID:   userID,
		Currency: currency,
		Type:     types.LedgerEntryTypeRelease,
		Ref:      ref,
		Apply: func(acc Account) (Account, error) {
			if acc.Reserved.LessThan(amount) {
				return acc, fmt.Errorf("%w: reserved %s, required %s", ErrInsufficientReserved, acc.Reserved, amount)
			}
			acc.Reserved = acc.Reserved.Sub(amount)
			acc.Available = acc.Available.Add(amount)
			return acc, nil
		},
	}, amount)
	return snapshot(res.Account), err
}

// SettleReserved permanently consumes reserved funds.
func (s *Service) SettleReserved(ctx context.Context, userID, currency string, amount decimal.Decimal, ref Ref) (Entry, error) {
	res, err := s.apply(ctx, "settle", Mutation{
		UserID:   userID,
		Currency: currency,
		Type:     types.LedgerEntryTypeTradeSettlement,
		Ref:      ref,
		Apply: func(acc Account) (Account, error) {
			if acc.Reserved.LessThan(amount) {
				return acc, fmt.Errorf("%w: reserved %s, required %s", ErrInsufficientReserved, acc.Reserved, amount)
			}
			acc.Total = acc.Total.Sub(amount)
			acc.Reserved = acc.Reserved.Sub(amount)
			return acc, nil
		},
	}, amount)
	return res.Entry, err
}

func (s *Service) apply(ctx context.Context, op string, m Mutation, amount decimal.Decimal) (Result, error) {
	if !amount.IsPositive() {
		metrics.LedgerOps.WithLabelValues(op, "invalid").Inc()
		return Result{}, ErrInvalidAmount
	}
	if m.UserID == "" || m.Currency == "" {
		metrics.LedgerOps.WithLabelValues(op, "invalid").Inc()
		return Result{}, errors.New("user and currency required")
	}
	res, err := s.store.Apply(ctx, m)
	if err != nil {
		metrics.LedgerOps.WithLabelValues(op, "error").Inc()
		return res, err
	}
	if res.Replayed {
		metrics.LedgerOps.WithLabelValues(op, "replayed").Inc()
		s.log.Info("ledger operation replayed",
			zap.String("op", op),
			zap.String("user_id", m.UserID),
			zap.String("currency", m.Currency),
			zap.String("reference_type", m.Ref.Type),
			zap.String("reference_id", m.Ref.ID))
		return res, nil
	}
	metrics.LedgerOps.WithLabelValues(op, "ok").Inc()
	return res, nil
}

func snapshot(acc Account) Snapshot {
	return Snapshot{Total: acc.Total, Available: acc.Available, Reserved: acc.Reserved}
}

// Balance reads without taking the account lock.
func (s *Service) Balance(ctx context.Context, userID, currency string) (Account, error) {
	return s.store.Account(ctx, userID, currency)
}

func (s *Service) Balances(ctx context.Context, userID string) ([]Account, error) {
	return s.store.Accounts(ctx, userID)
}

func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.Entries(ctx, userID, limit, offset)
}

type Verification struct {
	AccountID     string          `json:"account_id"`
	Total         decimal.Decimal `json:"total"`
	Reserved      decimal.Decimal `json:"reserved"`
	EntryTotal    decimal.Decimal `json:"entry_total"`
	EntryReserved decimal.Decimal `json:"entry_reserved"`
	Entries       int             `json:"entries"`
	OK            bool            `json:"ok"`
}

// Verify recomputes an account's balances from its entries.
func (s *Service) Verify(ctx context.Context, userID, currency string) (Verification, error) {
	acc, err := s.store.Account(ctx, userID, currency)
	if err != nil {
		return Verification{}, err
	}
	entries, err := s.store.AccountEntries(ctx, acc.ID)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{AccountID: acc.ID, Total: acc.Total, Reserved: acc.Reserved, Entries: len(entries)}
	for _, e := range entries {
		v.EntryTotal = v.EntryTotal.Add(e.Amount)
		v.EntryReserved = v.EntryReserved.Add(e.ReservedDelta)
	}
	v.OK = v.EntryTotal.Equal(acc.Total) && v.EntryReserved.Equal(acc.Reserved) && checkInvariants(acc) == nil
	if !v.OK {
		s.log.Error("ledger verification mismatch",
			zap.String("account_id", acc.ID),
			zap.String("total", acc.Total.String()),
			zap.String("entry_total", v.EntryTotal.String()),
			zap.String("reserved", acc.Reserved.String()),
			zap.String("entry_reserved", v.EntryReserved.String()))
	}
	return v, nil
}
