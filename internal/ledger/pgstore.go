package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brokercore/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const accountColumns = "id, user_id, currency, total, available, reserved, created_at, updated_at"

const entryColumns = "id, account_id, user_id, currency, entry_type, amount, reserved_delta, balance_before, balance_after, coalesce(reference_type, ''), coalesce(reference_id, ''), created_at"

func (s *PGStore) Apply(ctx context.Context, m Mutation) (Result, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if m.Create {
		_, err = tx.Exec(ctx, `insert into accounts (id, user_id, currency, total, available, reserved, created_at, updated_at)
			values ($1, $2, $3, 0, 0, 0, $4, $4)
			on conflict (user_id, currency) do nothing`, uuid.NewString(), m.UserID, m.Currency, now)
		if err != nil {
			return Result{}, fmt.Errorf("create account: %w", err)
		}
	}

	acc, err := scanAccount(tx.QueryRow(ctx, "select "+accountColumns+" from accounts where user_id = $1 and currency = $2 for update", m.UserID, m.Currency))
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, ErrAccountNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("lock account: %w", err)
	}

	if m.Ref.ID != "" {
		existing, err := scanEntry(tx.QueryRow(ctx, "select "+entryColumns+` from ledger_entries
			where account_id = $1 and entry_type = $2 and reference_type = $3 and reference_id = $4`,
			acc.ID, string(m.Type), m.Ref.Type, m.Ref.ID))
		if err == nil {
			return Result{Account: acc, Entry: existing, Replayed: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Result{}, fmt.Errorf("lookup entry: %w", err)
		}
	}

	next, err := m.Apply(acc)
	if err != nil {
		return Result{}, err
	}
	if err := checkInvariants(next); err != nil {
		return Result{}, err
	}
	next.UpdatedAt = now

	_, err = tx.Exec(ctx, "update accounts set total = $1, available = $2, reserved = $3, updated_at = $4 where id = $5",
		next.Total, next.Available, next.Reserved, now, acc.ID)
	if err != nil {
		return Result{}, fmt.Errorf("update account: %w", err)
	}

	e := newEntry(m, acc, next, now)
	_, err = tx.Exec(ctx, `insert into ledger_entries
		(id, account_id, user_id, currency, entry_type, amount, reserved_delta, balance_before, balance_after, reference_type, reference_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, nullif($10, ''), nullif($11, ''), $12)`,
		e.ID, e.AccountID, e.UserID, e.Currency, string(e.Type), e.Amount, e.ReservedDelta, e.BalanceBefore, e.BalanceAfter, e.ReferenceType, e.ReferenceID, e.CreatedAt)
	if err != nil {
		return Result{}, fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}
	return Result{Account: next, Entry: e}, nil
}

func (s *PGStore) Account(ctx context.Context, userID, currency string) (Account, error) {
	acc, err := scanAccount(s.pool.QueryRow(ctx, "select "+accountColumns+" from accounts where user_id = $1 and currency = $2", userID, currency))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return acc, err
}

func (s *PGStore) Accounts(ctx context.Context, userID string) ([]Account, error) {
	rows, err := s.pool.Query(ctx, "select "+accountColumns+" from accounts where user_id = $1 order by currency", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (s *PGStore) Entries(ctx context.Context, userID string, limit, offset int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, "select "+entryColumns+" from ledger_entries where user_id = $1 order by created_at desc, id desc limit $2 offset $3", userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *PGStore) AccountEntries(ctx context.Context, accountID string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, "select "+entryColumns+" from ledger_entries where account_id = $1 order by created_at, id", accountID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.UserID, &a.Currency, &a.Total, &a.Available, &a.Reserved, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var entryType string
	err := row.Scan(&e.ID, &e.AccountID, &e.UserID, &e.Currency, &entryType, &e.Amount, &e.ReservedDelta,
		&e.BalanceBefore, &e.BalanceAfter, &e.ReferenceType, &e.ReferenceID, &e.CreatedAt)
	e.Type = types.LedgerEntryType(entryType)
	return e, err
}
