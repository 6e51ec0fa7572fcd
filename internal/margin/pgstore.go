package margin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brokercore/internal/model"
	"brokercore/internal/notify"
	"brokercore/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const positionColumns = `id, user_id, pair, side, status, amount, entry_price, leverage, margin_used, margin_currency,
	liquidation_price, close_price, pnl, coalesce(close_target, ''), claimed_at, opened_at, closed_at, updated_at`

func (s *PGStore) Insert(ctx context.Context, p model.MarginPosition) error {
	_, err := s.pool.Exec(ctx, `insert into margin_positions
		(id, user_id, pair, side, status, amount, entry_price, leverage, margin_used, margin_currency, liquidation_price, opened_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.UserID, p.Pair, string(p.Side), string(p.Status), p.Amount, p.EntryPrice, p.Leverage, p.MarginUsed, p.MarginCurrency,
		p.LiquidationPrice, p.OpenedAt, p.UpdatedAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (model.MarginPosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, "select "+positionColumns+" from margin_positions where id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (s *PGStore) ListByUser(ctx context.Context, userID string, status types.PositionStatus) ([]model.MarginPosition, error) {
	if status == "" {
		return s.query(ctx, "select "+positionColumns+" from margin_positions where user_id = $1 order by opened_at desc", userID)
	}
	return s.query(ctx, "select "+positionColumns+" from margin_positions where user_id = $1 and status = $2 order by opened_at desc", userID, string(status))
}

func (s *PGStore) Open(ctx context.Context) ([]model.MarginPosition, error) {
	return s.query(ctx, "select "+positionColumns+" from margin_positions where status = 'open' order by opened_at, id")
}

func (s *PGStore) Claim(ctx context.Context, id string, closePrice, pnl decimal.Decimal, target types.PositionStatus, at time.Time) (model.MarginPosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `update margin_positions
		set status = 'closing', close_price = $2, pnl = $3, close_target = $4, claimed_at = $5, updated_at = $5
		where id = $1 and status = 'open'
		returning `+positionColumns, id, closePrice, pnl, string(target), at))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotOpen
	}
	return p, err
}

func (s *PGStore) Finish(ctx context.Context, id string, ev notify.Event) (model.MarginPosition, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.MarginPosition{}, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	p, err := scanPosition(tx.QueryRow(ctx, `update margin_positions
		set status = close_target, closed_at = $2, updated_at = $2
		where id = $1 and status = 'closing'
		returning `+positionColumns, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotClosing
	}
	if err != nil {
		return p, err
	}
	if err := notify.InsertTx(ctx, tx, ev); err != nil {
		return p, fmt.Errorf("outbox: %w", err)
	}
	return p, tx.Commit(ctx)
}

func (s *PGStore) Stuck(ctx context.Context, claimedBefore time.Time) ([]model.MarginPosition, error) {
	return s.query(ctx, "select "+positionColumns+" from margin_positions where status = 'closing' and claimed_at < $1 order by claimed_at", claimedBefore)
}

func (s *PGStore) query(ctx context.Context, sql string, args ...any) ([]model.MarginPosition, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MarginPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (model.MarginPosition, error) {
	var p model.MarginPosition
	var side, status, target string
	err := row.Scan(&p.ID, &p.UserID, &p.Pair, &side, &status, &p.Amount, &p.EntryPrice, &p.Leverage, &p.MarginUsed, &p.MarginCurrency,
		&p.LiquidationPrice, &p.ClosePrice, &p.PnL, &target, &p.ClaimedAt, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.Side = types.PositionSide(side)
	p.Status = types.PositionStatus(status)
	p.CloseTarget = types.PositionStatus(target)
	return p, nil
}
