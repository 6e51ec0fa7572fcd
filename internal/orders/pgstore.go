package orders

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

const orderColumns = `id, user_id, pair, kind, side, status, amount, trigger_price, trail_percent, high_water_price,
	reserved_currency, reserved_amount, reserved_account_id, executed_price, executed_amount,
	coalesce(venue_ref, ''), coalesce(failure_reason, ''), claimed_at, executed_at, created_at, updated_at`

func (s *PGStore) Insert(ctx context.Context, o model.ConditionalOrder) error {
	_, err := s.pool.Exec(ctx, `insert into conditional_orders
		(id, user_id, pair, kind, side, status, amount, trigger_price, trail_percent, high_water_price,
		 reserved_currency, reserved_amount, reserved_account_id, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		o.ID, o.UserID, o.Pair, string(o.Kind), string(o.Side), string(o.Status), o.Amount, o.TriggerPrice, o.TrailPercent, o.HighWaterPrice,
		o.ReservedCurrency, o.ReservedAmount, o.ReservedAccountID, o.CreatedAt, o.UpdatedAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (model.ConditionalOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, "select "+orderColumns+" from conditional_orders where id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, ErrNotFound
	}
	return o, err
}

func (s *PGStore) ListByUser(ctx context.Context, userID string, status types.OrderStatus) ([]model.ConditionalOrder, error) {
	if status == "" {
		return s.query(ctx, "select "+orderColumns+" from conditional_orders where user_id = $1 order by created_at desc", userID)
	}
	return s.query(ctx, "select "+orderColumns+" from conditional_orders where user_id = $1 and status = $2 order by created_at desc", userID, string(status))
}

func (s *PGStore) Pending(ctx context.Context) ([]model.ConditionalOrder, error) {
	return s.query(ctx, "select "+orderColumns+" from conditional_orders where status = 'pending' order by created_at, id")
}

func (s *PGStore) RaiseHighWater(ctx context.Context, id string, hw, trigger decimal.Decimal) (bool, error) {
	tag, err := s.pool.Exec(ctx, `update conditional_orders
		set high_water_price = $2, trigger_price = $3, updated_at = $4
		where id = $1 and status = 'pending' and (high_water_price is null or high_water_price < $2)`,
		id, hw, trigger, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Claim(ctx context.Context, id string, at time.Time) (model.ConditionalOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `update conditional_orders
		set status = 'executing', claimed_at = $2, updated_at = $2
		where id = $1 and status = 'pending'
		returning `+orderColumns, id, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, ErrClaimLost
	}
	return o, err
}

func (s *PGStore) RecordFill(ctx context.Context, id string, fill model.Fill) error {
	tag, err := s.pool.Exec(ctx, `update conditional_orders
		set executed_price = $2, executed_amount = $3, venue_ref = nullif($4, ''), updated_at = $5
		where id = $1 and status = 'executing'`,
		id, fill.Price, fill.Amount, fill.VenueRef, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PGStore) Finish(ctx context.Context, id string, status types.OrderStatus, reason string, ev notify.Event) (model.ConditionalOrder, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.ConditionalOrder{}, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var executedAt *time.Time
	if status == types.OrderStatusExecuted {
		executedAt = &now
	}
	o, err := scanOrder(tx.QueryRow(ctx, `update conditional_orders
		set status = $2, failure_reason = nullif($3, ''), executed_at = coalesce($4, executed_at), updated_at = $5
		where id = $1 and status = 'executing'
		returning `+orderColumns, id, string(status), reason, executedAt, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, ErrNotClaimed
	}
	if err != nil {
		return o, err
	}
	if err := notify.InsertTx(ctx, tx, ev); err != nil {
		return o, fmt.Errorf("outbox: %w", err)
	}
	return o, tx.Commit(ctx)
}

func (s *PGStore) Cancel(ctx context.Context, id, userID string) (model.ConditionalOrder, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.ConditionalOrder{}, err
	}
	defer tx.Rollback(ctx)

	o, err := scanOrder(tx.QueryRow(ctx, "select "+orderColumns+" from conditional_orders where id = $1 for update", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if o.UserID != userID {
		return o, ErrNotOwner
	}
	if o.Status != types.OrderStatusPending {
		return o, ErrTooLate
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, "update conditional_orders set status = 'cancelled', updated_at = $2 where id = $1", id, now); err != nil {
		return o, err
	}
	if err := tx.Commit(ctx); err != nil {
		return o, err
	}
	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = now
	return o, nil
}

func (s *PGStore) Stuck(ctx context.Context, claimedBefore time.Time) ([]model.ConditionalOrder, error) {
	return s.query(ctx, "select "+orderColumns+" from conditional_orders where status = 'executing' and claimed_at < $1 order by claimed_at", claimedBefore)
}

func (s *PGStore) Stats(ctx context.Context, userID string) ([]StatRow, error) {
	rows, err := s.pool.Query(ctx, `select kind, status, count(*), coalesce(sum(amount), 0)
		from conditional_orders where user_id = $1 group by kind, status order by kind, status`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatRow
	for rows.Next() {
		var r StatRow
		var kind, status string
		if err := rows.Scan(&kind, &status, &r.Count, &r.TotalAmount); err != nil {
			return nil, err
		}
		r.Kind = types.OrderKind(kind)
		r.Status = types.OrderStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) query(ctx context.Context, sql string, args ...any) ([]model.ConditionalOrder, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ConditionalOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (model.ConditionalOrder, error) {
	var o model.ConditionalOrder
	var kind, side, status string
	err := row.Scan(&o.ID, &o.UserID, &o.Pair, &kind, &side, &status, &o.Amount, &o.TriggerPrice, &o.TrailPercent, &o.HighWaterPrice,
		&o.ReservedCurrency, &o.ReservedAmount, &o.ReservedAccountID, &o.ExecutedPrice, &o.ExecutedAmount,
		&o.VenueRef, &o.FailureReason, &o.ClaimedAt, &o.ExecutedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.Kind = types.OrderKind(kind)
	o.Side = types.OrderSide(side)
	o.Status = types.OrderStatus(status)
	return o, nil
}
