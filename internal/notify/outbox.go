package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"brokercore/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Outbox interface {
	Unpublished(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []string) error
}

// InsertTx appends ev to the outbox inside the caller's transaction.
func InsertTx(ctx context.Context, tx pgx.Tx, ev Event) error {
	_, err := tx.Exec(ctx, "insert into outbox_events (id, user_id, kind, payload, created_at) values ($1, $2, $3, $4, $5)",
		ev.ID, ev.UserID, string(ev.Kind), []byte(ev.Payload), ev.CreatedAt)
	return err
}

type PGOutbox struct {
	pool *pgxpool.Pool
}

func NewPGOutbox(pool *pgxpool.Pool) *PGOutbox {
	return &PGOutbox{pool: pool}
}

func (o *PGOutbox) Unpublished(ctx context.Context, limit int) ([]Event, error) {
	rows, err := o.pool.Query(ctx, "select id, user_id, kind, payload, created_at from outbox_events where published_at is null order by created_at, id limit $1", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.UserID, &kind, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = types.EventKind(kind)
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (o *PGOutbox) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.pool.Exec(ctx, "update outbox_events set published_at = $1 where id = any($2)", time.Now().UTC(), ids)
	return err
}

// MemOutbox backs the in-memory stores.
type MemOutbox struct {
	mu     sync.Mutex
	events map[string]Event
}

func NewMemOutbox() *MemOutbox {
	return &MemOutbox{events: make(map[string]Event)}
}

func (o *MemOutbox) Append(ev Event) {
	o.mu.Lock()
	o.events[ev.ID] = ev
	o.mu.Unlock()
}

func (o *MemOutbox) Unpublished(_ context.Context, limit int) ([]Event, error) {
	out := o.filter(func(ev Event) bool { return ev.PublishedAt == nil })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *MemOutbox) MarkPublished(_ context.Context, ids []string) error {
	now := time.Now().UTC()
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if ev, ok := o.events[id]; ok {
			ev.PublishedAt = &now
			o.events[id] = ev
		}
	}
	return nil
}

// Events returns every event of the given kind, oldest first. An empty kind
// matches all.
func (o *MemOutbox) Events(kind types.EventKind) []Event {
	return o.filter(func(ev Event) bool { return kind == "" || ev.Kind == kind })
}

func (o *MemOutbox) filter(keep func(Event) bool) []Event {
	o.mu.Lock()
	var out []Event
	for _, ev := range o.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
