package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"brokercore/internal/model"
	"brokercore/internal/notify"
	"brokercore/internal/types"

	"github.com/shopspring/decimal"
)

// MemStore is an in-process Store; its mutex plays the role of the row lock.
type MemStore struct {
	mu     sync.Mutex
	orders map[string]model.ConditionalOrder
	outbox *notify.MemOutbox
}

func NewMemStore(outbox *notify.MemOutbox) *MemStore {
	return &MemStore{orders: make(map[string]model.ConditionalOrder), outbox: outbox}
}

func (s *MemStore) Insert(_ context.Context, o model.ConditionalOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (model.ConditionalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return o, ErrNotFound
	}
	return o, nil
}

func (s *MemStore) ListByUser(_ context.Context, userID string, status types.OrderStatus) ([]model.ConditionalOrder, error) {
	out := s.filter(func(o model.ConditionalOrder) bool {
		return o.UserID == userID && (status == "" || o.Status == status)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) Pending(_ context.Context) ([]model.ConditionalOrder, error) {
	out := s.filter(func(o model.ConditionalOrder) bool { return o.Status == types.OrderStatusPending })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) RaiseHighWater(_ context.Context, id string, hw, trigger decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != types.OrderStatusPending {
		return false, nil
	}
	if o.HighWaterPrice != nil && !hw.GreaterThan(*o.HighWaterPrice) {
		return false, nil
	}
	o.HighWaterPrice = &hw
	o.TriggerPrice = &trigger
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return true, nil
}

func (s *MemStore) Claim(_ context.Context, id string, at time.Time) (model.ConditionalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != types.OrderStatusPending {
		return o, ErrClaimLost
	}
	o.Status = types.OrderStatusExecuting
	o.ClaimedAt = &at
	o.UpdatedAt = at
	s.orders[id] = o
	return o, nil
}

func (s *MemStore) RecordFill(_ context.Context, id string, fill model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != types.OrderStatusExecuting {
		return ErrNotClaimed
	}
	price, amount := fill.Price, fill.Amount
	o.ExecutedPrice = &price
	o.ExecutedAmount = &amount
	o.VenueRef = fill.VenueRef
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return nil
}

func (s *MemStore) Finish(_ context.Context, id string, status types.OrderStatus, reason string, ev notify.Event) (model.ConditionalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != types.OrderStatusExecuting {
		return o, ErrNotClaimed
	}
	now := time.Now().UTC()
	o.Status = status
	o.FailureReason = reason
	if status == types.OrderStatusExecuted {
		o.ExecutedAt = &now
	}
	o.UpdatedAt = now
	s.orders[id] = o
	if s.outbox != nil {
		s.outbox.Append(ev)
	}
	return o, nil
}

func (s *MemStore) Cancel(_ context.Context, id, userID string) (model.ConditionalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return o, ErrNotFound
	}
	if o.UserID != userID {
		return o, ErrNotOwner
	}
	if o.Status != types.OrderStatusPending {
		return o, ErrTooLate
	}
	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return o, nil
}

func (s *MemStore) Stuck(_ context.Context, claimedBefore time.Time) ([]model.ConditionalOrder, error) {
	return s.filter(func(o model.ConditionalOrder) bool {
		return o.Status == types.OrderStatusExecuting && o.ClaimedAt != nil && o.ClaimedAt.Before(claimedBefore)
	}), nil
}

func (s *MemStore) Stats(_ context.Context, userID string) ([]StatRow, error) {
	type key struct {
		kind   types.OrderKind
		status types.OrderStatus
	}
	agg := make(map[key]*StatRow)
	for _, o := range s.filter(func(o model.ConditionalOrder) bool { return o.UserID == userID }) {
		k := key{o.Kind, o.Status}
		row, ok := agg[k]
		if !ok {
			row = &StatRow{Kind: o.Kind, Status: o.Status}
			agg[k] = row
		}
		row.Count++
		row.TotalAmount = row.TotalAmount.Add(o.Amount)
	}
	out := make([]StatRow, 0, len(agg))
	for _, r := range agg {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (s *MemStore) filter(keep func(model.ConditionalOrder) bool) []model.ConditionalOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ConditionalOrder
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}
