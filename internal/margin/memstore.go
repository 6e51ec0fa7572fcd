package margin

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

type MemStore struct {
	mu        sync.Mutex
	positions map[string]model.MarginPosition
	outbox    *notify.MemOutbox
}

func NewMemStore(outbox *notify.MemOutbox) *MemStore {
	return &MemStore{positions: make(map[string]model.MarginPosition), outbox: outbox}
}

func (s *MemStore) Insert(_ context.Context, p model.MarginPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (model.MarginPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return p, ErrNotFound
	}
	return p, nil
}

func (s *MemStore) ListByUser(_ context.Context, userID string, status types.PositionStatus) ([]model.MarginPosition, error) {
	out := s.filter(func(p model.MarginPosition) bool {
		return p.UserID == userID && (status == "" || p.Status == status)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (s *MemStore) Open(_ context.Context) ([]model.MarginPosition, error) {
	out := s.filter(func(p model.MarginPosition) bool { return p.Status == types.PositionStatusOpen })
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemStore) Claim(_ context.Context, id string, closePrice, pnl decimal.Decimal, target types.PositionStatus, at time.Time) (model.MarginPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != types.PositionStatusOpen {
		return p, ErrNotOpen
	}
	p.Status = types.PositionStatusClosing
	p.ClosePrice = &closePrice
	p.PnL = &pnl
	p.CloseTarget = target
	p.ClaimedAt = &at
	p.UpdatedAt = at
	s.positions[id] = p
	return p, nil
}

func (s *MemStore) Finish(_ context.Context, id string, ev notify.Event) (model.MarginPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != types.PositionStatusClosing {
		return p, ErrNotClosing
	}
	now := time.Now().UTC()
	p.Status = p.CloseTarget
	p.ClosedAt = &now
	p.UpdatedAt = now
	s.positions[id] = p
	if s.outbox != nil {
		s.outbox.Append(ev)
	}
	return p, nil
}

func (s *MemStore) Stuck(_ context.Context, claimedBefore time.Time) ([]model.MarginPosition, error) {
	return s.filter(func(p model.MarginPosition) bool {
		return p.Status == types.PositionStatusClosing && p.ClaimedAt != nil && p.ClaimedAt.Before(claimedBefore)
	}), nil
}

func (s *MemStore) filter(keep func(model.MarginPosition) bool) []model.MarginPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MarginPosition
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
