package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type accountKey struct {
	userID   string
	currency string
}

type refKey struct {
	accountID string
	entryType string
	refType   string
	refID     string
}

// memAccount serializes mutations on one account. The snapshot itself is
// swapped under MemStore.mu so readers never see a half-applied change.
type memAccount struct {
	mu  sync.Mutex
	acc Account
}

// MemStore is an in-process Store. Different accounts never block each other.
type MemStore struct {
	mu       sync.RWMutex
	accounts map[accountKey]*memAccount
	entries  []Entry
	refs     map[refKey]int
}

func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[accountKey]*memAccount),
		refs:     make(map[refKey]int),
	}
}

func (s *MemStore) Apply(ctx context.Context, m Mutation) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	ma := s.lookup(m.UserID, m.Currency, m.Create)
	if ma == nil {
		return Result{}, ErrAccountNotFound
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()

	s.mu.RLock()
	acc := ma.acc
	var existing *Entry
	if m.Ref.ID != "" {
		if idx, ok := s.refs[refKey{acc.ID, string(m.Type), m.Ref.Type, m.Ref.ID}]; ok {
			e := s.entries[idx]
			existing = &e
		}
	}
	s.mu.RUnlock()
	if existing != nil {
		return Result{Account: acc, Entry: *existing, Replayed: true}, nil
	}

	next, err := m.Apply(acc)
	if err != nil {
		return Result{}, err
	}
	if err := checkInvariants(next); err != nil {
		return Result{}, err
	}
	now := time.Now().UTC()
	next.UpdatedAt = now
	e := newEntry(m, acc, next, now)

	s.mu.Lock()
	ma.acc = next
	s.entries = append(s.entries, e)
	if m.Ref.ID != "" {
		s.refs[refKey{acc.ID, string(m.Type), m.Ref.Type, m.Ref.ID}] = len(s.entries) - 1
	}
	s.mu.Unlock()
	return Result{Account: next, Entry: e}, nil
}

func (s *MemStore) lookup(userID, currency string, create bool) *memAccount {
	key := accountKey{userID, currency}
	s.mu.RLock()
	ma := s.accounts[key]
	s.mu.RUnlock()
	if ma != nil || !create {
		return ma
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ma = s.accounts[key]; ma != nil {
		return ma
	}
	now := time.Now().UTC()
	ma = &memAccount{acc: Account{ID: uuid.NewString(), UserID: userID, Currency: currency, CreatedAt: now, UpdatedAt: now}}
	s.accounts[key] = ma
	return ma
}

func (s *MemStore) Account(_ context.Context, userID, currency string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ma := s.accounts[accountKey{userID, currency}]
	if ma == nil {
		return Account{}, ErrAccountNotFound
	}
	return ma.acc, nil
}

func (s *MemStore) Accounts(_ context.Context, userID string) ([]Account, error) {
	s.mu.RLock()
	var out []Account
	for key, ma := range s.accounts {
		if key.userID == userID {
			out = append(out, ma.acc)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (s *MemStore) Entries(_ context.Context, userID string, limit, offset int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *MemStore) AccountEntries(_ context.Context, accountID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}
