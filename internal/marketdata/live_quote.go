package marketdata

import (
	"context"
	"sync"
)

// LiveQuotes is an in-process Oracle fed through SetQuote.
type LiveQuotes struct {
	mu   sync.RWMutex
	data map[string]Quote
}

func NewLiveQuotes() *LiveQuotes {
	return &LiveQuotes{data: map[string]Quote{}}
}

func (l *LiveQuotes) SetQuote(_ context.Context, pair string, q Quote) error {
	if err := validQuote(pair, q); err != nil {
		return err
	}
	l.mu.Lock()
	if cur, ok := l.data[pair]; !ok || !q.AsOf.Before(cur.AsOf) {
		l.data[pair] = q
	}
	l.mu.Unlock()
	return nil
}

func (l *LiveQuotes) GetPrices(_ context.Context, pairs []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(pairs))
	l.mu.RLock()
	for _, p := range pairs {
		if q, ok := l.data[p]; ok {
			out[p] = q
		}
	}
	l.mu.RUnlock()
	return out, nil
}
