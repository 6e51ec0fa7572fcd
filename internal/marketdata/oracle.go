package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOracleUnavailable = errors.New("price oracle unavailable")
	ErrStalePrice        = errors.New("price is stale")
	ErrInvalidQuote      = errors.New("invalid quote")
)

type Quote struct {
	Price decimal.Decimal `json:"price"`
	AsOf  time.Time       `json:"as_of"`
}

// Oracle returns the latest known quote for each requested pair. Pairs it has
// no quote for are absent from the result.
type Oracle interface {
	GetPrices(ctx context.Context, pairs []string) (map[string]Quote, error)
}

// Publisher accepts quotes pushed by an upstream feed.
type Publisher interface {
	SetQuote(ctx context.Context, pair string, q Quote) error
}

func validQuote(pair string, q Quote) error {
	if pair == "" || !q.Price.IsPositive() || q.AsOf.IsZero() {
		return ErrInvalidQuote
	}
	return nil
}
