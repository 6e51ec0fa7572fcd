package marketdata

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisQuotes keeps one hash per pair (price, as_of in unix millis) so every
// instance reads the same feed.
type RedisQuotes struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisQuotes(client *redis.Client, ttl time.Duration) *RedisQuotes {
	return &RedisQuotes{client: client, prefix: "quote:", ttl: ttl}
}

func (r *RedisQuotes) key(pair string) string {
	return r.prefix + pair
}

// setQuoteScript stores the quote unless the stored one is newer.
var setQuoteScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "as_of")
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call("HSET", KEYS[1], "price", ARGV[1], "as_of", ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

func (r *RedisQuotes) SetQuote(ctx context.Context, pair string, q Quote) error {
	if err := validQuote(pair, q); err != nil {
		return err
	}
	return setQuoteScript.Run(ctx, r.client, []string{r.key(pair)},
		q.Price.String(), q.AsOf.UnixMilli(), r.ttl.Milliseconds()).Err()
}

// GetPrices fetches all pairs in one round trip.
func (r *RedisQuotes) GetPrices(ctx context.Context, pairs []string) (map[string]Quote, error) {
	if len(pairs) == 0 {
		return map[string]Quote{}, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(pairs))
	for i, p := range pairs {
		cmds[i] = pipe.HGetAll(ctx, r.key(p))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make(map[string]Quote, len(pairs))
	for i, p := range pairs {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		q, ok := parseQuote(fields)
		if !ok {
			continue
		}
		out[p] = q
	}
	return out, nil
}

func parseQuote(fields map[string]string) (Quote, bool) {
	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return Quote{}, false
	}
	ms, err := strconv.ParseInt(fields["as_of"], 10, 64)
	if err != nil {
		return Quote{}, false
	}
	return Quote{Price: price, AsOf: time.UnixMilli(ms).UTC()}, true
}
