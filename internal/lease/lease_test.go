package lease

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLocalLeaseHandover(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	table := NewLocalLease()
	table.now = func() time.Time { return now }
	a := table.Owner("a", 10*time.Second)
	b := table.Owner("b", 10*time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok, "b must wait while a holds")

	now = now.Add(5 * time.Second)
	ok, _ = a.Acquire(ctx)
	assert.True(t, ok, "holder renews")

	now = now.Add(11 * time.Second)
	ok, _ = b.Acquire(ctx)
	assert.True(t, ok, "expired lease is taken over")
	ok, _ = a.Acquire(ctx)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, _ = a.Acquire(ctx)
	assert.False(t, ok, "release by a non-holder is a no-op")
	require.NoError(t, b.Release(ctx))
	ok, _ = a.Acquire(ctx)
	assert.True(t, ok)
}

type flakyLease struct {
	ok  bool
	err error
}

func (f *flakyLease) Acquire(context.Context) (bool, error) { return f.ok, f.err }
func (f *flakyLease) Release(context.Context) error         { return nil }

func TestKeeperHeld(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	l := &flakyLease{ok: true}
	k := NewKeeper(l, 30*time.Second, zaptest.NewLogger(t))
	k.now = func() time.Time { return now }

	assert.False(t, k.Held())
	k.renew(ctx)
	assert.True(t, k.Held())

	// backend unreachable: held until one interval before expiry
	l.err = errors.New("connection refused")
	now = now.Add(15 * time.Second)
	k.renew(ctx)
	assert.True(t, k.Held())
	now = now.Add(6 * time.Second)
	assert.False(t, k.Held())

	l.err = nil
	k.renew(ctx)
	assert.True(t, k.Held())
	l.ok = false
	k.renew(ctx)
	assert.False(t, k.Held())
}

func TestKeeperRunReleases(t *testing.T) {
	table := NewLocalLease()
	a := table.Owner("a", time.Minute)
	k := NewKeeper(a, time.Minute, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, k.Held, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, k.Held())

	ok, err := table.Owner("b", time.Minute).Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLease(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	key := "test:lease:" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, key) })

	a := NewRedisLease(client, key, "", time.Second)
	b := NewRedisLease(client, key, "", time.Second)
	require.NotEqual(t, a.Owner(), b.Owner())

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "renew by holder")

	require.NoError(t, b.Release(ctx))
	assert.Equal(t, a.Owner(), client.Get(ctx, key).Val())

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
