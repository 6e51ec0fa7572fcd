package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"brokercore/internal/metrics"

	"go.uber.org/zap"
)

// Lease is a renewable, owner-tagged lock with a TTL. Only the holder runs
// the background scanners.
type Lease interface {
	// Acquire takes the lease, or extends it when this owner already holds it.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lease up if this owner still holds it.
	Release(ctx context.Context) error
}

// LocalLease arbitrates between owners inside one process. A single
// instance deployment uses one owner, which always wins.
type LocalLease struct {
	mu      sync.Mutex
	holder  string
	expires time.Time
	now     func() time.Time
}

func NewLocalLease() *LocalLease {
	return &LocalLease{now: time.Now}
}

// Owner returns the Lease view for one owner id.
func (l *LocalLease) Owner(id string, ttl time.Duration) Lease {
	return &localOwner{table: l, id: id, ttl: ttl}
}

type localOwner struct {
	table *LocalLease
	id    string
	ttl   time.Duration
}

func (o *localOwner) Acquire(_ context.Context) (bool, error) {
	l := o.table
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.holder != "" && l.holder != o.id && now.Before(l.expires) {
		return false, nil
	}
	l.holder = o.id
	l.expires = now.Add(o.ttl)
	return true, nil
}

func (o *localOwner) Release(_ context.Context) error {
	l := o.table
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == o.id {
		l.holder = ""
		l.expires = time.Time{}
	}
	return nil
}

// Keeper renews a Lease in the background and answers Held for the
// monitors. Held turns false one renew interval before the TTL runs out, so
// a keeper that cannot reach the backend stops scanning before another
// instance may take over.
type Keeper struct {
	lease Lease
	ttl   time.Duration
	every time.Duration
	log   *zap.Logger
	until atomic.Int64
	now   func() time.Time
}

func NewKeeper(l Lease, ttl time.Duration, log *zap.Logger) *Keeper {
	every := ttl / 3
	if every <= 0 {
		every = time.Second
	}
	return &Keeper{lease: l, ttl: ttl, every: every, log: log, now: time.Now}
}

func (k *Keeper) Held() bool {
	return k.now().UnixNano() < k.until.Load()
}

// Run renews until ctx is cancelled, then releases the lease.
func (k *Keeper) Run(ctx context.Context) error {
	k.renew(ctx)
	ticker := time.NewTicker(k.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			k.until.Store(0)
			metrics.LeaseHeld.Set(0)
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := k.lease.Release(rctx); err != nil {
				k.log.Warn("lease release failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			k.renew(ctx)
		}
	}
}

func (k *Keeper) renew(ctx context.Context) {
	start := k.now()
	wasHeld := k.Held()
	ok, err := k.lease.Acquire(ctx)
	if err != nil {
		k.log.Warn("lease renew failed", zap.Error(err))
		return
	}
	if !ok {
		k.until.Store(0)
		metrics.LeaseHeld.Set(0)
		if wasHeld {
			k.log.Warn("scanner lease lost")
		}
		return
	}
	k.until.Store(start.Add(k.ttl - k.every).UnixNano())
	metrics.LeaseHeld.Set(1)
	if !wasHeld {
		k.log.Info("scanner lease acquired")
	}
}
