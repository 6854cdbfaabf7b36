package idempotency

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// defaultClaimWait bounds how long a caller waits for another writer's result.
const defaultClaimWait = 10 * time.Second

// claimPollInterval is how often a waiting caller re-reads the store.
const claimPollInterval = 50 * time.Millisecond

// Guard runs a submission at most once per key within the TTL.
type Guard struct {
	store     Store
	group     singleflight.Group
	claimWait time.Duration
	logger    *zap.Logger
	metrics   *Metrics
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithClaimWait sets how long a caller waits for a result owned by another process.
func WithClaimWait(d time.Duration) GuardOption {
	return func(g *Guard) { g.claimWait = d }
}

// WithGuardMetrics attaches Prometheus metrics.
func WithGuardMetrics(m *Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard creates a guard over store.
func NewGuard(store Store, logger *zap.Logger, opts ...GuardOption) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{store: store, claimWait: defaultClaimWait, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Lookup returns a live entry for key without running anything. It lets
// callers short-circuit before non-idempotent work such as authentication
// side effects.
func (g *Guard) Lookup(ctx context.Context, key string) (*Entry, bool) {
	if key == "" {
		return nil, false
	}
	e, ok, err := g.store.Get(ctx, key)
	if err != nil {
		g.logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if ok {
		g.metrics.hit()
	}
	return e, ok
}

// Do returns the cached entry for key or runs fn to produce it. replayed is
// true when the returned entry was produced by an earlier or concurrent
// call. With an empty key fn always runs and nothing is cached. A failing fn
// leaves no entry behind.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) (*Entry, error)) (entry *Entry, replayed bool, err error) {
	if key == "" {
		e, err := fn(ctx)
		return e, false, err
	}

	if e, ok := g.Lookup(ctx, key); ok {
		return e, true, nil
	}

	executed := false
	v, err, shared := g.group.Do(key, func() (interface{}, error) {
		executed = true
		return g.claimAndRun(ctx, key, fn)
	})
	if shared && !executed {
		g.metrics.coalesced()
	}
	if err != nil {
		return nil, false, err
	}
	res := v.(*outcome)
	return res.entry, !executed || res.replayed, nil
}

type outcome struct {
	entry    *Entry
	replayed bool
}

func (g *Guard) claimAndRun(ctx context.Context, key string, fn func(ctx context.Context) (*Entry, error)) (*outcome, error) {
	if e, ok, err := g.store.Get(ctx, key); err == nil && ok {
		g.metrics.hit()
		return &outcome{entry: e, replayed: true}, nil
	}

	won, err := g.store.Claim(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if !won {
		g.metrics.claimLost()
		e, err := g.await(ctx, key)
		if err != nil {
			return nil, err
		}
		return &outcome{entry: e, replayed: true}, nil
	}

	g.metrics.miss()
	e, err := fn(ctx)
	if err != nil {
		if rerr := g.store.Release(context.WithoutCancel(ctx), key); rerr != nil {
			g.logger.Warn("failed to release idempotency claim", zap.String("key", key), zap.Error(rerr))
		}
		return nil, err
	}

	e.Key = key
	if err := g.store.Put(context.WithoutCancel(ctx), e); err != nil {
		// The submission happened; losing the cache entry only weakens dedup.
		g.logger.Warn("failed to cache idempotency entry", zap.String("key", key), zap.String("run_id", e.RunID), zap.Error(err))
	}
	return &outcome{entry: e}, nil
}

// await polls the store until the claim holder publishes its result.
func (g *Guard) await(ctx context.Context, key string) (*Entry, error) {
	deadline := time.NewTimer(g.claimWait)
	defer deadline.Stop()
	tick := time.NewTicker(claimPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrInFlight
		case <-tick.C:
			e, ok, err := g.store.Get(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("failed to read idempotency entry: %w", err)
			}
			if ok {
				return e, nil
			}
		}
	}
}
