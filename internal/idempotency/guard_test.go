package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMemoryStore_TTLStartsAtPut(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore(5*time.Minute, 0, WithClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	won, err := s.Claim(ctx, "k1")
	require.NoError(t, err)
	require.True(t, won)

	clock.Advance(20 * time.Second)
	e := &Entry{Key: "k1", RunID: "r1", ProjectID: "p1"}
	require.NoError(t, s.Put(ctx, e))
	assert.Equal(t, clock.Now(), e.CreatedAt)

	clock.Advance(4*time.Minute + 59*time.Second)
	got, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", got.RunID)

	clock.Advance(time.Second)
	_, ok, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len(), "expired entry removed on read")

	won, err = s.Claim(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, won, "key reusable after expiry")
}

func TestMemoryStore_ClaimExclusive(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore(time.Minute, 0, WithClock(clock.Now), WithClaimTTL(10*time.Second))
	defer s.Close()
	ctx := context.Background()

	won, _ := s.Claim(ctx, "k")
	assert.True(t, won)
	won, _ = s.Claim(ctx, "k")
	assert.False(t, won)

	_, ok, _ := s.Get(ctx, "k")
	assert.False(t, ok, "claims are not results")

	require.NoError(t, s.Release(ctx, "k"))
	won, _ = s.Claim(ctx, "k")
	assert.True(t, won)

	clock.Advance(11 * time.Second)
	won, _ = s.Claim(ctx, "k")
	assert.True(t, won, "stale claim expires")
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore(time.Minute, 0, WithClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &Entry{Key: "a", RunID: "r1"}))
	clock.Advance(30 * time.Second)
	require.NoError(t, s.Put(ctx, &Entry{Key: "b", RunID: "r2"}))
	clock.Advance(31 * time.Second)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_SweeperStops(t *testing.T) {
	s := NewMemoryStore(time.Millisecond, 5*time.Millisecond)
	require.NoError(t, s.Put(context.Background(), &Entry{Key: "a"}))
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestGuard_ConcurrentSameKeyRunsOnce(t *testing.T) {
	s := NewMemoryStore(time.Minute, 0)
	defer s.Close()
	g, err := NewGuard(s, zap.NewNop())
	require.NoError(t, err)

	var calls int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (*Entry, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Entry{RunID: "r1", ProjectID: "p1"}, nil
	}

	const n = 32
	var wg sync.WaitGroup
	results := make([]*Entry, n)
	replays := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, replayed, err := g.Do(context.Background(), "same-key", fn)
			assert.NoError(t, err)
			results[i] = e
			replays[i] = replayed
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	fresh := 0
	for i := range results {
		require.NotNil(t, results[i])
		assert.Equal(t, "r1", results[i].RunID)
		if !replays[i] {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestGuard_ReplayWithinTTL(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore(5*time.Minute, 0, WithClock(clock.Now))
	defer s.Close()
	g, _ := NewGuard(s, nil)

	var calls int
	fn := func(ctx context.Context) (*Entry, error) {
		calls++
		return &Entry{RunID: "r" + string(rune('0'+calls))}, nil
	}

	e1, replayed, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	assert.False(t, replayed)

	clock.Advance(time.Minute)
	e2, replayed, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, e1.RunID, e2.RunID)

	clock.Advance(5 * time.Minute)
	e3, replayed, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotEqual(t, e1.RunID, e3.RunID)
	assert.Equal(t, 2, calls)
}

func TestGuard_FailureLeavesNoEntry(t *testing.T) {
	s := NewMemoryStore(time.Minute, 0)
	defer s.Close()
	g, _ := NewGuard(s, nil)
	boom := errors.New("boom")

	_, _, err := g.Do(context.Background(), "k", func(ctx context.Context) (*Entry, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Len())

	e, replayed, err := g.Do(context.Background(), "k", func(ctx context.Context) (*Entry, error) {
		return &Entry{RunID: "r2"}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "r2", e.RunID)
}

func TestGuard_EmptyKeyAlwaysRuns(t *testing.T) {
	s := NewMemoryStore(time.Minute, 0)
	defer s.Close()
	g, _ := NewGuard(s, nil)

	var calls int
	for i := 0; i < 3; i++ {
		_, replayed, err := g.Do(context.Background(), "", func(ctx context.Context) (*Entry, error) {
			calls++
			return &Entry{RunID: "r"}, nil
		})
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, s.Len())
}

func TestGuard_WaitsForForeignClaim(t *testing.T) {
	s := NewMemoryStore(time.Minute, 0)
	defer s.Close()
	g, _ := NewGuard(s, nil, WithClaimWait(time.Second))
	ctx := context.Background()

	won, err := s.Claim(ctx, "k")
	require.NoError(t, err)
	require.True(t, won)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = s.Put(ctx, &Entry{Key: "k", RunID: "r-other"})
	}()

	e, replayed, err := g.Do(ctx, "k", func(ctx context.Context) (*Entry, error) {
		t.Error("must not run while another writer holds the claim")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "r-other", e.RunID)
}

func TestGuard_ForeignClaimTimesOut(t *testing.T) {
	s := NewMemoryStore(time.Minute, 0)
	defer s.Close()
	g, _ := NewGuard(s, nil, WithClaimWait(100*time.Millisecond))

	_, _ = s.Claim(context.Background(), "k")
	_, _, err := g.Do(context.Background(), "k", func(ctx context.Context) (*Entry, error) {
		return &Entry{RunID: "r"}, nil
	})
	require.ErrorIs(t, err, ErrInFlight)
}

func TestNewGuard_RequiresStore(t *testing.T) {
	_, err := NewGuard(nil, nil)
	require.Error(t, err)
}
