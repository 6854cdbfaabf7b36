package idempotency

import (
	"context"
	"sync"
	"time"
)

type record struct {
	entry     *Entry // nil while claimed
	expiresAt time.Time
}

// MemoryStore is a process-local Store: a mutex-guarded map with lazy
// expiry on read and a periodic sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*record
	ttl      time.Duration
	claimTTL time.Duration
	now      func() time.Time
	metrics  *Metrics

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithClaimTTL sets how long an unfinished claim blocks its key.
func WithClaimTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.claimTTL = d }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) MemoryOption {
	return func(s *MemoryStore) { s.metrics = m }
}

// NewMemoryStore creates a store with the given TTL. A positive sweep
// interval starts a goroutine that purges expired records; Close stops it.
func NewMemoryStore(ttl, sweep time.Duration, opts ...MemoryOption) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		records:  make(map[string]*record),
		ttl:      ttl,
		claimTTL: DefaultClaimTTL,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if sweep > 0 {
		go s.sweepLoop(sweep)
	} else {
		close(s.done)
	}
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(rec.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.records[key]; ok && cur == rec {
			delete(s.records, key)
			s.metrics.setSize(len(s.records))
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	if rec.entry == nil {
		return nil, false, nil
	}
	e := *rec.entry
	return &e, true, nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok && now.Before(rec.expiresAt) {
		return false, nil
	}
	s.records[key] = &record{expiresAt: now.Add(s.claimTTL)}
	s.metrics.setSize(len(s.records))
	return true, nil
}

// Put implements Store. The entry's CreatedAt and ExpiresAt are set here.
func (s *MemoryStore) Put(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := *e
	stored.CreatedAt = now
	stored.ExpiresAt = now.Add(s.ttl)
	s.records[e.Key] = &record{entry: &stored, expiresAt: stored.ExpiresAt}
	*e = stored
	s.metrics.setSize(len(s.records))
	return nil
}

// Release implements Store. Completed entries are left alone.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && rec.entry == nil {
		delete(s.records, key)
		s.metrics.setSize(len(s.records))
	}
	return nil
}

// Len returns the number of records, including claims and unswept expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Sweep purges expired records and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, rec := range s.records {
		if !now.Before(rec.expiresAt) {
			delete(s.records, k)
			removed++
		}
	}
	s.metrics.setSize(len(s.records))
	return removed
}

func (s *MemoryStore) sweepLoop(every time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
