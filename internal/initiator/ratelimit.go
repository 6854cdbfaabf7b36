package initiator

import (
	"fmt"
	"sync"
	"time"
)

// Pipeline kickoffs per user observed in production: ten per 15 minutes.
const (
	DefaultStartLimit  = 10
	DefaultStartWindow = 15 * time.Minute
)

// sweepAbove is the number of tracked users past which idle users are
// dropped on the next Reserve.
const sweepAbove = 1024

// RateLimitedError rejects a kickoff over the per-user limit.
type RateLimitedError struct {
	UserID     string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many validation runs for %s; retry in %s", e.UserID, e.RetryAfter.Round(time.Second))
}

// Retryable reports true; the caller may retry after RetryAfter.
func (e *RateLimitedError) Retryable() bool { return true }

// Quota is the state of a user's window after an accepted start.
type Quota struct {
	Limit     int
	Remaining int
}

// UserLimiter admits at most limit starts per user in any rolling window.
// Each user keeps the timestamps of their accepted starts; a start is
// admitted when fewer than limit of them are younger than window.
type UserLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	starts map[string][]time.Time
	now    func() time.Time
}

// NewUserLimiter creates a limiter. A non-positive limit or window disables
// limiting.
func NewUserLimiter(limit int, window time.Duration) *UserLimiter {
	if window <= 0 {
		limit = 0
	}
	return &UserLimiter{
		limit:  limit,
		window: window,
		starts: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Enabled reports whether starts are limited at all.
func (l *UserLimiter) Enabled() bool { return l.limit > 0 }

// Reserve records one start for user, or returns RateLimitedError with the
// time until the oldest start in the window expires. Rejected starts are not
// recorded.
func (l *UserLimiter) Reserve(user string) (Quota, error) {
	if !l.Enabled() {
		return Quota{}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.starts) > sweepAbove {
		l.sweep(now)
	}
	live := l.live(user, now)
	if len(live) >= l.limit {
		l.starts[user] = live
		return Quota{Limit: l.limit}, &RateLimitedError{UserID: user, Limit: l.limit, RetryAfter: live[0].Add(l.window).Sub(now)}
	}
	live = append(live, now)
	l.starts[user] = live
	return Quota{Limit: l.limit, Remaining: l.limit - len(live)}, nil
}

// live returns user's starts younger than the window, oldest first.
func (l *UserLimiter) live(user string, now time.Time) []time.Time {
	ts := l.starts[user]
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= l.window {
		i++
	}
	return ts[i:]
}

func (l *UserLimiter) sweep(now time.Time) {
	for user := range l.starts {
		if len(l.live(user, now)) == 0 {
			delete(l.starts, user)
		}
	}
}
