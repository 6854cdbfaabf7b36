// Package idempotency suppresses duplicate run submissions that carry the
// same caller-supplied key within a TTL.
//
// A Guard checks the Store, coalesces concurrent callers in this process with
// singleflight, and uses the Store's atomic Claim so that across processes
// only the first writer performs the submission. Later callers observe the
// cached Entry. The TTL clock starts when the result is written.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// Entry is the cached outcome of a submission.
type Entry struct {
	Key         string    `json:"key"`
	RunID       string    `json:"run_id"`
	ProjectID   string    `json:"project_id"`
	Status      string    `json:"status"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store persists entries and arbitrates which caller owns a key.
type Store interface {
	// Get returns the completed entry for key. Claimed keys without a
	// result and expired entries report false.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Claim atomically reserves key. It returns false if another caller
	// holds a claim or a live entry exists.
	Claim(ctx context.Context, key string) (bool, error)

	// Put stores the result for key and starts its TTL.
	Put(ctx context.Context, e *Entry) error

	// Release drops a claim whose submission failed.
	Release(ctx context.Context, key string) error

	// Close stops background work.
	Close() error
}

// ErrInFlight is returned when another process holds the claim for a key
// and did not publish a result within the claim wait.
var ErrInFlight = errors.New("idempotent submission still in flight")

const (
	// DefaultTTL is the lifetime of an entry after it is written.
	DefaultTTL = 5 * time.Minute
	// DefaultClaimTTL bounds how long an unfinished claim blocks a key.
	DefaultClaimTTL = 30 * time.Second
)
