package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the JetStream key-value bucket holding entries.
const DefaultBucket = "validationd_idempotency"

// kvValue is what the bucket stores. A claim has no Entry.
type kvValue struct {
	Entry     *Entry    `json:"entry,omitempty"`
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
}

// NATSStore shares entries across instances through a JetStream key-value
// bucket. Claim uses the bucket's create-if-absent, so exactly one instance
// wins a key. The bucket TTL expires entries; because every write resets a
// key's age, the TTL effectively starts at Put.
type NATSStore struct {
	kv       jetstream.KeyValue
	ttl      time.Duration
	claimTTL time.Duration
}

// NewNATSStore creates or binds the bucket on nc.
func NewNATSStore(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration) (*NATSStore, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to open jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "validationd idempotency entries",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create idempotency bucket %s: %w", bucket, err)
	}
	return &NATSStore{kv: kv, ttl: ttl, claimTTL: DefaultClaimTTL}, nil
}

// kvKey hashes caller keys into the bucket's restricted key alphabet.
func kvKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (s *NATSStore) read(ctx context.Context, key string) (*kvValue, uint64, error) {
	ent, err := s.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	var v kvValue
	if err := json.Unmarshal(ent.Value(), &v); err != nil {
		return nil, 0, fmt.Errorf("failed to decode idempotency value: %w", err)
	}
	return &v, ent.Revision(), nil
}

// Get implements Store.
func (s *NATSStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	v, _, err := s.read(ctx, key)
	if err != nil || v == nil || v.Entry == nil {
		return nil, false, err
	}
	if !v.Entry.ExpiresAt.IsZero() && !time.Now().Before(v.Entry.ExpiresAt) {
		return nil, false, nil
	}
	return v.Entry, true, nil
}

// Claim implements Store. A stale claim left by a crashed writer is taken
// over with a revision-checked update.
func (s *NATSStore) Claim(ctx context.Context, key string) (bool, error) {
	data, err := json.Marshal(kvValue{ClaimedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	_, err = s.kv.Create(ctx, kvKey(key), data)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	v, rev, err := s.read(ctx, key)
	if err != nil || v == nil {
		return false, err
	}
	stale := v.Entry == nil && time.Since(v.ClaimedAt) > s.claimTTL
	expired := v.Entry != nil && !v.Entry.ExpiresAt.IsZero() && !time.Now().Before(v.Entry.ExpiresAt)
	if !stale && !expired {
		return false, nil
	}
	if _, err := s.kv.Update(ctx, kvKey(key), data, rev); err != nil {
		return false, nil
	}
	return true, nil
}

// Put implements Store.
func (s *NATSStore) Put(ctx context.Context, e *Entry) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.ExpiresAt = now.Add(s.ttl)
	data, err := json.Marshal(kvValue{Entry: e})
	if err != nil {
		return fmt.Errorf("failed to encode idempotency entry: %w", err)
	}
	if _, err := s.kv.Put(ctx, kvKey(e.Key), data); err != nil {
		return fmt.Errorf("failed to store idempotency entry: %w", err)
	}
	return nil
}

// Release implements Store.
func (s *NATSStore) Release(ctx context.Context, key string) error {
	v, rev, err := s.read(ctx, key)
	if err != nil || v == nil || v.Entry != nil {
		return err
	}
	if err := s.kv.Delete(ctx, kvKey(key), jetstream.LastRevision(rev)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Close implements Store. The connection is owned by the caller.
func (s *NATSStore) Close() error { return nil }
