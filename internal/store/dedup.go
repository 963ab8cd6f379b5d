// Package store persists the two pieces of state SPEC_FULL.md's
// supplemented features need that don't belong in the in-memory
// consumer core: redelivery/dedup bookkeeping (Redis) and durable
// topic subscription registrations (Postgres).
package store

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "amqp-consumer:seen:"

// RedisDedupStore detects redelivered duplicates on the AUTO/DUPS_OK
// ack path via SETNX, the same idiom as
// worker/internal/repository/redis/idempotency.go's lock acquisition,
// applied here to message IDs instead of job IDs.
type RedisDedupStore struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewRedisDedupStore returns a dedup store that remembers a message ID
// for ttl. A message redelivered after ttl has elapsed is indistinguishable
// from a first delivery; callers size ttl to their redelivery window.
func NewRedisDedupStore(client *goredis.Client, ttl time.Duration) *RedisDedupStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisDedupStore{client: client, ttl: ttl}
}

// MarkDelivered reports whether msgID is being seen for the first time,
// atomically recording it if so.
func (s *RedisDedupStore) MarkDelivered(ctx context.Context, msgID string) (bool, error) {
	key := dedupKeyPrefix + msgID
	ok, err := s.client.SetNX(ctx, key, time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: dedup setnx: %w", err)
	}
	return ok, nil
}
