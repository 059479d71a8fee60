// Package cache holds the Redis fast paths in front of the database.
// Everything here is an optimization: the oplog's unique index remains
// the source of truth for dedup, so a missing or failing Redis never
// changes outcomes, only how early a duplicate is caught.
package cache

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "idem:op:"
	idempotencyKeyTTL    = 24 * time.Hour
)

// Dedup is the op-id idempotency filter.
type Dedup struct {
	client *redis.Client
}

func NewDedup(client *redis.Client) *Dedup {
	return &Dedup{client: client}
}

// Claim marks an op id as in flight. It returns false when another
// push already claimed the id within the TTL. Errors are treated as an
// open filter so Redis outages never reject writes.
func (d *Dedup) Claim(ctx context.Context, opID string) bool {
	ok, err := d.client.SetNX(ctx, idempotencyKeyPrefix+opID, 1, idempotencyKeyTTL).Result()
	if err != nil {
		log.Printf("cache: idempotency claim failed, falling through to db: %v", err)
		return true
	}
	return ok
}

// Release drops a claim so a failed apply can be retried before the
// TTL expires.
func (d *Dedup) Release(ctx context.Context, opID string) {
	if err := d.client.Del(ctx, idempotencyKeyPrefix+opID).Err(); err != nil {
		log.Printf("cache: idempotency release failed: %v", err)
	}
}
