// Package cache provides a Redis-backed idempotency key cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ledger:idem:"

// KeyCache maps (client, idempotency key) to a transaction id. The mapping is
// immutable once claimed, so only the TTL bounds its size.
type KeyCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewKeyCache(client redis.UniversalClient, ttl time.Duration) *KeyCache {
	return &KeyCache{client: client, ttl: ttl}
}

func cacheKey(clientID uuid.UUID, key string) string {
	return keyPrefix + clientID.String() + ":" + key
}

// Get returns ok=false on a miss.
func (c *KeyCache) Get(ctx context.Context, clientID uuid.UUID, key string) (uuid.UUID, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(clientID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis get: %w", err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("cached transaction id %q: %w", val, err)
	}
	return id, true, nil
}

// Put stores the mapping without overwriting an existing one.
func (c *KeyCache) Put(ctx context.Context, clientID uuid.UUID, key string, id uuid.UUID) error {
	if err := c.client.SetNX(ctx, cacheKey(clientID, key), id.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (c *KeyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
