package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/metering/backend/internal/domain/billing"
)

const snapshotKeyPrefix = "billing:refdata:"

// RedisSnapshotCache shares reference snapshots across instances so every
// instance costs a day's usage against the same rate and price table.
type RedisSnapshotCache struct {
	client *redis.Client
}

// NewRedisSnapshotCache creates a Redis-backed snapshot cache
func NewRedisSnapshotCache(client *redis.Client) *RedisSnapshotCache {
	return &RedisSnapshotCache{client: client}
}

// Get returns the cached snapshot for the key if present
func (c *RedisSnapshotCache) Get(ctx context.Context, key string) (*billing.ReferenceSnapshot, bool, error) {
	data, err := c.client.Get(ctx, snapshotKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read snapshot from redis: %w", err)
	}

	var snapshot billing.ReferenceSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached snapshot: %w", err)
	}
	return &snapshot, true, nil
}

// Put stores a snapshot under the key for the given TTL
func (c *RedisSnapshotCache) Put(ctx context.Context, key string, snapshot *billing.ReferenceSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot to redis: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller
func (c *RedisSnapshotCache) Close() error {
	return nil
}
