package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/dealerdesk/accesskit/pkg/observability"
)

// RedisCache is an alternative L2 tier backed by Redis, for deployments that
// already run Redis and want cache entries off the primary database. Each
// tenant's keys are tracked in a per-tenant set so invalidation stays a
// single round trip.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *observability.Logger
}

// NewRedisCache connects to Redis and returns the cache tier.
func NewRedisCache(addr, password string, db int, ttl time.Duration, logger *observability.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}, nil
}

// Client exposes the underlying connection for health checks.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func entryKey(tenantID int64, key string) string {
	return fmt.Sprintf("authz:perm:%d:%s", tenantID, key)
}

func tenantSetKey(tenantID int64) string {
	return fmt.Sprintf("authz:tenant:%d", tenantID)
}

// Get fetches a live entry and bumps its hit counter.
func (c *RedisCache) Get(ctx context.Context, key string, tenantID int64) (*CacheEntry, bool) {
	data, err := c.client.Get(ctx, entryKey(tenantID, key)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).Warn("L2 permission cache read failed")
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.logger.WithError(err).WithField("cache_key", key).
			Warn("L2 permission cache entry is unreadable; treating as miss")
		return nil, false
	}

	entry.Hits++
	if updated, err := json.Marshal(&entry); err == nil {
		// Best-effort counter write preserving the remaining TTL
		c.client.Set(ctx, entryKey(tenantID, key), updated, redis.KeepTTL)
	}

	return &entry, true
}

// Set writes the entry and registers its key in the tenant's key set. The
// set lives slightly longer than the entries so invalidation always sees
// every live key.
func (c *RedisCache) Set(ctx context.Context, entry *CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, entryKey(entry.TenantID, entry.Key), data, c.ttl)
	pipe.SAdd(ctx, tenantSetKey(entry.TenantID), entry.Key)
	pipe.Expire(ctx, tenantSetKey(entry.TenantID), c.ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write permission cache entry: %w", err)
	}
	return nil
}

// InvalidateTenant deletes the tenant's entries and its key set.
func (c *RedisCache) InvalidateTenant(ctx context.Context, tenantID int64) error {
	keys, err := c.client.SMembers(ctx, tenantSetKey(tenantID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to list tenant %d cache keys: %w", tenantID, err)
	}

	del := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		del = append(del, entryKey(tenantID, k))
	}
	del = append(del, tenantSetKey(tenantID))

	if err := c.client.Del(ctx, del...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate tenant %d cache: %w", tenantID, err)
	}
	return nil
}
