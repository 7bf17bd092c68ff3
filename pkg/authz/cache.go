package authz

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dealerdesk/accesskit/pkg/observability"
)

// DefaultCacheTTL is how long a computed permission set stays valid.
const DefaultCacheTTL = 30 * time.Minute

// CacheKey derives the stable cache key for a (user, organizational context)
// pair. Optional context ids hash as zero so the same context always yields
// the same key.
func CacheKey(userID int64, orgCtx OrgContext) string {
	h := fnv.New64a()
	write := func(v int64) {
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}
	write(userID)
	write(orgCtx.TenantID)
	write(deref(orgCtx.UnitID))
	write(deref(orgCtx.LocationID))
	write(deref(orgCtx.RegionID))
	return fmt.Sprintf("%016x", h.Sum64())
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// CacheEntry is one memoized permission set.
type CacheEntry struct {
	Key         string        `json:"key"`
	TenantID    int64         `json:"tenant_id"`
	Permissions PermissionSet `json:"permissions"`
	ComputedAt  time.Time     `json:"computed_at"`
	ExpiresAt   time.Time     `json:"expires_at"`

	// Hits counts lookups served from this entry, for observability.
	Hits int64 `json:"hits"`
}

// Expired reports whether the entry is past its TTL at t.
func (e *CacheEntry) Expired(t time.Time) bool {
	return !t.Before(e.ExpiresAt)
}

// Cache tier names as reported by TieredCache.Get.
const (
	TierL1 = "l1"
	TierL2 = "l2"
)

// Cache memoizes resolved permission sets. Implementations must treat
// InvalidateTenant as mandatory (correctness) and Get/Set as best-effort
// (performance): a failing lookup or write degrades, a skipped invalidation
// is a security bug.
type Cache interface {
	Get(ctx context.Context, key string, tenantID int64) (*CacheEntry, bool)
	Set(ctx context.Context, entry *CacheEntry) error
	InvalidateTenant(ctx context.Context, tenantID int64) error
}

// TieredCache layers an in-process LRU (L1) over an optional durable tier
// (L2). Both tiers share one TTL; L2 survives restarts and carries the
// persistent hit counter.
type TieredCache struct {
	l1      *expirable.LRU[string, *CacheEntry]
	l2      Cache
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
	clock   func() time.Time
}

// NewTieredCache creates the two-tier permission cache. l2 may be nil for
// L1-only operation.
func NewTieredCache(l1Size int, ttl time.Duration, l2 Cache, logger *observability.Logger, metrics *observability.Metrics) *TieredCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &TieredCache{
		l1:      expirable.NewLRU[string, *CacheEntry](l1Size, nil, ttl),
		l2:      l2,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		clock:   time.Now,
	}
}

// TTL returns the cache TTL.
func (c *TieredCache) TTL() time.Duration {
	return c.ttl
}

// Get checks L1 then L2, populating L1 on an L2 hit. The returned tier is
// "l1" or "l2" on a hit. An unreachable L2 is a miss, never an error: the
// resolver recomputes and the decision still succeeds.
func (c *TieredCache) Get(ctx context.Context, key string, tenantID int64) (*CacheEntry, string, bool) {
	now := c.clock()

	if entry, ok := c.l1.Get(key); ok {
		if !entry.Expired(now) {
			atomic.AddInt64(&entry.Hits, 1)
			c.metrics.CacheHitsTotal.WithLabelValues("l1").Inc()
			return entry, TierL1, true
		}
		c.l1.Remove(key)
	}
	c.metrics.CacheMissesTotal.WithLabelValues("l1").Inc()

	if c.l2 == nil {
		return nil, "", false
	}

	entry, ok := c.l2.Get(ctx, key, tenantID)
	if !ok {
		c.metrics.CacheMissesTotal.WithLabelValues("l2").Inc()
		return nil, "", false
	}
	if entry.Expired(now) {
		c.metrics.CacheMissesTotal.WithLabelValues("l2").Inc()
		return nil, "", false
	}

	c.metrics.CacheHitsTotal.WithLabelValues("l2").Inc()
	c.l1.Add(key, entry)
	return entry, TierL2, true
}

// Set writes the entry to both tiers. L2 failures degrade to L1-only.
func (c *TieredCache) Set(ctx context.Context, entry *CacheEntry) error {
	c.l1.Add(entry.Key, entry)

	if c.l2 != nil {
		if err := c.l2.Set(ctx, entry); err != nil {
			c.metrics.CacheTierErrorsTotal.WithLabelValues("l2", "set").Inc()
			c.logger.WithError(err).WithField("tenant_id", entry.TenantID).
				Warn("L2 permission cache write failed; continuing with L1 only")
		}
	}
	return nil
}

// InvalidateTenant drops every entry for the tenant from both tiers. An L2
// failure is returned: durable stale entries are a security risk and the
// caller's mutation is not complete until invalidation succeeded.
func (c *TieredCache) InvalidateTenant(ctx context.Context, tenantID int64) error {
	for _, key := range c.l1.Keys() {
		if entry, ok := c.l1.Peek(key); ok && entry.TenantID == tenantID {
			c.l1.Remove(key)
		}
	}
	c.metrics.CacheInvalidationsTotal.WithLabelValues("l1").Inc()

	if c.l2 != nil {
		if err := c.l2.InvalidateTenant(ctx, tenantID); err != nil {
			c.metrics.CacheTierErrorsTotal.WithLabelValues("l2", "invalidate").Inc()
			return fmt.Errorf("%w: tenant %d invalidation: %v", ErrCacheUnavailable, tenantID, err)
		}
		c.metrics.CacheInvalidationsTotal.WithLabelValues("l2").Inc()
	}
	return nil
}

// NewEntry builds a cache entry for a freshly computed permission set.
func (c *TieredCache) NewEntry(key string, tenantID int64, perms PermissionSet) *CacheEntry {
	now := c.clock()
	return &CacheEntry{
		Key:         key,
		TenantID:    tenantID,
		Permissions: perms,
		ComputedAt:  now,
		ExpiresAt:   now.Add(c.ttl),
	}
}
