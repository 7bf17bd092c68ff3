package authz

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/accesskit/pkg/observability"
)

// fakeL2 is an in-memory durable tier with switchable failures.
type fakeL2 struct {
	entries        map[string]*CacheEntry
	failGet        bool
	failSet        bool
	failInvalidate bool
	invalidations  []int64
}

func newFakeL2() *fakeL2 {
	return &fakeL2{entries: make(map[string]*CacheEntry)}
}

func (f *fakeL2) Get(ctx context.Context, key string, tenantID int64) (*CacheEntry, bool) {
	if f.failGet {
		return nil, false
	}
	e, ok := f.entries[key]
	return e, ok
}

func (f *fakeL2) Set(ctx context.Context, entry *CacheEntry) error {
	if f.failSet {
		return errors.New("l2 unavailable")
	}
	f.entries[entry.Key] = entry
	return nil
}

func (f *fakeL2) InvalidateTenant(ctx context.Context, tenantID int64) error {
	if f.failInvalidate {
		return errors.New("l2 unavailable")
	}
	f.invalidations = append(f.invalidations, tenantID)
	for k, e := range f.entries {
		if e.TenantID == tenantID {
			delete(f.entries, k)
		}
	}
	return nil
}

func newTestTieredCache(t *testing.T, l2 Cache) *TieredCache {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewTieredCache(100, 30*time.Minute, l2, logger, metrics)
}

func TestCacheKey_Deterministic(t *testing.T) {
	orgCtx := OrgContext{TenantID: 7, UnitID: i64Ptr(3), LocationID: i64Ptr(9)}
	assert.Equal(t, CacheKey(42, orgCtx), CacheKey(42, orgCtx))
}

func TestCacheKey_VariesPerDimension(t *testing.T) {
	base := OrgContext{TenantID: 7}
	keys := map[string]bool{
		CacheKey(42, base): true,
		CacheKey(43, base): true,
		CacheKey(42, OrgContext{TenantID: 8}):                         true,
		CacheKey(42, OrgContext{TenantID: 7, UnitID: i64Ptr(1)}):      true,
		CacheKey(42, OrgContext{TenantID: 7, LocationID: i64Ptr(1)}):  true,
		CacheKey(42, OrgContext{TenantID: 7, RegionID: i64Ptr(1)}):    true,
	}
	assert.Len(t, keys, 6, "every context dimension must contribute to the key")
}

func TestTieredCache_L1Hit(t *testing.T) {
	cache := newTestTieredCache(t, nil)
	ctx := context.Background()

	entry := cache.NewEntry("k1", 7, PermissionSet{"crm.leads.view": {Code: "crm.leads.view", Effect: EffectAllow}})
	require.NoError(t, cache.Set(ctx, entry))

	got, tier, ok := cache.Get(ctx, "k1", 7)
	require.True(t, ok)
	assert.Equal(t, TierL1, tier)
	assert.Equal(t, entry.Permissions, got.Permissions)
	assert.Equal(t, int64(1), got.Hits)

	cache.Get(ctx, "k1", 7)
	assert.Equal(t, int64(2), got.Hits)
}

func TestTieredCache_ExpiryByClock(t *testing.T) {
	cache := newTestTieredCache(t, nil)
	ctx := context.Background()

	now := time.Now()
	cache.clock = func() time.Time { return now }

	entry := cache.NewEntry("k1", 7, PermissionSet{})
	require.NoError(t, cache.Set(ctx, entry))

	_, _, ok := cache.Get(ctx, "k1", 7)
	assert.True(t, ok)

	// Advance past the TTL; the entry must not be served.
	now = now.Add(31 * time.Minute)
	_, _, ok = cache.Get(ctx, "k1", 7)
	assert.False(t, ok)
}

func TestTieredCache_L2PopulatesL1(t *testing.T) {
	l2 := newFakeL2()
	cache := newTestTieredCache(t, l2)
	ctx := context.Background()

	entry := cache.NewEntry("k1", 7, PermissionSet{"erp.orders.view": {Code: "erp.orders.view", Effect: EffectAllow}})
	l2.entries["k1"] = entry

	got, tier, ok := cache.Get(ctx, "k1", 7)
	require.True(t, ok)
	assert.Equal(t, TierL2, tier)
	assert.Equal(t, entry.Permissions, got.Permissions)

	// Second lookup is served from L1.
	_, tier, ok = cache.Get(ctx, "k1", 7)
	require.True(t, ok)
	assert.Equal(t, TierL1, tier)
}

func TestTieredCache_L2SetFailureDegrades(t *testing.T) {
	l2 := newFakeL2()
	l2.failSet = true
	cache := newTestTieredCache(t, l2)
	ctx := context.Background()

	entry := cache.NewEntry("k1", 7, PermissionSet{})
	assert.NoError(t, cache.Set(ctx, entry), "an unreachable L2 must not fail the write")

	_, tier, ok := cache.Get(ctx, "k1", 7)
	require.True(t, ok)
	assert.Equal(t, TierL1, tier)
}

func TestTieredCache_L2GetFailureIsAMiss(t *testing.T) {
	l2 := newFakeL2()
	l2.failGet = true
	cache := newTestTieredCache(t, l2)

	_, _, ok := cache.Get(context.Background(), "k1", 7)
	assert.False(t, ok)
}

func TestTieredCache_InvalidateTenantIsScoped(t *testing.T) {
	l2 := newFakeL2()
	cache := newTestTieredCache(t, l2)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, cache.NewEntry("t7", 7, PermissionSet{})))
	require.NoError(t, cache.Set(ctx, cache.NewEntry("t8", 8, PermissionSet{})))

	require.NoError(t, cache.InvalidateTenant(ctx, 7))

	_, _, ok := cache.Get(ctx, "t7", 7)
	assert.False(t, ok, "tenant 7 entries must be gone from both tiers")
	_, _, ok = cache.Get(ctx, "t8", 8)
	assert.True(t, ok, "tenant 8 entries must survive")
	assert.Equal(t, []int64{7}, l2.invalidations)
}

func TestTieredCache_InvalidateTenantL2FailureSurfaces(t *testing.T) {
	l2 := newFakeL2()
	l2.failInvalidate = true
	cache := newTestTieredCache(t, l2)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, cache.NewEntry("t7", 7, PermissionSet{})))

	err := cache.InvalidateTenant(ctx, 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCacheUnavailable))

	// L1 was still swept even though L2 failed.
	_, _, ok := cache.Get(ctx, "t7", 7)
	assert.False(t, ok)
}
