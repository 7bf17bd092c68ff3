package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dealerdesk/accesskit/pkg/observability"
)

// SQLCache is the durable L2 tier backed by the permission_cache table.
// Entries survive restarts; the hit counter is persisted for observability.
type SQLCache struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewSQLCache creates the PostgreSQL-backed cache tier.
func NewSQLCache(db *sql.DB, logger *observability.Logger) *SQLCache {
	return &SQLCache{db: db, logger: logger}
}

// Get fetches a live entry and bumps its hit counter in one statement.
func (c *SQLCache) Get(ctx context.Context, key string, tenantID int64) (*CacheEntry, bool) {
	query := `
		UPDATE permission_cache
		SET hit_count = hit_count + 1
		WHERE cache_key = $1 AND tenant_id = $2 AND expires_at > NOW()
		RETURNING permissions, computed_at, expires_at, hit_count
	`

	entry := &CacheEntry{Key: key, TenantID: tenantID}
	var permsJSON []byte
	err := c.db.QueryRowContext(ctx, query, key, tenantID).Scan(
		&permsJSON, &entry.ComputedAt, &entry.ExpiresAt, &entry.Hits,
	)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).Warn("L2 permission cache read failed")
		return nil, false
	}

	if err := json.Unmarshal(permsJSON, &entry.Permissions); err != nil {
		c.logger.WithError(err).WithField("cache_key", key).
			Warn("L2 permission cache entry is unreadable; treating as miss")
		return nil, false
	}
	return entry, true
}

// Set upserts the entry. Last-writer-wins; no locking beyond the row upsert.
func (c *SQLCache) Set(ctx context.Context, entry *CacheEntry) error {
	permsJSON, err := json.Marshal(entry.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permission set: %w", err)
	}

	query := `
		INSERT INTO permission_cache (cache_key, tenant_id, permissions, computed_at, expires_at, hit_count)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (cache_key)
		DO UPDATE SET tenant_id = EXCLUDED.tenant_id,
		              permissions = EXCLUDED.permissions,
		              computed_at = EXCLUDED.computed_at,
		              expires_at = EXCLUDED.expires_at,
		              hit_count = 0
	`
	if _, err := c.db.ExecContext(ctx, query,
		entry.Key, entry.TenantID, permsJSON, entry.ComputedAt, entry.ExpiresAt,
	); err != nil {
		return fmt.Errorf("failed to write permission cache entry: %w", err)
	}
	return nil
}

// InvalidateTenant deletes every entry for the tenant. Coarse-grained by
// design: correctness over precision.
func (c *SQLCache) InvalidateTenant(ctx context.Context, tenantID int64) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM permission_cache WHERE tenant_id = $1`, tenantID,
	); err != nil {
		return fmt.Errorf("failed to invalidate tenant %d cache: %w", tenantID, err)
	}
	return nil
}
