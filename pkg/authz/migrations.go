package authz

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all authorization schema migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create organizational_units table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizational_units (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					parent_id BIGINT REFERENCES organizational_units(id) ON DELETE RESTRICT,
					name VARCHAR(255) NOT NULL,
					tier VARCHAR(20) NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					lft BIGINT NOT NULL,
					rgt BIGINT NOT NULL,
					depth INT NOT NULL
				);

				CREATE INDEX idx_org_units_tenant ON organizational_units(tenant_id);
				CREATE INDEX idx_org_units_coords ON organizational_units(tenant_id, lft, rgt);
				CREATE INDEX idx_org_units_parent ON organizational_units(parent_id);
			`,
		},
		{
			Version:     2,
			Description: "Create permissions catalog table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					code VARCHAR(255) NOT NULL UNIQUE,
					module VARCHAR(100) NOT NULL,
					resource_type VARCHAR(100) NOT NULL,
					action VARCHAR(100) NOT NULL,
					scope_level VARCHAR(20) NOT NULL,
					risk_level VARCHAR(20) NOT NULL DEFAULT 'low',
					requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
					requires_mfa BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE INDEX idx_permissions_module ON permissions(module);
				CREATE INDEX idx_permissions_resource ON permissions(resource_type, action);
			`,
		},
		{
			Version:     3,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					organizational_unit_id BIGINT NOT NULL REFERENCES organizational_units(id) ON DELETE RESTRICT,
					name VARCHAR(255) NOT NULL,
					hierarchy_level INT NOT NULL CHECK (hierarchy_level BETWEEN 1 AND 8),
					tier VARCHAR(20) NOT NULL,
					department VARCHAR(100),
					parent_id BIGINT REFERENCES roles(id) ON DELETE RESTRICT,
					is_system_role BOOLEAN NOT NULL DEFAULT FALSE,
					is_customizable BOOLEAN NOT NULL DEFAULT TRUE,
					lft BIGINT NOT NULL,
					rgt BIGINT NOT NULL,
					depth INT NOT NULL,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					UNIQUE(tenant_id, name)
				);

				CREATE INDEX idx_roles_tenant ON roles(tenant_id);
				CREATE INDEX idx_roles_coords ON roles(tenant_id, lft, rgt);
				CREATE INDEX idx_roles_parent ON roles(parent_id);
			`,
		},
		{
			Version:     4,
			Description: "Create role_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					effect VARCHAR(10) NOT NULL CHECK (effect IN ('ALLOW', 'DENY')),
					conditions JSONB,
					customized_by BIGINT,
					customized_at TIMESTAMP WITH TIME ZONE,
					custom_reason TEXT,
					PRIMARY KEY(role_id, permission_id)
				);

				CREATE INDEX idx_role_permissions_permission ON role_permissions(permission_id);
			`,
		},
		{
			Version:     5,
			Description: "Create user_role_assignments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_role_assignments (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					tenant_id BIGINT NOT NULL,
					organizational_unit_id BIGINT NOT NULL REFERENCES organizational_units(id) ON DELETE RESTRICT,
					effective_from TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					effective_until TIMESTAMP WITH TIME ZONE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					granted_by BIGINT,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_assignments_user_tenant ON user_role_assignments(user_id, tenant_id)
					WHERE is_active;
				CREATE INDEX idx_assignments_role ON user_role_assignments(role_id);
			`,
		},
		{
			Version:     6,
			Description: "Create permission_overrides table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_overrides (
					id UUID PRIMARY KEY,
					user_id BIGINT NOT NULL,
					tenant_id BIGINT NOT NULL,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					effect VARCHAR(10) NOT NULL CHECK (effect IN ('ALLOW', 'DENY')),
					justification TEXT NOT NULL,
					reason VARCHAR(255) NOT NULL,
					approved_by BIGINT,
					effective_from TIMESTAMP WITH TIME ZONE NOT NULL,
					effective_until TIMESTAMP WITH TIME ZONE,
					review_at TIMESTAMP WITH TIME ZONE NOT NULL,
					reviewed_at TIMESTAMP WITH TIME ZONE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_overrides_user_tenant ON permission_overrides(user_id, tenant_id)
					WHERE is_active;
				CREATE INDEX idx_overrides_review ON permission_overrides(review_at)
					WHERE is_active;
				CREATE INDEX idx_overrides_expiry ON permission_overrides(effective_until)
					WHERE is_active AND effective_until IS NOT NULL;
			`,
		},
		{
			Version:     7,
			Description: "Create permission_cache table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_cache (
					cache_key VARCHAR(64) PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					permissions JSONB NOT NULL,
					computed_at TIMESTAMP WITH TIME ZONE NOT NULL,
					expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
					hit_count BIGINT NOT NULL DEFAULT 0
				);

				CREATE INDEX idx_permission_cache_tenant ON permission_cache(tenant_id);
				CREATE INDEX idx_permission_cache_expiry ON permission_cache(expires_at);
			`,
		},
		{
			Version:     8,
			Description: "Create audit_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_events (
					id BIGSERIAL PRIMARY KEY,
					timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
					event_type VARCHAR(100) NOT NULL,
					status VARCHAR(20) NOT NULL,
					actor_id BIGINT,
					tenant_id BIGINT,
					target_user_id BIGINT,
					resource_type VARCHAR(50),
					resource_id VARCHAR(255),
					request_id VARCHAR(100),
					message TEXT,
					error_message TEXT,
					metadata JSONB,
					changes JSONB,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_audit_events_timestamp ON audit_events(timestamp DESC);
				CREATE INDEX idx_audit_events_tenant ON audit_events(tenant_id);
				CREATE INDEX idx_audit_events_type ON audit_events(event_type);
				CREATE INDEX idx_audit_events_resource ON audit_events(resource_type, resource_id);
			`,
		},
	}
}

// RunMigrations applies pending migrations in order, each in its own
// transaction.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS authz_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM authz_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO authz_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}
	return nil
}
