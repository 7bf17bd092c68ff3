package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dealerdesk/accesskit/pkg/hierarchy"
)

// Store handles persistence for the seven authorization relations. The
// permission catalog is global; everything else is tenant-scoped.
type Store struct {
	db *sql.DB
}

// NewStore creates a new authorization store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that share transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Permission catalog ---

// CreatePermission registers a catalog entry. Used at seed time.
func (s *Store) CreatePermission(ctx context.Context, p *Permission) error {
	query := `
		INSERT INTO permissions (name, code, module, resource_type, action, scope_level, risk_level, requires_approval, requires_mfa)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code) DO NOTHING
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		p.Name, p.Code, p.Module, p.ResourceType, p.Action,
		p.ScopeLevel, p.RiskLevel, p.RequiresApproval, p.RequiresMFA,
	).Scan(&p.ID)
	if err == sql.ErrNoRows {
		// Already seeded; fetch the existing id
		existing, getErr := s.GetPermissionByCode(ctx, p.Code)
		if getErr != nil {
			return getErr
		}
		p.ID = existing.ID
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create permission %s: %w", p.Code, err)
	}
	return nil
}

// GetPermissionByCode fetches a catalog entry by its unique code.
func (s *Store) GetPermissionByCode(ctx context.Context, code string) (*Permission, error) {
	query := `
		SELECT id, name, code, module, resource_type, action, scope_level, risk_level, requires_approval, requires_mfa
		FROM permissions
		WHERE code = $1
	`
	var p Permission
	err := s.db.QueryRowContext(ctx, query, code).Scan(
		&p.ID, &p.Name, &p.Code, &p.Module, &p.ResourceType, &p.Action,
		&p.ScopeLevel, &p.RiskLevel, &p.RequiresApproval, &p.RequiresMFA,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: permission code %s", ErrNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission %s: %w", code, err)
	}
	return &p, nil
}

// ListPermissions returns the whole catalog ordered by code.
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	query := `
		SELECT id, name, code, module, resource_type, action, scope_level, risk_level, requires_approval, requires_mfa
		FROM permissions
		ORDER BY code ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Code, &p.Module, &p.ResourceType, &p.Action,
			&p.ScopeLevel, &p.RiskLevel, &p.RequiresApproval, &p.RequiresMFA,
		); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// --- Roles ---

// GetRole fetches a role within a tenant.
func (s *Store) GetRole(ctx context.Context, tenantID, roleID int64) (*Role, error) {
	query := `
		SELECT id, tenant_id, organizational_unit_id, name, hierarchy_level, tier, department,
		       parent_id, is_system_role, is_customizable, created_at, updated_at
		FROM roles
		WHERE tenant_id = $1 AND id = $2
	`
	var r Role
	var department sql.NullString
	var parentID sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, tenantID, roleID).Scan(
		&r.ID, &r.TenantID, &r.OrganizationalUnitID, &r.Name, &r.HierarchyLevel, &r.Tier,
		&department, &parentID, &r.IsSystemRole, &r.IsCustomizable, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: role %d", ErrNotFound, roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role %d: %w", roleID, err)
	}
	if department.Valid {
		r.Department = department.String
	}
	if parentID.Valid {
		pid := parentID.Int64
		r.ParentRoleID = &pid
	}
	return &r, nil
}

// CreateRole inserts a role under its parent, reserving nested-set
// coordinates through the hierarchy store in the same transaction. A nil
// parent creates a tenant-root role.
func (s *Store) CreateRole(ctx context.Context, roles *hierarchy.Store, role *Role) error {
	if role.HierarchyLevel < HierarchyLevelMin || role.HierarchyLevel > HierarchyLevelMax {
		return fmt.Errorf("hierarchy level %d out of range [%d,%d]",
			role.HierarchyLevel, HierarchyLevelMin, HierarchyLevelMax)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin role transaction: %w", err)
	}
	defer tx.Rollback()

	coords, err := roles.ReserveChildSlot(ctx, tx, role.TenantID, role.ParentRoleID)
	if err != nil {
		return err
	}

	now := time.Now()
	query := `
		INSERT INTO roles (tenant_id, organizational_unit_id, name, hierarchy_level, tier, department,
		                   parent_id, is_system_role, is_customizable, lft, rgt, depth, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, query,
		role.TenantID, role.OrganizationalUnitID, role.Name, role.HierarchyLevel, role.Tier,
		nullString(role.Department), role.ParentRoleID, role.IsSystemRole, role.IsCustomizable,
		coords.Left, coords.Right, coords.Depth, now,
	).Scan(&role.ID)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit role creation: %w", err)
	}
	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// --- Organizational units ---

// GetUnit fetches an organizational unit within a tenant.
func (s *Store) GetUnit(ctx context.Context, tenantID, unitID int64) (*OrganizationalUnit, error) {
	query := `
		SELECT id, tenant_id, parent_id, name, tier, is_active
		FROM organizational_units
		WHERE tenant_id = $1 AND id = $2
	`
	var u OrganizationalUnit
	var parentID sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, tenantID, unitID).Scan(
		&u.ID, &u.TenantID, &parentID, &u.Name, &u.Tier, &u.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: organizational unit %d", ErrNotFound, unitID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit %d: %w", unitID, err)
	}
	if parentID.Valid {
		pid := parentID.Int64
		u.ParentID = &pid
	}
	return &u, nil
}

// CreateUnit inserts a unit under its parent with coordinates reserved by
// the hierarchy store.
func (s *Store) CreateUnit(ctx context.Context, units *hierarchy.Store, unit *OrganizationalUnit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin unit transaction: %w", err)
	}
	defer tx.Rollback()

	coords, err := units.ReserveChildSlot(ctx, tx, unit.TenantID, unit.ParentID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO organizational_units (tenant_id, parent_id, name, tier, is_active, lft, rgt, depth)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, query,
		unit.TenantID, unit.ParentID, unit.Name, unit.Tier,
		coords.Left, coords.Right, coords.Depth,
	).Scan(&unit.ID)
	if err != nil {
		return fmt.Errorf("failed to create organizational unit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit unit creation: %w", err)
	}
	unit.IsActive = true
	return nil
}

// DeactivateUnit soft-deactivates a unit. Units referenced by roles or
// assignments are never physically deleted.
func (s *Store) DeactivateUnit(ctx context.Context, tenantID, unitID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizational_units SET is_active = FALSE WHERE tenant_id = $1 AND id = $2`,
		tenantID, unitID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate unit %d: %w", unitID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: organizational unit %d", ErrNotFound, unitID)
	}
	return nil
}

// --- Role-permission bindings ---

// ListBindingsForRoles returns all bindings of the given roles joined with
// their catalog entries. Callers order role ids by ascending depth so later
// (descendant) bindings override earlier ones during the merge.
func (s *Store) ListBindingsForRoles(ctx context.Context, roleIDs []int64) ([]RolePermission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT rp.role_id, rp.permission_id, p.code, p.scope_level, rp.effect, rp.conditions,
		       rp.customized_by, rp.customized_at, rp.custom_reason
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1)
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(roleIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list role bindings: %w", err)
	}
	defer rows.Close()

	var bindings []RolePermission
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, *b)
	}
	return bindings, rows.Err()
}

// UpsertBinding replaces the (role, permission) binding, recording
// customization provenance. Re-customization replaces rather than
// duplicates.
func (s *Store) UpsertBinding(ctx context.Context, b *RolePermission) error {
	if !b.Effect.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEffect, b.Effect)
	}

	var conditionsJSON interface{}
	if b.Conditions != nil {
		data, err := json.Marshal(b.Conditions)
		if err != nil {
			return fmt.Errorf("failed to marshal conditions: %w", err)
		}
		conditionsJSON = data
	}

	query := `
		INSERT INTO role_permissions (role_id, permission_id, effect, conditions, customized_by, customized_at, custom_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (role_id, permission_id)
		DO UPDATE SET effect = EXCLUDED.effect,
		              conditions = EXCLUDED.conditions,
		              customized_by = EXCLUDED.customized_by,
		              customized_at = EXCLUDED.customized_at,
		              custom_reason = EXCLUDED.custom_reason
	`
	if _, err := s.db.ExecContext(ctx, query,
		b.RoleID, b.PermissionID, b.Effect, conditionsJSON,
		b.CustomizedBy, b.CustomizedAt, nullString(b.CustomReason),
	); err != nil {
		return fmt.Errorf("failed to upsert binding: %w", err)
	}
	return nil
}

// --- User-role assignments ---

// ActiveAssignments returns the user's assignments for the tenant that are
// active at now, optionally narrowed to one organizational unit.
func (s *Store) ActiveAssignments(ctx context.Context, userID int64, orgCtx OrgContext, now time.Time) ([]Assignment, error) {
	query := `
		SELECT id, user_id, role_id, tenant_id, organizational_unit_id,
		       effective_from, effective_until, is_active, granted_by, created_at
		FROM user_role_assignments
		WHERE user_id = $1
		  AND tenant_id = $2
		  AND is_active = TRUE
		  AND effective_from <= $3
		  AND (effective_until IS NULL OR effective_until >= $3)
	`
	args := []interface{}{userID, orgCtx.TenantID, now}
	if orgCtx.UnitID != nil {
		query += ` AND organizational_unit_id = $4`
		args = append(args, *orgCtx.UnitID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active assignments: %w", err)
	}
	defer rows.Close()

	var assignments []Assignment
	for rows.Next() {
		var a Assignment
		var effectiveUntil sql.NullTime
		var grantedBy sql.NullInt64
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.RoleID, &a.TenantID, &a.OrganizationalUnitID,
			&a.EffectiveFrom, &effectiveUntil, &a.IsActive, &grantedBy, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		if effectiveUntil.Valid {
			eu := effectiveUntil.Time
			a.EffectiveUntil = &eu
		}
		if grantedBy.Valid {
			gb := grantedBy.Int64
			a.GrantedBy = &gb
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// CreateAssignment binds a user to a role within a unit.
func (s *Store) CreateAssignment(ctx context.Context, a *Assignment) error {
	if a.EffectiveFrom.IsZero() {
		a.EffectiveFrom = time.Now()
	}
	query := `
		INSERT INTO user_role_assignments (user_id, role_id, tenant_id, organizational_unit_id,
		                                   effective_from, effective_until, is_active, granted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, NOW())
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		a.UserID, a.RoleID, a.TenantID, a.OrganizationalUnitID,
		a.EffectiveFrom, a.EffectiveUntil, a.GrantedBy,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	a.IsActive = true
	return nil
}

// DeactivateAssignment retires an assignment without deleting it.
func (s *Store) DeactivateAssignment(ctx context.Context, tenantID, assignmentID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_role_assignments SET is_active = FALSE WHERE tenant_id = $1 AND id = $2`,
		tenantID, assignmentID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate assignment %d: %w", assignmentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: assignment %d", ErrNotFound, assignmentID)
	}
	return nil
}

// --- Permission overrides ---

// ActiveOverrides returns the user's overrides for the tenant that are
// active at now, joined with their catalog entries.
func (s *Store) ActiveOverrides(ctx context.Context, userID, tenantID int64, now time.Time) ([]Override, error) {
	query := `
		SELECT o.id, o.user_id, o.tenant_id, o.permission_id, p.code, p.scope_level, o.effect,
		       o.justification, o.reason, o.approved_by, o.effective_from, o.effective_until,
		       o.review_at, o.reviewed_at, o.is_active, o.created_at
		FROM permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.user_id = $1
		  AND o.tenant_id = $2
		  AND o.is_active = TRUE
		  AND o.effective_from <= $3
		  AND (o.effective_until IS NULL OR o.effective_until >= $3)
		ORDER BY o.created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list active overrides: %w", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, *o)
	}
	return overrides, rows.Err()
}

// CreateOverride persists an approved exception.
func (s *Store) CreateOverride(ctx context.Context, o *Override) error {
	query := `
		INSERT INTO permission_overrides (id, user_id, tenant_id, permission_id, effect,
		                                  justification, reason, approved_by,
		                                  effective_from, effective_until, review_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE, NOW())
		RETURNING created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		o.ID, o.UserID, o.TenantID, o.PermissionID, o.Effect,
		o.Justification, o.Reason, o.ApprovedBy,
		o.EffectiveFrom, o.EffectiveUntil, o.ReviewAt,
	).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create override: %w", err)
	}
	o.IsActive = true
	return nil
}

// RevokeOverride deactivates an override ahead of its natural expiry.
func (s *Store) RevokeOverride(ctx context.Context, tenantID int64, overrideID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE permission_overrides SET is_active = FALSE WHERE tenant_id = $1 AND id = $2`,
		tenantID, overrideID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke override %s: %w", overrideID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: override %s", ErrNotFound, overrideID)
	}
	return nil
}

// ExpireLapsedOverrides deactivates overrides whose effective window has
// passed. Returns the affected tenants so their caches can be invalidated.
func (s *Store) ExpireLapsedOverrides(ctx context.Context, now time.Time) ([]int64, error) {
	query := `
		UPDATE permission_overrides
		SET is_active = FALSE
		WHERE is_active = TRUE AND effective_until IS NOT NULL AND effective_until < $1
		RETURNING tenant_id
	`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire lapsed overrides: %w", err)
	}
	defer rows.Close()

	seen := make(map[int64]bool)
	var tenants []int64
	for rows.Next() {
		var tenantID int64
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("failed to scan expired override: %w", err)
		}
		if !seen[tenantID] {
			seen[tenantID] = true
			tenants = append(tenants, tenantID)
		}
	}
	return tenants, rows.Err()
}

// OverridesDueForReview returns active overrides whose periodic review date
// has passed without a recorded review.
func (s *Store) OverridesDueForReview(ctx context.Context, now time.Time) ([]Override, error) {
	query := `
		SELECT o.id, o.user_id, o.tenant_id, o.permission_id, p.code, p.scope_level, o.effect,
		       o.justification, o.reason, o.approved_by, o.effective_from, o.effective_until,
		       o.review_at, o.reviewed_at, o.is_active, o.created_at
		FROM permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.is_active = TRUE
		  AND o.review_at <= $1
		  AND (o.reviewed_at IS NULL OR o.reviewed_at < o.review_at)
		ORDER BY o.review_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides due for review: %w", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, *o)
	}
	return overrides, rows.Err()
}

// MarkOverrideReviewed records a completed periodic review and schedules
// the next one.
func (s *Store) MarkOverrideReviewed(ctx context.Context, tenantID int64, overrideID string, reviewedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE permission_overrides
		SET reviewed_at = $3, review_at = $4
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, overrideID, reviewedAt, reviewedAt.Add(DefaultReviewHorizon))
	if err != nil {
		return fmt.Errorf("failed to mark override %s reviewed: %w", overrideID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: override %s", ErrNotFound, overrideID)
	}
	return nil
}

// CountActiveOverrides reports the number of currently active overrides.
func (s *Store) CountActiveOverrides(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM permission_overrides
		WHERE is_active = TRUE
		  AND effective_from <= $1
		  AND (effective_until IS NULL OR effective_until >= $1)
	`, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active overrides: %w", err)
	}
	return count, nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBinding(scanner rowScanner) (*RolePermission, error) {
	var b RolePermission
	var conditionsJSON []byte
	var customizedBy sql.NullInt64
	var customizedAt sql.NullTime
	var customReason sql.NullString

	if err := scanner.Scan(
		&b.RoleID, &b.PermissionID, &b.PermissionCode, &b.ScopeLevel, &b.Effect,
		&conditionsJSON, &customizedBy, &customizedAt, &customReason,
	); err != nil {
		return nil, fmt.Errorf("failed to scan binding: %w", err)
	}

	if len(conditionsJSON) > 0 {
		var c Conditions
		if err := json.Unmarshal(conditionsJSON, &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal binding conditions: %w", err)
		}
		b.Conditions = &c
	}
	if customizedBy.Valid {
		cb := customizedBy.Int64
		b.CustomizedBy = &cb
	}
	if customizedAt.Valid {
		ca := customizedAt.Time
		b.CustomizedAt = &ca
	}
	if customReason.Valid {
		b.CustomReason = customReason.String
	}
	return &b, nil
}

func scanOverride(scanner rowScanner) (*Override, error) {
	var o Override
	var approvedBy sql.NullInt64
	var effectiveUntil, reviewedAt sql.NullTime

	if err := scanner.Scan(
		&o.ID, &o.UserID, &o.TenantID, &o.PermissionID, &o.PermissionCode, &o.ScopeLevel, &o.Effect,
		&o.Justification, &o.Reason, &approvedBy, &o.EffectiveFrom, &effectiveUntil,
		&o.ReviewAt, &reviewedAt, &o.IsActive, &o.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan override: %w", err)
	}

	if approvedBy.Valid {
		ab := approvedBy.Int64
		o.ApprovedBy = &ab
	}
	if effectiveUntil.Valid {
		eu := effectiveUntil.Time
		o.EffectiveUntil = &eu
	}
	if reviewedAt.Valid {
		ra := reviewedAt.Time
		o.ReviewedAt = &ra
	}
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
