package authz

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dealerdesk/accesskit/pkg/audit"
	"github.com/dealerdesk/accesskit/pkg/hierarchy"
	"github.com/dealerdesk/accesskit/pkg/observability"
)

// AdminService performs authorization mutations: role creation and
// customization, overrides, assignments, and unit structure changes. Every
// mutation invalidates the tenant's cached permission sets after commit and
// appends to the audit trail.
type AdminService struct {
	store    *Store
	units    *hierarchy.Store
	roles    *hierarchy.Store
	cache    *TieredCache
	auditLog audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
	clock    func() time.Time
}

// NewAdminService creates the mutation service.
func NewAdminService(store *Store, units, roles *hierarchy.Store, cache *TieredCache, auditLog audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *AdminService {
	if auditLog == nil {
		auditLog = audit.NewNoOpLogger()
	}
	return &AdminService{
		store:    store,
		units:    units,
		roles:    roles,
		cache:    cache,
		auditLog: auditLog,
		logger:   logger,
		metrics:  metrics,
		clock:    time.Now,
	}
}

// CustomizeRoleRequest describes one binding change on a customizable role.
type CustomizeRoleRequest struct {
	TenantID       int64       `json:"tenant_id"`
	RoleID         int64       `json:"role_id"`
	PermissionCode string      `json:"permission_code"`
	Effect         Effect      `json:"effect"`
	Conditions     *Conditions `json:"conditions,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

// CustomizeRole replaces one (role, permission) binding, recording who
// changed it and why. System roles marked non-customizable reject the
// change; tenant descendants inherit it on their next resolution.
func (s *AdminService) CustomizeRole(ctx context.Context, actorID int64, req CustomizeRoleRequest) (*RolePermission, error) {
	if !req.Effect.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEffect, req.Effect)
	}

	role, err := s.store.GetRole(ctx, req.TenantID, req.RoleID)
	if err != nil {
		return nil, err
	}
	if !role.IsCustomizable {
		return nil, fmt.Errorf("%w: role %q", ErrNotCustomizable, role.Name)
	}

	perm, err := s.store.GetPermissionByCode(ctx, req.PermissionCode)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	binding := &RolePermission{
		RoleID:         role.ID,
		PermissionID:   perm.ID,
		PermissionCode: perm.Code,
		ScopeLevel:     perm.ScopeLevel,
		Effect:         req.Effect,
		Conditions:     req.Conditions,
		CustomizedBy:   &actorID,
		CustomizedAt:   &now,
		CustomReason:   req.Reason,
	}
	if err := s.store.UpsertBinding(ctx, binding); err != nil {
		return nil, err
	}

	if err := s.invalidate(ctx, req.TenantID); err != nil {
		return nil, err
	}

	s.recordMutation(ctx, audit.EventTypeRoleCustomize, actorID, req.TenantID,
		audit.ResourceTypeRole, strconv.FormatInt(role.ID, 10),
		&audit.ChangeDetails{After: map[string]interface{}{
			"permission_code": perm.Code,
			"effect":          string(req.Effect),
			"reason":          req.Reason,
		}},
		fmt.Sprintf("customized role %q binding for %s", role.Name, perm.Code))

	return binding, nil
}

// CreateRole inserts a role under its parent in the tenant's role tree.
func (s *AdminService) CreateRole(ctx context.Context, actorID int64, role *Role) error {
	if err := s.store.CreateRole(ctx, s.roles, role); err != nil {
		s.metrics.HierarchyMutationsTotal.WithLabelValues("roles", "insert", "error").Inc()
		return err
	}
	s.metrics.HierarchyMutationsTotal.WithLabelValues("roles", "insert", "ok").Inc()

	if err := s.invalidate(ctx, role.TenantID); err != nil {
		return err
	}
	s.recordMutation(ctx, audit.EventTypeRoleCreate, actorID, role.TenantID,
		audit.ResourceTypeRole, strconv.FormatInt(role.ID, 10), nil,
		fmt.Sprintf("created role %q at level %d", role.Name, role.HierarchyLevel))
	return nil
}

// MoveRole reparents a role subtree within the tenant's role tree.
func (s *AdminService) MoveRole(ctx context.Context, actorID, tenantID, roleID, newParentID int64) error {
	if err := s.roles.MoveSubtree(ctx, tenantID, roleID, newParentID); err != nil {
		s.metrics.HierarchyMutationsTotal.WithLabelValues("roles", "move", "error").Inc()
		return err
	}
	s.metrics.HierarchyMutationsTotal.WithLabelValues("roles", "move", "ok").Inc()

	if err := s.invalidate(ctx, tenantID); err != nil {
		return err
	}
	s.recordMutation(ctx, audit.EventTypeRoleMove, actorID, tenantID,
		audit.ResourceTypeRole, strconv.FormatInt(roleID, 10), nil,
		fmt.Sprintf("moved role %d under %d", roleID, newParentID))
	return nil
}

// OverrideRequest describes a new individually approved exception.
type OverrideRequest struct {
	UserID         int64      `json:"user_id"`
	TenantID       int64      `json:"tenant_id"`
	PermissionCode string     `json:"permission_code"`
	Effect         Effect     `json:"effect"`
	Justification  string     `json:"justification"`
	Reason         string     `json:"reason"`
	ApprovedBy     *int64     `json:"approved_by,omitempty"`
	EffectiveFrom  *time.Time `json:"effective_from,omitempty"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	ReviewAt       *time.Time `json:"review_at,omitempty"`
}

// CreateOverride records an exception for one user and permission.
// Justification and reason are mandatory; the review date defaults to the
// standard horizon when absent.
func (s *AdminService) CreateOverride(ctx context.Context, actorID int64, req OverrideRequest) (*Override, error) {
	if !req.Effect.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEffect, req.Effect)
	}
	if req.Justification == "" || req.Reason == "" {
		return nil, ErrMissingJustification
	}

	perm, err := s.store.GetPermissionByCode(ctx, req.PermissionCode)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	o := &Override{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		TenantID:       req.TenantID,
		PermissionID:   perm.ID,
		PermissionCode: perm.Code,
		ScopeLevel:     perm.ScopeLevel,
		Effect:         req.Effect,
		Justification:  req.Justification,
		Reason:         req.Reason,
		ApprovedBy:     req.ApprovedBy,
		EffectiveFrom:  now,
		EffectiveUntil: req.EffectiveUntil,
		ReviewAt:       now.Add(DefaultReviewHorizon),
	}
	if req.EffectiveFrom != nil {
		o.EffectiveFrom = *req.EffectiveFrom
	}
	if req.ReviewAt != nil {
		o.ReviewAt = *req.ReviewAt
	}

	if err := s.store.CreateOverride(ctx, o); err != nil {
		return nil, err
	}

	if err := s.invalidate(ctx, req.TenantID); err != nil {
		return nil, err
	}

	s.recordMutation(ctx, audit.EventTypeOverrideCreate, actorID, req.TenantID,
		audit.ResourceTypeOverride, o.ID,
		&audit.ChangeDetails{After: map[string]interface{}{
			"user_id":         o.UserID,
			"permission_code": o.PermissionCode,
			"effect":          string(o.Effect),
			"justification":   o.Justification,
		}},
		fmt.Sprintf("override %s on %s for user %d", o.Effect, o.PermissionCode, o.UserID))

	return o, nil
}

// RevokeOverride deactivates an override ahead of its natural expiry.
func (s *AdminService) RevokeOverride(ctx context.Context, actorID, tenantID int64, overrideID string) error {
	if err := s.store.RevokeOverride(ctx, tenantID, overrideID); err != nil {
		return err
	}
	if err := s.invalidate(ctx, tenantID); err != nil {
		return err
	}
	s.recordMutation(ctx, audit.EventTypeOverrideRevoke, actorID, tenantID,
		audit.ResourceTypeOverride, overrideID, nil, "override revoked")
	return nil
}

// MarkOverrideReviewed records a completed periodic review.
func (s *AdminService) MarkOverrideReviewed(ctx context.Context, actorID, tenantID int64, overrideID string) error {
	now := s.clock()
	if err := s.store.MarkOverrideReviewed(ctx, tenantID, overrideID, now); err != nil {
		return err
	}
	s.metrics.OverrideReviewsTotal.WithLabelValues("ok").Inc()
	s.recordMutation(ctx, audit.EventTypeOverrideReviewed, actorID, tenantID,
		audit.ResourceTypeOverride, overrideID, nil, "override review recorded")
	return nil
}

// CreateAssignment binds a user to a role within a unit.
func (s *AdminService) CreateAssignment(ctx context.Context, actorID int64, a *Assignment) error {
	if a.GrantedBy == nil {
		a.GrantedBy = &actorID
	}
	if err := s.store.CreateAssignment(ctx, a); err != nil {
		return err
	}
	if err := s.invalidate(ctx, a.TenantID); err != nil {
		return err
	}
	s.recordMutation(ctx, audit.EventTypeAssignmentCreate, actorID, a.TenantID,
		audit.ResourceTypeAssignment, strconv.FormatInt(a.ID, 10), nil,
		fmt.Sprintf("assigned role %d to user %d in unit %d", a.RoleID, a.UserID, a.OrganizationalUnitID))
	return nil
}

// DeactivateAssignment retires an assignment without deleting it.
func (s *AdminService) DeactivateAssignment(ctx context.Context, actorID, tenantID, assignmentID int64) error {
	if err := s.store.DeactivateAssignment(ctx, tenantID, assignmentID); err != nil {
		return err
	}
	if err := s.invalidate(ctx, tenantID); err != nil {
		return err
	}
	s.recordMutation(ctx, audit.EventTypeAssignmentDeactivate, actorID, tenantID,
		audit.ResourceTypeAssignment, strconv.FormatInt(assignmentID, 10), nil,
		"assignment deactivated")
	return nil
}

// CreateUnit inserts an organizational unit under its parent.
func (s *AdminService) CreateUnit(ctx context.Context, actorID int64, unit *OrganizationalUnit) error {
	if err := s.store.CreateUnit(ctx, s.units, unit); err != nil {
		s.metrics.HierarchyMutationsTotal.WithLabelValues("units", "insert", "error").Inc()
		return err
	}
	s.metrics.HierarchyMutationsTotal.WithLabelValues("units", "insert", "ok").Inc()

	if err := s.invalidate(ctx, unit.TenantID); err != nil {
		return err
	}
	s.recordMutation(ctx, audit.EventTypeUnitCreate, actorID, unit.TenantID,
		audit.ResourceTypeUnit, strconv.FormatInt(unit.ID, 10), nil,
		fmt.Sprintf("created unit %q (%s)", unit.Name, unit.Tier))
	return nil
}

// MoveUnit reparents a unit subtree within the tenant's unit tree.
func (s *AdminService) MoveUnit(ctx context.Context, actorID, tenantID, unitID, newParentID int64) error {
	if err := s.units.MoveSubtree(ctx, tenantID, unitID, newParentID); err != nil {
		s.metrics.HierarchyMutationsTotal.WithLabelValues("units", "move", "error").Inc()
		return err
	}
	s.metrics.HierarchyMutationsTotal.WithLabelValues("units", "move", "ok").Inc()

	if err := s.invalidate(ctx, tenantID); err != nil {
		return err
	}
	s.recordMutation(ctx, audit.EventTypeUnitMove, actorID, tenantID,
		audit.ResourceTypeUnit, strconv.FormatInt(unitID, 10), nil,
		fmt.Sprintf("moved unit %d under %d", unitID, newParentID))
	return nil
}

// DeactivateUnit soft-deactivates a unit.
func (s *AdminService) DeactivateUnit(ctx context.Context, actorID, tenantID, unitID int64) error {
	if err := s.store.DeactivateUnit(ctx, tenantID, unitID); err != nil {
		return err
	}
	if err := s.invalidate(ctx, tenantID); err != nil {
		return err
	}
	s.recordMutation(ctx, audit.EventTypeUnitDeactivate, actorID, tenantID,
		audit.ResourceTypeUnit, strconv.FormatInt(unitID, 10), nil, "unit deactivated")
	return nil
}

// invalidate drops the tenant's cached permission sets. The mutation is not
// complete until this succeeds: a stale ALLOW outliving a revocation is
// worse than the recompute cost.
func (s *AdminService) invalidate(ctx context.Context, tenantID int64) error {
	if err := s.cache.InvalidateTenant(ctx, tenantID); err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenantID).
			Error("tenant cache invalidation failed after mutation")
		s.recordMutation(ctx, audit.EventTypeCacheInvalidateFailed, 0, tenantID,
			audit.ResourceTypeCache, strconv.FormatInt(tenantID, 10), nil, err.Error())
		return err
	}
	return nil
}

// recordMutation appends to the audit trail. Audit write failures are logged
// but never fail the mutation that already committed.
func (s *AdminService) recordMutation(ctx context.Context, eventType audit.EventType, actorID, tenantID int64, resourceType audit.ResourceType, resourceID string, changes *audit.ChangeDetails, message string) {
	var actor *int64
	if actorID != 0 {
		actor = &actorID
	}
	if err := s.auditLog.LogMutation(ctx, eventType, actor, tenantID, resourceType, resourceID, changes, message); err != nil {
		s.logger.WithError(err).WithField("event_type", string(eventType)).
			Warn("audit write failed")
	}
}
