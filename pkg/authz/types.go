package authz

import (
	"time"
)

// Effect is the closed two-variant outcome of a permission binding.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Valid reports whether e is one of the two known effects.
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// Tier is the organizational tier of a unit or role.
type Tier string

const (
	TierPlatform Tier = "platform"
	TierCompany  Tier = "company"
	TierRegional Tier = "regional"
	TierLocation Tier = "location"
)

// ScopeLevel is the breadth at which a permission applies, independent of the
// role hierarchy level.
type ScopeLevel string

const (
	ScopeOwn      ScopeLevel = "own"
	ScopeTeam     ScopeLevel = "team"
	ScopeLocation ScopeLevel = "location"
	ScopeRegional ScopeLevel = "regional"
	ScopeCompany  ScopeLevel = "company"
	ScopePlatform ScopeLevel = "platform"
)

// RiskLevel classifies how sensitive a permission is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Source records which resolution channel produced an effective permission.
type Source string

const (
	SourceRole     Source = "role"
	SourceOverride Source = "override"
)

// Role hierarchy levels span 1 (individual contributor) to 8 (platform admin).
const (
	HierarchyLevelMin = 1
	HierarchyLevelMax = 8
)

// Permission is a catalog entry. The catalog is global (not tenant-scoped)
// and effectively read-only at resolution time.
type Permission struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	Code             string     `json:"code"`
	Module           string     `json:"module"`
	ResourceType     string     `json:"resource_type"`
	Action           string     `json:"action"`
	ScopeLevel       ScopeLevel `json:"scope_level"`
	RiskLevel        RiskLevel  `json:"risk_level"`
	RequiresApproval bool       `json:"requires_approval"`
	RequiresMFA      bool       `json:"requires_mfa"`
}

// Role is a node of a tenant's role tree. Coordinates live in the roles
// table and are managed by the hierarchy store; customization mutates the
// role's bindings, never its identity.
type Role struct {
	ID                   int64     `json:"id"`
	TenantID             int64     `json:"tenant_id"`
	OrganizationalUnitID int64     `json:"organizational_unit_id"`
	Name                 string    `json:"name"`
	HierarchyLevel       int       `json:"hierarchy_level"`
	Tier                 Tier      `json:"tier"`
	Department           string    `json:"department,omitempty"`
	ParentRoleID         *int64    `json:"parent_role_id,omitempty"`
	IsSystemRole         bool      `json:"is_system_role"`
	IsCustomizable       bool      `json:"is_customizable"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// RolePermission binds a role to a catalog permission with an effect,
// optional conditions, and customization provenance. Unique per
// (role, permission); re-customization replaces the row.
type RolePermission struct {
	RoleID         int64       `json:"role_id"`
	PermissionID   int64       `json:"permission_id"`
	PermissionCode string      `json:"permission_code"`
	ScopeLevel     ScopeLevel  `json:"scope_level"`
	Effect         Effect      `json:"effect"`
	Conditions     *Conditions `json:"conditions,omitempty"`
	CustomizedBy   *int64      `json:"customized_by,omitempty"`
	CustomizedAt   *time.Time  `json:"customized_at,omitempty"`
	CustomReason   string      `json:"custom_reason,omitempty"`
}

// Assignment is a time-bounded binding of a user to a role within an
// organizational unit. Deactivated rather than deleted to preserve the
// audit trail.
type Assignment struct {
	ID                   int64      `json:"id"`
	UserID               int64      `json:"user_id"`
	RoleID               int64      `json:"role_id"`
	TenantID             int64      `json:"tenant_id"`
	OrganizationalUnitID int64      `json:"organizational_unit_id"`
	EffectiveFrom        time.Time  `json:"effective_from"`
	EffectiveUntil       *time.Time `json:"effective_until,omitempty"`
	IsActive             bool       `json:"is_active"`
	GrantedBy            *int64     `json:"granted_by,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// ActiveAt reports whether the assignment contributes to resolution at t.
func (a Assignment) ActiveAt(t time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.EffectiveFrom.After(t) {
		return false
	}
	if a.EffectiveUntil != nil && a.EffectiveUntil.Before(t) {
		return false
	}
	return true
}

// Override is a time-bounded, individually approved exception. While active
// it supersedes every role-derived entry for its permission code, in both
// directions, and may grant a code no role hierarchy mentions.
type Override struct {
	ID             string     `json:"id"`
	UserID         int64      `json:"user_id"`
	TenantID       int64      `json:"tenant_id"`
	PermissionID   int64      `json:"permission_id"`
	PermissionCode string     `json:"permission_code"`
	ScopeLevel     ScopeLevel `json:"scope_level"`
	Effect         Effect     `json:"effect"`
	Justification  string     `json:"justification"`
	Reason         string     `json:"reason"`
	ApprovedBy     *int64     `json:"approved_by,omitempty"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	ReviewAt       time.Time  `json:"review_at"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ActiveAt reports whether the override applies at t. Overrides past their
// effectiveUntil are inactive without needing deletion.
func (o Override) ActiveAt(t time.Time) bool {
	if !o.IsActive {
		return false
	}
	if o.EffectiveFrom.After(t) {
		return false
	}
	if o.EffectiveUntil != nil && o.EffectiveUntil.Before(t) {
		return false
	}
	return true
}

// DefaultReviewHorizon is how far out a new override's periodic review is
// scheduled when the request does not set one.
const DefaultReviewHorizon = 90 * 24 * time.Hour

// EffectivePermission is one entry of a resolved permission set.
type EffectivePermission struct {
	Code       string      `json:"code"`
	Effect     Effect      `json:"effect"`
	ScopeLevel ScopeLevel  `json:"scope_level"`
	Source     Source      `json:"source"`
	Conditions *Conditions `json:"conditions,omitempty"`
}

// PermissionSet is a resolved permission set keyed by permission code.
// Absence of a code is the third state: default deny.
type PermissionSet map[string]EffectivePermission

// Clone returns a shallow copy so cached sets are never aliased by callers.
func (ps PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(ps))
	for k, v := range ps {
		out[k] = v
	}
	return out
}

// OrgContext is the organizational scope a principal is acting in. TenantID
// is mandatory; the narrower ids are optional and only sharpen the cache key
// and assignment filter.
type OrgContext struct {
	TenantID   int64  `json:"tenant_id"`
	UnitID     *int64 `json:"unit_id,omitempty"`
	LocationID *int64 `json:"location_id,omitempty"`
	RegionID   *int64 `json:"region_id,omitempty"`
}

// Decision is the outcome of a HasPermission check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Code      string    `json:"code"`
	Source    Source    `json:"source,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// OrganizationalUnit mirrors one node of the unit tree with its tier.
// Coordinates are owned by the hierarchy store.
type OrganizationalUnit struct {
	ID       int64  `json:"id"`
	TenantID int64  `json:"tenant_id"`
	ParentID *int64 `json:"parent_id,omitempty"`
	Name     string `json:"name"`
	Tier     Tier   `json:"tier"`
	IsActive bool   `json:"is_active"`
}
