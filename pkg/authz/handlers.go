package authz

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dealerdesk/accesskit/pkg/hierarchy"
	"github.com/dealerdesk/accesskit/pkg/httputil"
	"github.com/dealerdesk/accesskit/pkg/observability"
)

// Handlers provides the HTTP surface for resolution and administration.
type Handlers struct {
	resolver *Resolver
	admin    *AdminService
	store    *Store
	units    *hierarchy.Store
	logger   *observability.Logger
}

// NewHandlers creates the authorization handlers.
func NewHandlers(resolver *Resolver, admin *AdminService, store *Store, units *hierarchy.Store, logger *observability.Logger) *Handlers {
	return &Handlers{
		resolver: resolver,
		admin:    admin,
		store:    store,
		units:    units,
		logger:   logger,
	}
}

// RegisterRoutes registers all authorization routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Resolution
	router.HandleFunc("/authz/resolve", h.ResolvePermissions).Methods("POST")
	router.HandleFunc("/authz/check", h.CheckPermission).Methods("POST")

	// Permission catalog
	router.HandleFunc("/authz/permissions", h.ListPermissions).Methods("GET")

	// Role management
	router.HandleFunc("/authz/roles", h.CreateRole).Methods("POST")
	router.HandleFunc("/authz/roles/{id}", h.GetRole).Methods("GET")
	router.HandleFunc("/authz/roles/{id}/customize", h.CustomizeRole).Methods("POST")
	router.HandleFunc("/authz/roles/{id}/move", h.MoveRole).Methods("POST")

	// Overrides
	router.HandleFunc("/authz/overrides", h.CreateOverride).Methods("POST")
	router.HandleFunc("/authz/overrides/{id}", h.RevokeOverride).Methods("DELETE")
	router.HandleFunc("/authz/overrides/{id}/review", h.ReviewOverride).Methods("POST")

	// Assignments
	router.HandleFunc("/authz/assignments", h.CreateAssignment).Methods("POST")
	router.HandleFunc("/authz/assignments/{id}", h.DeactivateAssignment).Methods("DELETE")

	// Organizational units
	router.HandleFunc("/authz/units", h.CreateUnit).Methods("POST")
	router.HandleFunc("/authz/units/{id}", h.GetUnit).Methods("GET")
	router.HandleFunc("/authz/units/{id}/move", h.MoveUnit).Methods("POST")
	router.HandleFunc("/authz/units/{id}", h.DeactivateUnit).Methods("DELETE")
}

// ResolvePermissions returns a user's full effective permission set.
func (h *Handlers) ResolvePermissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     int64  `json:"user_id"`
		TenantID   int64  `json:"tenant_id"`
		UnitID     *int64 `json:"unit_id,omitempty"`
		LocationID *int64 `json:"location_id,omitempty"`
		RegionID   *int64 `json:"region_id,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 || req.TenantID == 0 {
		httputil.WriteBadRequest(w, "user_id and tenant_id are required")
		return
	}

	orgCtx := OrgContext{
		TenantID:   req.TenantID,
		UnitID:     req.UnitID,
		LocationID: req.LocationID,
		RegionID:   req.RegionID,
	}
	perms, err := h.resolver.Resolve(r.Context(), req.UserID, orgCtx)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":     req.UserID,
		"tenant_id":   req.TenantID,
		"permissions": perms,
	})
}

// CheckPermission decides a single permission code for a user.
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID         int64   `json:"user_id"`
		TenantID       int64   `json:"tenant_id"`
		PermissionCode string  `json:"permission_code"`
		UnitID         *int64  `json:"unit_id,omitempty"`
		LocationID     *int64  `json:"location_id,omitempty"`
		RegionID       *int64  `json:"region_id,omitempty"`
		ResourceID     *string `json:"resource_id,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 || req.TenantID == 0 || req.PermissionCode == "" {
		httputil.WriteBadRequest(w, "user_id, tenant_id and permission_code are required")
		return
	}

	orgCtx := OrgContext{
		TenantID:   req.TenantID,
		UnitID:     req.UnitID,
		LocationID: req.LocationID,
		RegionID:   req.RegionID,
	}
	in := ConstraintInput{
		LocationID: req.LocationID,
		ResourceID: req.ResourceID,
	}

	decision, err := h.resolver.HasPermission(r.Context(), req.UserID, orgCtx, req.PermissionCode, in)
	if err != nil {
		// The decision already denies; still report the failure.
		h.logger.WithError(err).Warn("permission check resolution failed")
	}
	httputil.WriteSuccess(w, decision)
}

// ListPermissions returns the global permission catalog.
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.store.ListPermissions(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

// CreateRole creates a role under a parent in the tenant's role tree.
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID             int64  `json:"tenant_id"`
		OrganizationalUnitID int64  `json:"organizational_unit_id"`
		Name                 string `json:"name"`
		HierarchyLevel       int    `json:"hierarchy_level"`
		Tier                 Tier   `json:"tier"`
		Department           string `json:"department,omitempty"`
		ParentRoleID         *int64 `json:"parent_role_id,omitempty"`
		IsCustomizable       *bool  `json:"is_customizable,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.TenantID == 0 || req.Name == "" {
		httputil.WriteBadRequest(w, "tenant_id and name are required")
		return
	}

	role := &Role{
		TenantID:             req.TenantID,
		OrganizationalUnitID: req.OrganizationalUnitID,
		Name:                 req.Name,
		HierarchyLevel:       req.HierarchyLevel,
		Tier:                 req.Tier,
		Department:           req.Department,
		ParentRoleID:         req.ParentRoleID,
		IsCustomizable:       true,
	}
	if req.IsCustomizable != nil {
		role.IsCustomizable = *req.IsCustomizable
	}

	if err := h.admin.CreateRole(r.Context(), observability.GetPrincipalID(r.Context()), role); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// GetRole fetches one role.
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	tenantID, err := httputil.ParseQueryInt64(r, "tenant_id")
	if err != nil || tenantID == nil {
		httputil.WriteBadRequest(w, "tenant_id query parameter is required")
		return
	}

	role, err := h.store.GetRole(r.Context(), *tenantID, roleID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// CustomizeRole changes one binding on a customizable role.
func (h *Handlers) CustomizeRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req CustomizeRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.RoleID = roleID
	if req.TenantID == 0 || req.PermissionCode == "" {
		httputil.WriteBadRequest(w, "tenant_id and permission_code are required")
		return
	}

	binding, err := h.admin.CustomizeRole(r.Context(), observability.GetPrincipalID(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, binding)
}

// MoveRole reparents a role subtree.
func (h *Handlers) MoveRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		TenantID    int64 `json:"tenant_id"`
		NewParentID int64 `json:"new_parent_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.TenantID == 0 || req.NewParentID == 0 {
		httputil.WriteBadRequest(w, "tenant_id and new_parent_id are required")
		return
	}

	if err := h.admin.MoveRole(r.Context(), observability.GetPrincipalID(r.Context()), req.TenantID, roleID, req.NewParentID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreateOverride records an individually approved exception.
func (h *Handlers) CreateOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 || req.TenantID == 0 || req.PermissionCode == "" {
		httputil.WriteBadRequest(w, "user_id, tenant_id and permission_code are required")
		return
	}

	o, err := h.admin.CreateOverride(r.Context(), observability.GetPrincipalID(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, o)
}

// RevokeOverride deactivates an override early.
func (h *Handlers) RevokeOverride(w http.ResponseWriter, r *http.Request) {
	overrideID := mux.Vars(r)["id"]
	tenantID, err := httputil.ParseQueryInt64(r, "tenant_id")
	if err != nil || tenantID == nil {
		httputil.WriteBadRequest(w, "tenant_id query parameter is required")
		return
	}

	if err := h.admin.RevokeOverride(r.Context(), observability.GetPrincipalID(r.Context()), *tenantID, overrideID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ReviewOverride records a completed periodic review.
func (h *Handlers) ReviewOverride(w http.ResponseWriter, r *http.Request) {
	overrideID := mux.Vars(r)["id"]

	var req struct {
		TenantID int64 `json:"tenant_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.TenantID == 0 {
		httputil.WriteBadRequest(w, "tenant_id is required")
		return
	}

	if err := h.admin.MarkOverrideReviewed(r.Context(), observability.GetPrincipalID(r.Context()), req.TenantID, overrideID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreateAssignment binds a user to a role in a unit.
func (h *Handlers) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var a Assignment
	if !httputil.ParseJSONOrError(w, r, &a) {
		return
	}
	if a.UserID == 0 || a.RoleID == 0 || a.TenantID == 0 || a.OrganizationalUnitID == 0 {
		httputil.WriteBadRequest(w, "user_id, role_id, tenant_id and organizational_unit_id are required")
		return
	}

	if err := h.admin.CreateAssignment(r.Context(), observability.GetPrincipalID(r.Context()), &a); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, a)
}

// DeactivateAssignment retires an assignment.
func (h *Handlers) DeactivateAssignment(w http.ResponseWriter, r *http.Request) {
	assignmentID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	tenantID, err := httputil.ParseQueryInt64(r, "tenant_id")
	if err != nil || tenantID == nil {
		httputil.WriteBadRequest(w, "tenant_id query parameter is required")
		return
	}

	if err := h.admin.DeactivateAssignment(r.Context(), observability.GetPrincipalID(r.Context()), *tenantID, assignmentID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreateUnit inserts an organizational unit.
func (h *Handlers) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var unit OrganizationalUnit
	if !httputil.ParseJSONOrError(w, r, &unit) {
		return
	}
	if unit.TenantID == 0 || unit.Name == "" {
		httputil.WriteBadRequest(w, "tenant_id and name are required")
		return
	}

	if err := h.admin.CreateUnit(r.Context(), observability.GetPrincipalID(r.Context()), &unit); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, unit)
}

// GetUnit fetches one organizational unit.
func (h *Handlers) GetUnit(w http.ResponseWriter, r *http.Request) {
	unitID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	tenantID, err := httputil.ParseQueryInt64(r, "tenant_id")
	if err != nil || tenantID == nil {
		httputil.WriteBadRequest(w, "tenant_id query parameter is required")
		return
	}

	unit, err := h.store.GetUnit(r.Context(), *tenantID, unitID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, unit)
}

// MoveUnit reparents a unit subtree.
func (h *Handlers) MoveUnit(w http.ResponseWriter, r *http.Request) {
	unitID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		TenantID    int64 `json:"tenant_id"`
		NewParentID int64 `json:"new_parent_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.TenantID == 0 || req.NewParentID == 0 {
		httputil.WriteBadRequest(w, "tenant_id and new_parent_id are required")
		return
	}

	if err := h.admin.MoveUnit(r.Context(), observability.GetPrincipalID(r.Context()), req.TenantID, unitID, req.NewParentID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// DeactivateUnit soft-deactivates a unit.
func (h *Handlers) DeactivateUnit(w http.ResponseWriter, r *http.Request) {
	unitID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	tenantID, err := httputil.ParseQueryInt64(r, "tenant_id")
	if err != nil || tenantID == nil {
		httputil.WriteBadRequest(w, "tenant_id query parameter is required")
		return
	}

	if err := h.admin.DeactivateUnit(r.Context(), observability.GetPrincipalID(r.Context()), *tenantID, unitID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// writeServiceError maps domain errors to HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, hierarchy.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrNotCustomizable):
		httputil.WriteError(w, http.StatusForbidden, err)
	case errors.Is(err, ErrMissingJustification), errors.Is(err, ErrInvalidEffect):
		httputil.WriteError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrCacheUnavailable):
		httputil.WriteError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, hierarchy.ErrIntegrity):
		h.logger.WithError(err).Error("hierarchy integrity violation")
		httputil.WriteInternalError(w, err)
	default:
		h.logger.WithError(err).Error("authorization request failed")
		httputil.WriteInternalError(w, err)
	}
}
