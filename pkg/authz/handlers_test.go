package authz

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/accesskit/pkg/hierarchy"
	"github.com/dealerdesk/accesskit/pkg/observability"
)

func newTestHandlers(t *testing.T) (*mux.Router, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	units, err := hierarchy.NewStore(db, hierarchy.TreeOrganizationalUnits)
	require.NoError(t, err)
	roles, err := hierarchy.NewStore(db, hierarchy.TreeRoles)
	require.NoError(t, err)
	cache := NewTieredCache(100, 30*time.Minute, nil, logger, metrics)
	store := NewStore(db)

	resolver := NewResolver(store, roles, cache, NewEvaluator(nil), logger, metrics)
	admin := NewAdminService(store, units, roles, cache, nil, logger, metrics)
	handlers := NewHandlers(resolver, admin, store, units, logger)

	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	return router, mock, func() { db.Close() }
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestResolvePermissions_RequiresUserAndTenant(t *testing.T) {
	router, _, cleanup := newTestHandlers(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/authz/resolve",
		map[string]interface{}{"user_id": 42})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolvePermissions_ReturnsSet(t *testing.T) {
	router, mock, cleanup := newTestHandlers(t)
	defer cleanup()

	expectAssignment(mock, 42, 3)
	expectAncestorChain(mock)
	mock.ExpectQuery("SELECT (.+) FROM role_permissions rp").
		WillReturnRows(sqlmock.NewRows(bindingColumns()).
			AddRow(1, 101, "crm.leads.view", "team", "ALLOW", nil, nil, nil, nil))
	mock.ExpectQuery("SELECT (.+) FROM permission_overrides o").
		WillReturnRows(sqlmock.NewRows(overrideColumns()))

	rec := doJSON(t, router, http.MethodPost, "/authz/resolve",
		map[string]interface{}{"user_id": 42, "tenant_id": 7})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Permissions map[string]EffectivePermission `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Permissions, "crm.leads.view")
}

func TestCheckPermission_DeniesOnBackendFailure(t *testing.T) {
	router, mock, cleanup := newTestHandlers(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM user_role_assignments").
		WillReturnError(assert.AnError)

	// The check endpoint reports the deny decision, not a 5xx: callers gate
	// on the decision and a failure must read as denied.
	rec := doJSON(t, router, http.MethodPost, "/authz/check", map[string]interface{}{
		"user_id": 42, "tenant_id": 7, "permission_code": "crm.leads.view",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var decision Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.False(t, decision.Allowed)
}

func TestCheckPermission_RequiresCode(t *testing.T) {
	router, _, cleanup := newTestHandlers(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/authz/check",
		map[string]interface{}{"user_id": 42, "tenant_id": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRole_NotFoundMapsTo404(t *testing.T) {
	router, mock, cleanup := newTestHandlers(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM roles").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet, "/authz/roles/99?tenant_id=7", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRole_RequiresTenantQueryParam(t *testing.T) {
	router, _, cleanup := newTestHandlers(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/authz/roles/99", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCustomizeRole_NotCustomizableMapsTo403(t *testing.T) {
	router, mock, cleanup := newTestHandlers(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM roles").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "organizational_unit_id", "name", "hierarchy_level", "tier",
			"department", "parent_id", "is_system_role", "is_customizable", "created_at", "updated_at",
		}).AddRow(1, 7, 100, "Platform Admin", 1, "platform", nil, nil, true, false, now, now))

	rec := doJSON(t, router, http.MethodPost, "/authz/roles/1/customize", map[string]interface{}{
		"tenant_id": 7, "permission_code": "crm.leads.view", "effect": "DENY",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateOverride_MissingJustificationMapsTo400(t *testing.T) {
	router, _, cleanup := newTestHandlers(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/authz/overrides", map[string]interface{}{
		"user_id": 42, "tenant_id": 7, "permission_code": "crm.leads.view",
		"effect": "ALLOW", "reason": "temporary_duty",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOverride_InvalidEffectMapsTo400(t *testing.T) {
	router, _, cleanup := newTestHandlers(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/authz/overrides", map[string]interface{}{
		"user_id": 42, "tenant_id": 7, "permission_code": "crm.leads.view",
		"effect": "SOMETIMES", "justification": "x", "reason": "y",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeOverride_NotFoundMapsTo404(t *testing.T) {
	router, mock, cleanup := newTestHandlers(t)
	defer cleanup()

	mock.ExpectExec("UPDATE permission_overrides SET is_active = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodDelete, "/authz/overrides/ov-missing?tenant_id=7", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAssignment_ValidatesRequiredFields(t *testing.T) {
	router, _, cleanup := newTestHandlers(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/authz/assignments",
		map[string]interface{}{"user_id": 42, "role_id": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMoveUnit_ValidatesBody(t *testing.T) {
	router, _, cleanup := newTestHandlers(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/authz/units/5/move",
		map[string]interface{}{"tenant_id": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeactivateUnit_NotFoundMapsTo404(t *testing.T) {
	router, mock, cleanup := newTestHandlers(t)
	defer cleanup()

	mock.ExpectExec("UPDATE organizational_units SET is_active = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodDelete, "/authz/units/5?tenant_id=7", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
