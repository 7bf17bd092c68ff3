package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/accesskit/pkg/observability"
)

func newTestMiddleware(t *testing.T) (*Middleware, sqlmock.Sqlmock, func()) {
	t.Helper()
	resolver, mock, cleanup := newTestResolver(t)
	return NewMiddleware(resolver, resolver.logger), mock, cleanup
}

func protectedRequest(principalID, tenantID int64) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	ctx := req.Context()
	if principalID != 0 {
		ctx = observability.WithPrincipalID(ctx, principalID)
	}
	if tenantID != 0 {
		ctx = observability.WithTenantID(ctx, tenantID)
	}
	return req.WithContext(ctx)
}

func TestRequirePermission_RejectsAnonymous(t *testing.T) {
	mw, _, cleanup := newTestMiddleware(t)
	defer cleanup()

	handler := mw.RequirePermission("crm.leads.view")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run for anonymous requests")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, protectedRequest(0, 7))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequirePermission_RejectsMissingTenant(t *testing.T) {
	mw, _, cleanup := newTestMiddleware(t)
	defer cleanup()

	handler := mw.RequirePermission("crm.leads.view")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run without tenant context")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, protectedRequest(42, 0))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequirePermission_AllowsGrantedPrincipal(t *testing.T) {
	mw, mock, cleanup := newTestMiddleware(t)
	defer cleanup()

	expectAssignment(mock, 42, 3)
	expectAncestorChain(mock)
	mock.ExpectQuery("SELECT (.+) FROM role_permissions rp").
		WillReturnRows(sqlmock.NewRows(bindingColumns()).
			AddRow(1, 101, "crm.leads.view", "team", "ALLOW", nil, nil, nil, nil))
	mock.ExpectQuery("SELECT (.+) FROM permission_overrides o").
		WillReturnRows(sqlmock.NewRows(overrideColumns()))

	var ran bool
	handler := mw.RequirePermission("crm.leads.view")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ran = true
			w.WriteHeader(http.StatusOK)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, protectedRequest(42, 7))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ran)
}

func TestRequirePermission_DeniesWithoutGrant(t *testing.T) {
	mw, mock, cleanup := newTestMiddleware(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM user_role_assignments").
		WillReturnRows(sqlmock.NewRows(assignmentColumns()))
	mock.ExpectQuery("SELECT (.+) FROM permission_overrides o").
		WillReturnRows(sqlmock.NewRows(overrideColumns()))

	handler := mw.RequirePermission("crm.leads.view")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run without a grant")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, protectedRequest(42, 7))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequirePermission_ResolutionFailureDeniesWith403(t *testing.T) {
	mw, mock, cleanup := newTestMiddleware(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM user_role_assignments").
		WillReturnError(assert.AnError)

	handler := mw.RequirePermission("crm.leads.view")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run when resolution fails")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, protectedRequest(42, 7))
	assert.Equal(t, http.StatusForbidden, rec.Code,
		"a broken resolver denies, it never errors open")
}
