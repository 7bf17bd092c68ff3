package authz

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/accesskit/pkg/audit"
	"github.com/dealerdesk/accesskit/pkg/hierarchy"
	"github.com/dealerdesk/accesskit/pkg/observability"
)

// recordingAuditLogger captures mutation events for assertions.
type recordingAuditLogger struct {
	audit.Logger
	events []audit.EventType
}

func newRecordingAuditLogger() *recordingAuditLogger {
	return &recordingAuditLogger{Logger: audit.NewNoOpLogger()}
}

func (l *recordingAuditLogger) LogMutation(ctx context.Context, eventType audit.EventType, actorID *int64, tenantID int64, resourceType audit.ResourceType, resourceID string, changes *audit.ChangeDetails, message string) error {
	l.events = append(l.events, eventType)
	return nil
}

func newTestAdminService(t *testing.T, l2 Cache) (*AdminService, sqlmock.Sqlmock, *recordingAuditLogger, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	units, err := hierarchy.NewStore(db, hierarchy.TreeOrganizationalUnits)
	require.NoError(t, err)
	roles, err := hierarchy.NewStore(db, hierarchy.TreeRoles)
	require.NoError(t, err)
	cache := NewTieredCache(100, 30*time.Minute, l2, logger, metrics)
	auditLog := newRecordingAuditLogger()

	svc := NewAdminService(NewStore(db), units, roles, cache, auditLog, logger, metrics)
	return svc, mock, auditLog, func() { db.Close() }
}

func customizableRoleRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "organizational_unit_id", "name", "hierarchy_level", "tier",
		"department", "parent_id", "is_system_role", "is_customizable", "created_at", "updated_at",
	}).AddRow(3, 7, 100, "Sales Manager", 5, "location", "sales", int64(2), true, true, now, now)
}

func permissionRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "code", "module", "resource_type", "action",
		"scope_level", "risk_level", "requires_approval", "requires_mfa",
	}).AddRow(101, "View Leads", "crm.leads.view", "crm", "lead", "view", "team", "low", false, false)
}

func TestCustomizeRole_RejectsInvalidEffect(t *testing.T) {
	svc, _, _, cleanup := newTestAdminService(t, nil)
	defer cleanup()

	_, err := svc.CustomizeRole(context.Background(), 9, CustomizeRoleRequest{
		TenantID: 7, RoleID: 3, PermissionCode: "crm.leads.view", Effect: Effect("maybe"),
	})
	assert.ErrorIs(t, err, ErrInvalidEffect)
}

func TestCustomizeRole_RejectsNonCustomizableRole(t *testing.T) {
	svc, mock, auditLog, cleanup := newTestAdminService(t, nil)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM roles").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "organizational_unit_id", "name", "hierarchy_level", "tier",
			"department", "parent_id", "is_system_role", "is_customizable", "created_at", "updated_at",
		}).AddRow(1, 7, 100, "Platform Admin", 1, "platform", nil, nil, true, false, now, now))

	_, err := svc.CustomizeRole(context.Background(), 9, CustomizeRoleRequest{
		TenantID: 7, RoleID: 1, PermissionCode: "crm.leads.view", Effect: EffectDeny,
	})
	assert.ErrorIs(t, err, ErrNotCustomizable)
	assert.Empty(t, auditLog.events, "a rejected customization leaves no mutation event")
}

func TestCustomizeRole_UpsertsAndRecordsProvenance(t *testing.T) {
	svc, mock, auditLog, cleanup := newTestAdminService(t, nil)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM roles").WillReturnRows(customizableRoleRow())
	mock.ExpectQuery("SELECT (.+) FROM permissions").WillReturnRows(permissionRow())
	mock.ExpectExec("INSERT INTO role_permissions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	binding, err := svc.CustomizeRole(context.Background(), 9, CustomizeRoleRequest{
		TenantID:       7,
		RoleID:         3,
		PermissionCode: "crm.leads.view",
		Effect:         EffectDeny,
		Reason:         "contractors lose lead visibility",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), binding.RoleID)
	assert.Equal(t, int64(101), binding.PermissionID)
	assert.Equal(t, EffectDeny, binding.Effect)
	require.NotNil(t, binding.CustomizedBy)
	assert.Equal(t, int64(9), *binding.CustomizedBy)
	assert.Equal(t, []audit.EventType{audit.EventTypeRoleCustomize}, auditLog.events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomizeRole_FailsWhenInvalidationFails(t *testing.T) {
	l2 := &fakeL2{entries: map[string]*CacheEntry{}, failInvalidate: true}
	svc, mock, _, cleanup := newTestAdminService(t, l2)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM roles").WillReturnRows(customizableRoleRow())
	mock.ExpectQuery("SELECT (.+) FROM permissions").WillReturnRows(permissionRow())
	mock.ExpectExec("INSERT INTO role_permissions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := svc.CustomizeRole(context.Background(), 9, CustomizeRoleRequest{
		TenantID: 7, RoleID: 3, PermissionCode: "crm.leads.view", Effect: EffectDeny,
	})
	assert.ErrorIs(t, err, ErrCacheUnavailable,
		"a mutation whose invalidation failed must not report success")
}

func TestCreateOverride_RequiresJustificationAndReason(t *testing.T) {
	svc, _, _, cleanup := newTestAdminService(t, nil)
	defer cleanup()

	_, err := svc.CreateOverride(context.Background(), 9, OverrideRequest{
		UserID: 42, TenantID: 7, PermissionCode: "crm.leads.view", Effect: EffectAllow,
		Reason: "temporary_duty",
	})
	assert.ErrorIs(t, err, ErrMissingJustification)

	_, err = svc.CreateOverride(context.Background(), 9, OverrideRequest{
		UserID: 42, TenantID: 7, PermissionCode: "crm.leads.view", Effect: EffectAllow,
		Justification: "covering the front desk",
	})
	assert.ErrorIs(t, err, ErrMissingJustification)
}

func TestCreateOverride_DefaultsWindowAndReview(t *testing.T) {
	svc, mock, auditLog, cleanup := newTestAdminService(t, nil)
	defer cleanup()

	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return fixed }

	mock.ExpectQuery("SELECT (.+) FROM permissions").WillReturnRows(permissionRow())
	mock.ExpectQuery("INSERT INTO permission_overrides").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(fixed))

	o, err := svc.CreateOverride(context.Background(), 9, OverrideRequest{
		UserID:         42,
		TenantID:       7,
		PermissionCode: "crm.leads.view",
		Effect:         EffectAllow,
		Justification:  "covering the front desk",
		Reason:         "temporary_duty",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, fixed, o.EffectiveFrom)
	assert.Equal(t, fixed.Add(DefaultReviewHorizon), o.ReviewAt)
	assert.True(t, o.IsActive)
	assert.Equal(t, []audit.EventType{audit.EventTypeOverrideCreate}, auditLog.events)
}

func TestCreateOverride_HonorsExplicitReviewDate(t *testing.T) {
	svc, mock, _, cleanup := newTestAdminService(t, nil)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM permissions").WillReturnRows(permissionRow())
	mock.ExpectQuery("INSERT INTO permission_overrides").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	reviewAt := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	o, err := svc.CreateOverride(context.Background(), 9, OverrideRequest{
		UserID:         42,
		TenantID:       7,
		PermissionCode: "crm.leads.view",
		Effect:         EffectDeny,
		Justification:  "incident 4411",
		Reason:         "security_incident",
		ReviewAt:       &reviewAt,
	})
	require.NoError(t, err)
	assert.Equal(t, reviewAt, o.ReviewAt)
}

func TestCreateAssignment_DefaultsGrantedByToActor(t *testing.T) {
	svc, mock, auditLog, cleanup := newTestAdminService(t, nil)
	defer cleanup()

	mock.ExpectQuery("INSERT INTO user_role_assignments").
		WithArgs(int64(42), int64(3), int64(7), int64(100),
			sqlmock.AnyArg(), nil, int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(55, time.Now()))

	a := &Assignment{UserID: 42, RoleID: 3, TenantID: 7, OrganizationalUnitID: 100}
	require.NoError(t, svc.CreateAssignment(context.Background(), 9, a))

	assert.Equal(t, int64(55), a.ID)
	require.NotNil(t, a.GrantedBy)
	assert.Equal(t, int64(9), *a.GrantedBy)
	assert.Equal(t, []audit.EventType{audit.EventTypeAssignmentCreate}, auditLog.events)
}

func TestMarkOverrideReviewed_RecordsAudit(t *testing.T) {
	svc, mock, auditLog, cleanup := newTestAdminService(t, nil)
	defer cleanup()

	mock.ExpectExec("UPDATE permission_overrides").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.MarkOverrideReviewed(context.Background(), 9, 7, "ov-1"))
	assert.Equal(t, []audit.EventType{audit.EventTypeOverrideReviewed}, auditLog.events)
}

func TestDeactivateAssignment_NotFoundLeavesNoAudit(t *testing.T) {
	svc, mock, auditLog, cleanup := newTestAdminService(t, nil)
	defer cleanup()

	mock.ExpectExec("UPDATE user_role_assignments SET is_active = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.DeactivateAssignment(context.Background(), 9, 7, 55)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, auditLog.events)
}
