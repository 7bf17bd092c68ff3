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
	"github.com/dealerdesk/accesskit/pkg/observability"
)

func newTestSweeper(t *testing.T) (*ReviewSweeper, sqlmock.Sqlmock, *recordingAuditLogger, *fakeL2, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	l2 := newFakeL2()
	cache := NewTieredCache(100, 30*time.Minute, l2, logger, metrics)
	auditLog := newRecordingAuditLogger()

	sweeper := NewReviewSweeper(NewStore(db), cache, auditLog, logger, metrics)
	return sweeper, mock, auditLog, l2, func() { db.Close() }
}

func TestSweep_ExpiresAndInvalidatesAffectedTenants(t *testing.T) {
	sweeper, mock, auditLog, l2, cleanup := newTestSweeper(t)
	defer cleanup()

	mock.ExpectQuery("UPDATE permission_overrides").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(7).AddRow(8))
	mock.ExpectQuery("SELECT (.+) FROM permission_overrides o").
		WillReturnRows(sqlmock.NewRows(overrideColumns()))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	require.NoError(t, sweeper.Sweep(context.Background()))

	assert.Equal(t, []int64{7, 8}, l2.invalidations)
	assert.Equal(t, []audit.EventType{
		audit.EventTypeOverrideExpire,
		audit.EventTypeOverrideExpire,
	}, auditLog.events)
}

func TestSweep_FlagsOverridesDueForReview(t *testing.T) {
	sweeper, mock, auditLog, l2, cleanup := newTestSweeper(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("UPDATE permission_overrides").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))
	mock.ExpectQuery("SELECT (.+) FROM permission_overrides o").
		WillReturnRows(sqlmock.NewRows(overrideColumns()).
			AddRow("ov-1", 42, 7, 101, "crm.leads.view", "team", "ALLOW",
				"covering the front desk", "temporary_duty", nil,
				now.Add(-120*24*time.Hour), nil, now.Add(-time.Hour), nil, true,
				now.Add(-120*24*time.Hour)))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	require.NoError(t, sweeper.Sweep(context.Background()))

	// Flagging is observational: no invalidation, only an audit entry.
	assert.Empty(t, l2.invalidations)
	assert.Equal(t, []audit.EventType{audit.EventTypeOverrideReviewDue}, auditLog.events)
}

func TestSweep_PropagatesStoreError(t *testing.T) {
	sweeper, mock, _, _, cleanup := newTestSweeper(t)
	defer cleanup()

	mock.ExpectQuery("UPDATE permission_overrides").
		WillReturnError(assert.AnError)

	assert.Error(t, sweeper.Sweep(context.Background()))
}

func TestSweep_InvalidationFailureDoesNotAbortSweep(t *testing.T) {
	sweeper, mock, auditLog, l2, cleanup := newTestSweeper(t)
	defer cleanup()

	l2.failInvalidate = true

	mock.ExpectQuery("UPDATE permission_overrides").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(7))
	mock.ExpectQuery("SELECT (.+) FROM permission_overrides o").
		WillReturnRows(sqlmock.NewRows(overrideColumns()))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	require.NoError(t, sweeper.Sweep(context.Background()))
	assert.Equal(t, []audit.EventType{audit.EventTypeOverrideExpire}, auditLog.events)
}

func TestSweeper_StartRejectsBadSchedule(t *testing.T) {
	sweeper, _, _, _, cleanup := newTestSweeper(t)
	defer cleanup()

	err := sweeper.Start("not a cron expression")
	assert.Error(t, err)
}

func TestSweeper_StartAndStop(t *testing.T) {
	sweeper, _, _, _, cleanup := newTestSweeper(t)
	defer cleanup()

	require.NoError(t, sweeper.Start(""))
	sweeper.Stop()
}
