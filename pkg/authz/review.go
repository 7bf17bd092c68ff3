package authz

import (
	"context"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dealerdesk/accesskit/pkg/audit"
	"github.com/dealerdesk/accesskit/pkg/observability"
)

// DefaultSweepSchedule runs the override sweep hourly at five past.
const DefaultSweepSchedule = "5 * * * *"

// ReviewSweeper periodically expires lapsed overrides and flags active ones
// whose review date has passed. Expiry is a real state change, so affected
// tenants get a cache invalidation; a review flag is only an audit entry.
type ReviewSweeper struct {
	store    *Store
	cache    *TieredCache
	auditLog audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
	cron     *cron.Cron
	clock    func() time.Time
}

// NewReviewSweeper creates the sweeper. Call Start to schedule it.
func NewReviewSweeper(store *Store, cache *TieredCache, auditLog audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *ReviewSweeper {
	if auditLog == nil {
		auditLog = audit.NewNoOpLogger()
	}
	return &ReviewSweeper{
		store:    store,
		cache:    cache,
		auditLog: auditLog,
		logger:   logger,
		metrics:  metrics,
		clock:    time.Now,
	}
}

// Start schedules the sweep on the given cron expression.
func (s *ReviewSweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		defer observability.RecoverPanic(s.logger, "override review sweep")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.logger.WithError(err).Error("override review sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *ReviewSweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass: expire lapsed overrides, invalidate affected
// tenants, flag overrides due for review, and refresh the active gauge.
func (s *ReviewSweeper) Sweep(ctx context.Context) error {
	now := s.clock()

	tenants, err := s.store.ExpireLapsedOverrides(ctx, now)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		s.metrics.OverrideReviewsTotal.WithLabelValues("expired").Inc()
		if err := s.cache.InvalidateTenant(ctx, tenantID); err != nil {
			s.logger.WithError(err).WithField("tenant_id", tenantID).
				Error("cache invalidation failed after override expiry")
		}
		if err := s.auditLog.LogMutation(ctx, audit.EventTypeOverrideExpire, nil, tenantID,
			audit.ResourceTypeOverride, strconv.FormatInt(tenantID, 10), nil,
			"expired lapsed overrides"); err != nil {
			s.logger.WithError(err).Warn("audit write failed")
		}
	}

	due, err := s.store.OverridesDueForReview(ctx, now)
	if err != nil {
		return err
	}
	for _, o := range due {
		s.metrics.OverrideReviewsTotal.WithLabelValues("due").Inc()
		s.logger.WithFields(map[string]interface{}{
			"override_id":     o.ID,
			"tenant_id":       o.TenantID,
			"user_id":         o.UserID,
			"permission_code": o.PermissionCode,
			"review_at":       o.ReviewAt,
		}).Warn("override past its review date")
		if err := s.auditLog.LogMutation(ctx, audit.EventTypeOverrideReviewDue, nil, o.TenantID,
			audit.ResourceTypeOverride, o.ID, nil,
			"override past its review date"); err != nil {
			s.logger.WithError(err).Warn("audit write failed")
		}
	}

	if count, err := s.store.CountActiveOverrides(ctx, now); err == nil {
		s.metrics.OverridesActive.Set(float64(count))
	}
	return nil
}
