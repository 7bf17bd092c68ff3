package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dealerdesk/accesskit/pkg/hierarchy"
	"github.com/dealerdesk/accesskit/pkg/observability"
)

// Resolver computes effective permission sets. Resolution is pure and
// deterministic over the stored state: ancestor-chain role bindings merged
// root-first with DENY terminal, then overrides applied on top. Every error
// path fails closed.
type Resolver struct {
	store     *Store
	roles     *hierarchy.Store
	cache     *TieredCache
	evaluator *Evaluator
	logger    *observability.Logger
	metrics   *observability.Metrics

	// group collapses concurrent recomputations of the same cache key so a
	// cold key costs one database walk, not one per waiter.
	group singleflight.Group
	clock func() time.Time
}

// NewResolver creates the effective-permission resolver.
func NewResolver(store *Store, roles *hierarchy.Store, cache *TieredCache, evaluator *Evaluator, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		store:     store,
		roles:     roles,
		cache:     cache,
		evaluator: evaluator,
		logger:    logger,
		metrics:   metrics,
		clock:     time.Now,
	}
}

// Resolve returns the user's effective permission set in the given
// organizational context, serving from cache when possible.
func (r *Resolver) Resolve(ctx context.Context, userID int64, orgCtx OrgContext) (PermissionSet, error) {
	start := r.clock()
	tracer := otel.Tracer("accesskit/authz")
	ctx, span := tracer.Start(ctx, "resolver.Resolve", trace.WithAttributes(
		attribute.Int64("authz.user_id", userID),
		attribute.Int64("authz.tenant_id", orgCtx.TenantID),
	))
	defer span.End()

	key := CacheKey(userID, orgCtx)

	if entry, tier, ok := r.cache.Get(ctx, key, orgCtx.TenantID); ok {
		result := "cache_" + tier
		span.SetAttributes(attribute.String("authz.result", result))
		r.metrics.ResolutionsTotal.WithLabelValues(result).Inc()
		r.metrics.ResolutionDuration.WithLabelValues(result).Observe(r.clock().Sub(start).Seconds())
		return entry.Permissions.Clone(), nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		perms, err := r.compute(ctx, userID, orgCtx)
		if err != nil {
			return nil, err
		}
		entry := r.cache.NewEntry(key, orgCtx.TenantID, perms)
		// Set never fails hard; an unreachable L2 degrades to L1 only.
		_ = r.cache.Set(ctx, entry)
		return perms, nil
	})
	if err != nil {
		span.SetAttributes(attribute.String("authz.result", "error"))
		r.metrics.ResolutionsTotal.WithLabelValues("error").Inc()
		r.logger.WithError(err).
			WithFields(map[string]interface{}{"user_id": userID, "tenant_id": orgCtx.TenantID}).
			Error("permission resolution failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("authz.result", "computed"))
	r.metrics.ResolutionsTotal.WithLabelValues("computed").Inc()
	r.metrics.ResolutionDuration.WithLabelValues("computed").Observe(r.clock().Sub(start).Seconds())
	return v.(PermissionSet).Clone(), nil
}

// compute walks assignments, ancestor role chains, and overrides to build
// the permission set from scratch.
func (r *Resolver) compute(ctx context.Context, userID int64, orgCtx OrgContext) (PermissionSet, error) {
	now := r.clock()

	assignments, err := r.store.ActiveAssignments(ctx, userID, orgCtx, now)
	if err != nil {
		r.metrics.ResolverErrorsTotal.WithLabelValues("assignments").Inc()
		return nil, fmt.Errorf("resolving assignments for user %d: %w", userID, err)
	}

	// Collect every role on every assigned role's ancestor chain, root
	// first. Chains share ancestors near the root; dedupe keeps the first
	// (shallowest) occurrence, which preserves root-first merge order.
	var chain []int64
	seen := make(map[int64]bool)
	for _, a := range assignments {
		ancestors, err := r.roles.Ancestors(ctx, orgCtx.TenantID, a.RoleID)
		if err != nil {
			r.metrics.ResolverErrorsTotal.WithLabelValues("hierarchy").Inc()
			if errors.Is(err, hierarchy.ErrIntegrity) {
				r.metrics.HierarchyIntegrityErrors.WithLabelValues("roles").Inc()
			}
			return nil, fmt.Errorf("resolving ancestor chain of role %d: %w", a.RoleID, err)
		}
		for _, node := range ancestors {
			if !seen[node.ID] {
				seen[node.ID] = true
				chain = append(chain, node.ID)
			}
		}
	}

	perms := make(PermissionSet)

	if len(chain) > 0 {
		bindings, err := r.store.ListBindingsForRoles(ctx, chain)
		if err != nil {
			r.metrics.ResolverErrorsTotal.WithLabelValues("bindings").Inc()
			return nil, fmt.Errorf("resolving role bindings: %w", err)
		}

		// Merge in chain order: descendants override ancestors, except a
		// DENY anywhere on the chain is terminal for that code.
		byRole := make(map[int64][]RolePermission)
		for _, b := range bindings {
			byRole[b.RoleID] = append(byRole[b.RoleID], b)
		}
		for _, roleID := range chain {
			for _, b := range byRole[roleID] {
				if existing, ok := perms[b.PermissionCode]; ok && existing.Effect == EffectDeny {
					continue
				}
				perms[b.PermissionCode] = EffectivePermission{
					Code:       b.PermissionCode,
					Effect:     b.Effect,
					ScopeLevel: b.ScopeLevel,
					Source:     SourceRole,
					Conditions: b.Conditions,
				}
			}
		}
	}

	// Overrides are an independent channel: they replace the role-derived
	// entry in both directions and may introduce codes no role mentions.
	overrides, err := r.store.ActiveOverrides(ctx, userID, orgCtx.TenantID, now)
	if err != nil {
		r.metrics.ResolverErrorsTotal.WithLabelValues("overrides").Inc()
		return nil, fmt.Errorf("resolving overrides for user %d: %w", userID, err)
	}
	for _, o := range overrides {
		perms[o.PermissionCode] = EffectivePermission{
			Code:       o.PermissionCode,
			Effect:     o.Effect,
			ScopeLevel: o.ScopeLevel,
			Source:     SourceOverride,
		}
	}

	return perms, nil
}

// HasPermission decides whether the user holds the permission code in the
// given context. Absent codes and resolution failures both deny.
func (r *Resolver) HasPermission(ctx context.Context, userID int64, orgCtx OrgContext, code string, in ConstraintInput) (Decision, error) {
	now := r.clock()
	if in.Now.IsZero() {
		in.Now = now
	}
	if in.UserID == 0 {
		in.UserID = userID
	}

	perms, err := r.Resolve(ctx, userID, orgCtx)
	if err != nil {
		r.metrics.DecisionsTotal.WithLabelValues("deny", "error").Inc()
		return Decision{Allowed: false, Code: code, Reason: "resolution failed", CheckedAt: now}, err
	}

	ep, ok := perms[code]
	if !ok {
		r.metrics.DecisionsTotal.WithLabelValues("deny", "default").Inc()
		return Decision{Allowed: false, Code: code, Reason: "no grant", CheckedAt: now}, nil
	}
	if ep.Effect == EffectDeny {
		r.metrics.DecisionsTotal.WithLabelValues("deny", string(ep.Source)).Inc()
		return Decision{Allowed: false, Code: code, Source: ep.Source, Reason: "explicit deny", CheckedAt: now}, nil
	}

	if ep.Conditions != nil && !r.evaluator.Evaluate(ctx, ep.Conditions, in) {
		r.metrics.DecisionsTotal.WithLabelValues("deny", string(ep.Source)).Inc()
		return Decision{Allowed: false, Code: code, Source: ep.Source, Reason: "conditions not met", CheckedAt: now}, nil
	}

	r.metrics.DecisionsTotal.WithLabelValues("allow", string(ep.Source)).Inc()
	return Decision{Allowed: true, Code: code, Source: ep.Source, CheckedAt: now}, nil
}

// InvalidateTenant drops every cached set for the tenant. Exposed for
// administrative callers that mutate state outside AdminService.
func (r *Resolver) InvalidateTenant(ctx context.Context, tenantID int64) error {
	return r.cache.InvalidateTenant(ctx, tenantID)
}
