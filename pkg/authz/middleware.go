package authz

import (
	"net/http"

	"github.com/dealerdesk/accesskit/pkg/httputil"
	"github.com/dealerdesk/accesskit/pkg/observability"
)

// Middleware gates HTTP handlers on effective permissions. The principal
// and tenant are taken from the request context; requests without either
// are rejected before any resolution work.
type Middleware struct {
	resolver *Resolver
	logger   *observability.Logger
}

// NewMiddleware creates permission-checking middleware.
func NewMiddleware(resolver *Resolver, logger *observability.Logger) *Middleware {
	return &Middleware{resolver: resolver, logger: logger}
}

// RequirePermission wraps a handler so it only runs when the principal holds
// the permission code. Resolution failures deny with 403, not 500: a caller
// must never be granted access because the resolver broke.
func (m *Middleware) RequirePermission(code string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			userID := observability.GetPrincipalID(ctx)
			if userID == 0 {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			tenantID := observability.GetTenantID(ctx)
			if tenantID == 0 {
				httputil.WriteBadRequest(w, "tenant context required")
				return
			}

			decision, err := m.resolver.HasPermission(ctx, userID, OrgContext{TenantID: tenantID}, code, ConstraintInput{})
			if err != nil {
				m.logger.WithError(err).WithFields(map[string]interface{}{
					"user_id":         userID,
					"tenant_id":       tenantID,
					"permission_code": code,
				}).Error("permission check failed; denying")
				httputil.WriteForbidden(w, "permission check failed")
				return
			}
			if !decision.Allowed {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
