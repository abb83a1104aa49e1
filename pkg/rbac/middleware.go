package rbac

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/shopkeep/pkg/auth"
	"github.com/platinummonkey/shopkeep/pkg/httputil"
	"github.com/platinummonkey/shopkeep/pkg/observability"
	"github.com/platinummonkey/shopkeep/pkg/tenancy"
)

// TenantHandler serves a request that has passed authorization. The tenant
// handle is passed explicitly and never read from the request context.
type TenantHandler func(w http.ResponseWriter, r *http.Request, h *tenancy.Handle)

// Enforcer wraps handlers with tenant resolution and authorization
type Enforcer struct {
	tenants *tenancy.Resolver
	guard   *Guard
	logger  *observability.Logger
}

// NewEnforcer creates an enforcer
func NewEnforcer(tenants *tenancy.Resolver, guard *Guard, logger *observability.Logger) *Enforcer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Enforcer{tenants: tenants, guard: guard, logger: logger}
}

// RequirePermission resolves the caller's tenant, authorizes resource/action
// and calls next with the tenant handle. The store comes from the {storeID}
// route variable or the store_id query parameter, the instance from {instanceID}.
// Every denial looks the same to the caller.
func (e *Enforcer) RequirePermission(resource Resource, action Action, next TenantHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := auth.PrincipalFromContext(r.Context())
		if principal == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		h, err := e.tenants.ResolvePrincipal(r.Context(), principal)
		if err != nil {
			e.writeResolveError(w, r, principal, err)
			return
		}

		req := Request{
			UserID:     principal.UserID,
			StoreID:    storeFromRequest(r),
			Resource:   resource,
			Action:     action,
			InstanceID: optional(mux.Vars(r)["instanceID"]),
		}
		if d := e.guard.Authorize(r.Context(), h, req); !d.Allowed {
			httputil.WriteAccessDenied(w)
			return
		}

		next(w, r, h)
	})
}

func (e *Enforcer) writeResolveError(w http.ResponseWriter, r *http.Request, p *auth.Principal, err error) {
	log := observability.FromContext(r.Context()).WithField("tenant_id", p.TenantID).WithError(err)
	switch {
	case errors.Is(err, context.Canceled):
		// Caller went away; nothing to write
	case errors.Is(err, tenancy.ErrTenantNotFound):
		log.Warn("Request for unknown or inactive tenant")
		httputil.WriteAccessDenied(w)
	default:
		log.Error("Tenant store unavailable")
		httputil.WriteUnavailable(w)
	}
}

func storeFromRequest(r *http.Request) *string {
	if id := mux.Vars(r)["storeID"]; id != "" {
		return &id
	}
	return optional(r.URL.Query().Get("store_id"))
}
