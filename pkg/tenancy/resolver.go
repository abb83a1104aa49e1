package tenancy

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/shopkeep/pkg/auth"
	"github.com/platinummonkey/shopkeep/pkg/invalidation"
)

// Resolver is the single call every request path uses to reach tenant data
type Resolver struct {
	cache *ConnectionCache
}

// NewResolver creates a resolver backed by cache
func NewResolver(cache *ConnectionCache) *Resolver {
	return &Resolver{cache: cache}
}

// Resolve returns the handle for tenantID
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "tenancy.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	h, err := r.cache.Get(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, err
	}
	return h, nil
}

// ResolvePrincipal returns the handle for the principal's own tenant.
// The tenant id comes only from the verified principal, never from request input.
func (r *Resolver) ResolvePrincipal(ctx context.Context, p *auth.Principal) (*Handle, error) {
	if p == nil {
		return nil, ErrTenantNotFound
	}
	return r.Resolve(ctx, p.TenantID)
}

// Invalidate drops the cached handle so the next Resolve reloads credentials
func (r *Resolver) Invalidate(tenantID string) error {
	return r.cache.Evict(tenantID)
}

// HandleInvalidation evicts the tenant named by a tenant invalidation message
func (r *Resolver) HandleInvalidation(_ context.Context, msg invalidation.Message) error {
	return r.Invalidate(msg.TenantID)
}
