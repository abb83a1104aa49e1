package rbac

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/shopkeep/pkg/audit"
	"github.com/platinummonkey/shopkeep/pkg/observability"
	"github.com/platinummonkey/shopkeep/pkg/tenancy"
)

// Guard decides requests against a tenant's effective permissions
type Guard struct {
	resolver *Resolver
	cache    *EffectiveCache
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// GuardOption configures a Guard
type GuardOption func(*Guard)

// WithGuardLogger sets the guard logger
func WithGuardLogger(logger *observability.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithGuardMetrics enables Prometheus instrumentation
func WithGuardMetrics(m *observability.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// WithEffectiveCache caches resolved sets between checks
func WithEffectiveCache(c *EffectiveCache) GuardOption {
	return func(g *Guard) { g.cache = c }
}

// NewGuard creates a guard. A nil audit logger discards audit records.
func NewGuard(resolver *Resolver, auditLogger audit.Logger, opts ...GuardOption) *Guard {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	g := &Guard{
		resolver: resolver,
		audit:    auditLogger,
		logger:   observability.NopLogger(),
		now:      resolver.now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Cache returns the effective-permission cache, which may be disabled
func (g *Guard) Cache() *EffectiveCache {
	return g.cache
}

// Effective returns the user's unfiltered effective set in the handle's tenant
func (g *Guard) Effective(ctx context.Context, h *tenancy.Handle, userID string) (PermissionSet, error) {
	if set, ok := g.cache.Get(h.TenantID, userID, g.now()); ok {
		if g.metrics != nil {
			g.metrics.PermissionCacheHitsTotal.Inc()
		}
		return set, nil
	}
	if g.cache.Enabled() && g.metrics != nil {
		g.metrics.PermissionCacheMissesTotal.Inc()
	}

	epoch := g.cache.Epoch()
	set, err := g.resolver.resolveAll(ctx, NewStore(h.DB), userID)
	if err != nil {
		return PermissionSet{}, err
	}
	g.cache.Put(h.TenantID, userID, set, epoch)
	return set, nil
}

// Authorize answers req against the handle's tenant. Any failure to resolve
// denies; the cause goes to the log and the audit trail only.
func (g *Guard) Authorize(ctx context.Context, h *tenancy.Handle, req Request) Decision {
	ctx, span := tracer.Start(ctx, "rbac.Authorize")
	defer span.End()

	tenantID := ""
	if h != nil {
		tenantID = h.TenantID
	}
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("user.id", req.UserID),
		attribute.String("authz.resource", string(req.Resource)),
		attribute.String("authz.action", string(req.Action)),
	)

	d := g.decide(ctx, h, req)
	if d.Err != nil {
		span.RecordError(d.Err)
		span.SetStatus(codes.Error, "authorization failed closed")
		g.logger.WithError(d.Err).WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"user_id":   req.UserID,
			"resource":  req.Resource,
			"action":    req.Action,
		}).Error("Authorization resolver failed, denying")
	}
	span.SetAttributes(attribute.String("authz.outcome", string(d.Outcome)))

	g.record(ctx, tenantID, req, d)
	return d
}

// Check is Authorize for business code: nil when allowed, ErrAccessDenied otherwise
func (g *Guard) Check(ctx context.Context, h *tenancy.Handle, req Request) error {
	if d := g.Authorize(ctx, h, req); !d.Allowed {
		return ErrAccessDenied
	}
	return nil
}

func (g *Guard) decide(ctx context.Context, h *tenancy.Handle, req Request) Decision {
	switch {
	case h == nil || h.DB == nil:
		err := errors.New("no tenant handle")
		return Decision{Outcome: OutcomeError, Cause: err.Error(), Err: err}
	case req.UserID == "":
		return Decision{Outcome: OutcomeDenied, Cause: "request has no user"}
	case req.Resource == "" || !req.Action.Valid():
		return Decision{Outcome: OutcomeDenied, Cause: "malformed permission request"}
	}

	set, err := g.Effective(ctx, h, req.UserID)
	if err != nil {
		return Decision{Outcome: OutcomeError, Cause: err.Error(), Err: err}
	}
	if !set.Allows(req.Resource, req.Action, req.StoreID, req.InstanceID) {
		return Decision{Outcome: OutcomeDenied, Cause: "no effective permission for " + requestKey(req).String()}
	}
	return Decision{Allowed: true, Outcome: OutcomeAllowed}
}

func requestKey(req Request) Key {
	return Key{
		Resource:   req.Resource,
		Action:     req.Action,
		StoreID:    deref(req.StoreID),
		InstanceID: deref(req.InstanceID),
	}
}

// record emits metrics and the audit event. Audit failures never change the decision.
func (g *Guard) record(ctx context.Context, tenantID string, req Request, d Decision) {
	if g.metrics != nil {
		g.metrics.AuthzDecisionsTotal.WithLabelValues(string(req.Resource), string(req.Action), string(d.Outcome)).Inc()
	}

	status := audit.EventStatusAllowed
	switch d.Outcome {
	case OutcomeDenied:
		status = audit.EventStatusDenied
	case OutcomeError:
		status = audit.EventStatusError
	}

	// The record is written even when the caller has gone away
	ctx = context.WithoutCancel(ctx)
	event := audit.NewEvent(ctx, audit.EventTypeAuthzDecision, status)
	event.TenantID = tenantID
	event.UserID = req.UserID
	event.StoreID = deref(req.StoreID)
	event.Resource = string(req.Resource)
	event.Action = string(req.Action)
	event.InstanceID = deref(req.InstanceID)
	event.Cause = d.Cause

	if err := g.audit.Log(ctx, event); err != nil {
		if g.metrics != nil {
			g.metrics.AuditFailuresTotal.WithLabelValues(string(audit.EventTypeAuthzDecision)).Inc()
		}
		g.logger.WithError(err).WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"user_id":   req.UserID,
			"outcome":   d.Outcome,
		}).Error("Failed to write authorization audit record")
	}
}
