package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/shopkeep/pkg/async"
	"github.com/platinummonkey/shopkeep/pkg/audit"
	"github.com/platinummonkey/shopkeep/pkg/observability"
	"github.com/platinummonkey/shopkeep/pkg/tenancy"
)

// DefaultJanitorSchedule runs the purge every 15 minutes
const DefaultJanitorSchedule = "*/15 * * * *"

// TenantLister lists tenants by status
type TenantLister interface {
	ListTenants(ctx context.Context, status tenancy.Status) ([]*tenancy.Tenant, error)
}

// HandleResolver opens a tenant's handle
type HandleResolver interface {
	Resolve(ctx context.Context, tenantID string) (*tenancy.Handle, error)
}

// DefaultRetentionSchedule runs audit retention daily at 03:00 UTC
const DefaultRetentionSchedule = "0 3 * * *"

// AuditCleaner deletes audit logs past their retention
type AuditCleaner interface {
	Cleanup(ctx context.Context, policy audit.RetentionPolicy) (int64, error)
}

// Janitor deletes lapsed grants from every active tenant on a schedule.
// Expired grants are already ignored by resolution; purging keeps the
// grant lists and the unique keys clean. When configured it also enforces
// audit log retention on its own schedule.
type Janitor struct {
	tenants TenantLister
	handles HandleResolver
	audit   audit.Logger
	logger  *observability.Logger
	timeout time.Duration
	workers int
	now     func() time.Time
	cron    *cron.Cron

	retention         audit.RetentionPolicy
	retentionSchedule string
	cleaner           AuditCleaner
}

// JanitorOption configures a Janitor
type JanitorOption func(*Janitor)

// WithJanitorLogger sets the janitor logger
func WithJanitorLogger(logger *observability.Logger) JanitorOption {
	return func(j *Janitor) { j.logger = logger }
}

// WithJanitorAudit records one purge event per tenant with deletions
func WithJanitorAudit(l audit.Logger) JanitorOption {
	return func(j *Janitor) { j.audit = l }
}

// WithJanitorClock overrides the clock used to decide expiry
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) { j.now = now }
}

// WithJanitorConcurrency sets how many tenants are purged at once
func WithJanitorConcurrency(n int) JanitorOption {
	return func(j *Janitor) { j.workers = n }
}

// WithAuditRetention deletes audit logs older than policy on schedule
func WithAuditRetention(cleaner AuditCleaner, policy audit.RetentionPolicy, schedule string) JanitorOption {
	return func(j *Janitor) {
		j.cleaner = cleaner
		j.retention = policy
		j.retentionSchedule = schedule
	}
}

// WithJanitorTimeout bounds one run across all tenants
func WithJanitorTimeout(d time.Duration) JanitorOption {
	return func(j *Janitor) { j.timeout = d }
}

// NewJanitor creates a janitor
func NewJanitor(tenants TenantLister, handles HandleResolver, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		tenants: tenants,
		handles: handles,
		audit:   audit.NoOpLogger{},
		logger:  observability.NopLogger(),
		timeout: 5 * time.Minute,
		workers: 4,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.WithField("component", "grant_janitor")
	return j
}

// Start schedules RunOnce with a standard five-field cron expression, and
// RunRetention when audit retention is configured
func (j *Janitor) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(schedule, func() {
		defer observability.RecoverPanic(j.logger, "grant janitor")
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.WithError(err).Warn("Grant purge finished with errors")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}

	if j.retentionEnabled() {
		retentionSchedule := j.retentionSchedule
		if retentionSchedule == "" {
			retentionSchedule = DefaultRetentionSchedule
		}
		_, err := c.AddFunc(retentionSchedule, func() {
			defer observability.RecoverPanic(j.logger, "audit retention")
			ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
			defer cancel()
			if _, err := j.RunRetention(ctx); err != nil {
				j.logger.WithError(err).Warn("Audit retention failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid audit retention schedule %q: %w", retentionSchedule, err)
		}
		j.logger.WithField("schedule", retentionSchedule).
			WithField("retention_days", j.retention.RetentionDays).
			Info("Audit retention scheduled")
	}

	j.cron = c
	c.Start()
	j.logger.WithField("schedule", schedule).Info("Grant janitor started")
	return nil
}

func (j *Janitor) retentionEnabled() bool {
	return j.cleaner != nil && j.retention.RetentionDays > 0
}

// RunRetention deletes audit logs older than the retention policy. It is a
// no-op returning zero when retention is not configured.
func (j *Janitor) RunRetention(ctx context.Context) (int64, error) {
	if !j.retentionEnabled() {
		return 0, nil
	}
	n, err := j.cleaner.Cleanup(ctx, j.retention)
	if err != nil {
		return 0, fmt.Errorf("failed to apply audit retention: %w", err)
	}
	if n > 0 {
		j.logger.WithFields(map[string]interface{}{
			"deleted":        n,
			"retention_days": j.retention.RetentionDays,
		}).Info("Deleted expired audit logs")
	}
	return n, nil
}

// Stop halts scheduling and waits for a running purge, bounded by ctx
func (j *Janitor) Stop(ctx context.Context) error {
	if j.cron == nil {
		return nil
	}
	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce purges expired grants from every active tenant and returns the
// number deleted per tenant. A failing tenant is logged and skipped; the
// joined failures are returned after all tenants were visited.
func (j *Janitor) RunOnce(ctx context.Context) (map[string]int64, error) {
	tenants, err := j.tenants.ListTenants(ctx, tenancy.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	now := j.now()
	deleted := async.NewCollector[string, int64]()
	results := async.ForEach(ctx, tenants, j.workers, 0, func(ctx context.Context, t *tenancy.Tenant) error {
		n, err := j.purge(ctx, t.ID, now)
		if err != nil {
			return err
		}
		deleted.Set(t.ID, n)
		return nil
	})

	var errs []error
	for i, err := range results {
		if err == nil {
			continue
		}
		tenantID := tenants[i].ID
		j.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Grant purge failed for tenant")
		errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
	}
	return deleted.Values(), errors.Join(errs...)
}

func (j *Janitor) purge(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	h, err := j.handles.Resolve(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	n, err := NewStore(h.DB).DeleteExpiredGrants(ctx, now)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	j.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"deleted":   n,
	}).Info("Purged expired grants")

	event := audit.NewEvent(ctx, audit.EventTypeGrantPurge, audit.EventStatusSuccess)
	event.TenantID = tenantID
	event.Message = "expired grants purged"
	event.Metadata = map[string]interface{}{"deleted": n}
	if err := j.audit.Log(ctx, event); err != nil {
		j.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to write purge audit record")
	}
	return n, nil
}
