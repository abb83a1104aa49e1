package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/shopkeep/pkg/observability"
	"github.com/platinummonkey/shopkeep/pkg/retry"
)

var tracer = otel.Tracer("shopkeep/tenancy")

// errSuperseded marks an open that lost a race with Evict
var errSuperseded = errors.New("tenant handle superseded by eviction")

// CacheConfig configures the connection cache
type CacheConfig struct {
	// ConnectTimeout bounds one open, retries included
	ConnectTimeout time.Duration
	Retry          retry.Config
}

// DefaultCacheConfig returns the default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		ConnectTimeout: 15 * time.Second,
		Retry:          retry.DefaultConfig(),
	}
}

// ConnectionCache maps tenant ids to open handles.
// It has no process-wide lock: reads hit a sync.Map and opens are
// serialized per tenant id only.
type ConnectionCache struct {
	store   CredentialStore
	opener  Opener
	config  CacheConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	handles     sync.Map // tenant id -> *Handle
	generations sync.Map // tenant id -> *atomic.Uint64
	group       singleflight.Group
	closed      atomic.Bool
	now         func() time.Time
}

// CacheOption configures a ConnectionCache
type CacheOption func(*ConnectionCache)

// WithLogger sets the cache logger
func WithLogger(logger *observability.Logger) CacheOption {
	return func(c *ConnectionCache) { c.logger = logger }
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *observability.Metrics) CacheOption {
	return func(c *ConnectionCache) { c.metrics = m }
}

// NewConnectionCache creates an empty cache
func NewConnectionCache(store CredentialStore, opener Opener, config CacheConfig, opts ...CacheOption) *ConnectionCache {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultCacheConfig().ConnectTimeout
	}
	c := &ConnectionCache{
		store:  store,
		opener: opener,
		config: config,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the handle for tenantID, opening it on first use.
// If ctx ends while an open is in flight, Get returns ctx.Err() and the open
// carries on for the benefit of the next caller.
func (c *ConnectionCache) Get(ctx context.Context, tenantID string) (*Handle, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	if tenantID == "" {
		return nil, ErrTenantNotFound
	}

	if h, ok := c.lookup(tenantID); ok {
		if c.metrics != nil {
			c.metrics.TenantCacheHitsTotal.Inc()
		}
		return h, nil
	}
	if c.metrics != nil {
		c.metrics.TenantCacheMissesTotal.Inc()
	}

	// The open outlives this caller, but keeps its values for tracing
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(tenantID, func() (interface{}, error) {
		return c.open(detached, tenantID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		h := res.Val.(*Handle)
		if h.TenantID != tenantID {
			// Unreachable unless singleflight keys collide; never hand out a foreign handle
			return nil, fmt.Errorf("tenant handle mismatch for %s", tenantID)
		}
		return h, nil
	}
}

func (c *ConnectionCache) lookup(tenantID string) (*Handle, bool) {
	v, ok := c.handles.Load(tenantID)
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

func (c *ConnectionCache) generation(tenantID string) *atomic.Uint64 {
	v, _ := c.generations.LoadOrStore(tenantID, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// open runs inside the singleflight group for tenantID
func (c *ConnectionCache) open(ctx context.Context, tenantID string) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "tenancy.open")
	span.SetAttributes(attribute.String("tenant.id", tenantID))
	defer span.End()

	start := c.now()
	defer func() {
		if c.metrics != nil {
			c.metrics.TenantOpenDuration.Observe(time.Since(start).Seconds())
		}
	}()

	// An eviction can land while we are connecting; try once more with fresh credentials
	for round := 0; round < 2; round++ {
		h, err := c.openOnce(ctx, tenantID)
		if errors.Is(err, errSuperseded) {
			c.logger.WithField("tenant_id", tenantID).Debug("Tenant handle superseded during open, retrying")
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "open failed")
		}
		return h, err
	}

	err := &ConnectionError{TenantID: tenantID, Attempts: 2, Err: errSuperseded}
	span.RecordError(err)
	span.SetStatus(codes.Error, "open superseded")
	return nil, err
}

func (c *ConnectionCache) openOnce(ctx context.Context, tenantID string) (*Handle, error) {
	// Another flight may have published while we queued
	if h, ok := c.lookup(tenantID); ok {
		return h, nil
	}

	gen := c.generation(tenantID)
	startGen := gen.Load()

	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	log := c.logger.WithField("tenant_id", tenantID)

	var tenant *Tenant
	attempts, err := retry.Do(ctx, c.config.Retry, func(ctx context.Context) error {
		t, getErr := c.store.GetTenant(ctx, tenantID)
		if errors.Is(getErr, ErrTenantNotFound) {
			return retry.Permanent(getErr)
		}
		tenant = t
		return getErr
	}, func(err error, attempt int, wait time.Duration) {
		if c.metrics != nil {
			c.metrics.TenantConnectRetriesTotal.Inc()
		}
		log.WithError(err).Warnf("Tenant credential read attempt %d failed, retrying in %s", attempt, wait)
	})
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			c.countFailure("not_found")
			return nil, ErrTenantNotFound
		}
		c.countFailure("credentials")
		log.WithError(err).Errorf("Tenant credentials unreadable after %d attempt(s)", attempts)
		return nil, &ConnectionError{TenantID: tenantID, Attempts: attempts, Err: err}
	}
	if !tenant.Active() {
		c.countFailure("inactive")
		return nil, ErrTenantNotFound
	}

	var db *sql.DB
	attempts, err = retry.Do(ctx, c.config.Retry, func(ctx context.Context) error {
		var openErr error
		db, openErr = c.opener.Open(ctx, tenant)
		return openErr
	}, func(err error, attempt int, wait time.Duration) {
		if c.metrics != nil {
			c.metrics.TenantConnectRetriesTotal.Inc()
		}
		log.WithError(err).Warnf("Tenant connect attempt %d failed, retrying in %s", attempt, wait)
	})
	if err != nil {
		c.countFailure("unreachable")
		log.WithError(err).Errorf("Tenant store unreachable after %d attempt(s)", attempts)
		return nil, &ConnectionError{TenantID: tenantID, Attempts: attempts, Err: err}
	}

	h := &Handle{
		TenantID: tenantID,
		DB:       db,
		OpenedAt: c.now(),
	}

	if gen.Load() != startGen {
		db.Close()
		return nil, errSuperseded
	}
	if existing, loaded := c.handles.LoadOrStore(tenantID, h); loaded {
		// A flight started after an eviction published first
		db.Close()
		return existing.(*Handle), nil
	}
	if c.metrics != nil {
		c.metrics.TenantHandlesOpen.Inc()
	}

	// Evict bumps the generation before removing the entry, so re-checking
	// after the publish catches an eviction that raced it.
	if c.closed.Load() || gen.Load() != startGen {
		if c.handles.CompareAndDelete(tenantID, h) {
			db.Close()
			if c.metrics != nil {
				c.metrics.TenantHandlesOpen.Dec()
			}
		}
		if c.closed.Load() {
			return nil, ErrCacheClosed
		}
		return nil, errSuperseded
	}

	if c.metrics != nil {
		c.metrics.TenantOpensTotal.Inc()
	}
	log.WithField("attempts", attempts).Info("Tenant handle opened")
	return h, nil
}

func (c *ConnectionCache) countFailure(reason string) {
	if c.metrics != nil {
		c.metrics.TenantOpenFailuresTotal.WithLabelValues(reason).Inc()
	}
}

// Evict closes and forgets the tenant's handle. It is safe to call for tenants
// that were never opened, and while an open for the tenant is in flight.
func (c *ConnectionCache) Evict(tenantID string) error {
	c.generation(tenantID).Add(1)
	c.group.Forget(tenantID)

	v, ok := c.handles.LoadAndDelete(tenantID)
	if !ok {
		return nil
	}

	if c.metrics != nil {
		c.metrics.TenantEvictionsTotal.Inc()
		c.metrics.TenantHandlesOpen.Dec()
	}
	c.logger.WithField("tenant_id", tenantID).Info("Tenant handle evicted")

	if err := v.(*Handle).DB.Close(); err != nil {
		return fmt.Errorf("failed to close handle for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Close evicts every handle and rejects further lookups
func (c *ConnectionCache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	c.handles.Range(func(key, _ interface{}) bool {
		if err := c.Evict(key.(string)); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// HealthCheck pings every open handle
func (c *ConnectionCache) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup

	c.handles.Range(func(key, value interface{}) bool {
		wg.Add(1)
		go func(tenantID string, h *Handle) {
			defer wg.Done()
			err := h.DB.PingContext(ctx)
			mu.Lock()
			results[tenantID] = err
			mu.Unlock()
		}(key.(string), value.(*Handle))
		return true
	})

	wg.Wait()
	return results
}

// Stats returns pool statistics per open tenant
func (c *ConnectionCache) Stats() map[string]sql.DBStats {
	stats := make(map[string]sql.DBStats)
	c.handles.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Handle).DB.Stats()
		return true
	})
	return stats
}

// Len returns the number of open handles
func (c *ConnectionCache) Len() int {
	n := 0
	c.handles.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
