package main

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/shopkeep/pkg/audit"
	"github.com/platinummonkey/shopkeep/pkg/config"
	"github.com/platinummonkey/shopkeep/pkg/invalidation"
	"github.com/platinummonkey/shopkeep/pkg/middleware"
	"github.com/platinummonkey/shopkeep/pkg/observability"
	"github.com/platinummonkey/shopkeep/pkg/rbac"
	"github.com/platinummonkey/shopkeep/pkg/tenancy"
)

// deps are the process-level resources the app is assembled from
type deps struct {
	controlDB *sql.DB
	redis     *redis.Client
	audit     audit.Logger
	opener    tenancy.Opener
	verifier  middleware.TokenVerifier
	logger    *observability.Logger
	metrics   *observability.Metrics
	registry  *prometheus.Registry
}

// app is the wired server: the tenant cache, the permission guard and
// the router in front of them
type app struct {
	router       *mux.Router
	tenants      *tenancy.ConnectionCache
	resolver     *tenancy.Resolver
	cache        *rbac.EffectiveCache
	bus          *invalidation.Bus
	janitor      *rbac.Janitor
	localLimiter *middleware.RateLimiter

	controlDB *sql.DB
	redis     *redis.Client
	registry  *prometheus.Registry
}

func newApp(cfg *config.Config, d deps) (*app, error) {
	if d.logger == nil {
		d.logger = observability.NopLogger()
	}

	box, err := tenancy.NewSecretBox([]byte(cfg.Tenancy.MasterKey))
	if err != nil {
		return nil, err
	}
	credentials := tenancy.NewSQLCredentialStore(d.controlDB, box)

	a := &app{
		controlDB: d.controlDB,
		redis:     d.redis,
		registry:  d.registry,
	}
	a.tenants = tenancy.NewConnectionCache(credentials, d.opener, cfg.Tenancy.Cache,
		tenancy.WithLogger(d.logger),
		tenancy.WithMetrics(d.metrics),
	)
	a.resolver = tenancy.NewResolver(a.tenants)

	resolverCfg := rbac.DefaultResolverConfig()
	resolverCfg.MaxChainDepth = cfg.RBAC.MaxChainDepth
	a.cache = rbac.NewEffectiveCache(cfg.RBAC.CacheSize, cfg.RBAC.CacheTTL)
	guard := rbac.NewGuard(
		rbac.NewResolver(resolverCfg, rbac.WithResolverLogger(d.logger), rbac.WithResolverMetrics(d.metrics)),
		d.audit,
		rbac.WithGuardLogger(d.logger),
		rbac.WithGuardMetrics(d.metrics),
		rbac.WithEffectiveCache(a.cache),
	)

	var publisher invalidation.Publisher = invalidation.NopPublisher{}
	if d.redis != nil {
		a.bus = invalidation.NewBus(d.redis, cfg.Redis.Channel, d.logger)
		a.bus.Handle(invalidation.KindTenant, a.resolver.HandleInvalidation)
		a.bus.Handle(invalidation.KindPermissions, a.cache.HandleInvalidation)
		publisher = a.bus
	}

	janitorOpts := []rbac.JanitorOption{
		rbac.WithJanitorLogger(d.logger),
		rbac.WithJanitorAudit(d.audit),
	}
	var auditStore *audit.DBStore
	if cfg.Audit.DBEnabled {
		dbLogger, err := audit.NewDBLogger(d.controlDB)
		if err != nil {
			return nil, err
		}
		auditStore = audit.NewDBStore(dbLogger)
		janitorOpts = append(janitorOpts, rbac.WithAuditRetention(auditStore,
			audit.RetentionPolicy{RetentionDays: cfg.Audit.RetentionDays}, cfg.Audit.RetentionSchedule))
	}
	a.janitor = rbac.NewJanitor(credentials, a.resolver, janitorOpts...)

	router := mux.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.AccessLog(d.logger),
		middleware.Recover,
		otelhttp.NewMiddleware("shopkeep"),
	)
	if d.metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(d.metrics))
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Authenticate(d.verifier, d.logger))
	if cfg.RateLimit.Enabled {
		api.Use(middleware.NewRateLimitMiddleware(a.limiter(cfg.RateLimit), d.logger, d.metrics).Handler)
	}

	enforcer := rbac.NewEnforcer(a.resolver, guard, d.logger)
	rbac.NewHandlers(enforcer, guard, publisher, d.audit, d.logger).RegisterRoutes(api)
	if auditStore != nil {
		audit.NewHandlers(auditStore).RegisterRoutes(api, reportReader(enforcer))
	}

	a.router = router
	return a, nil
}

// reportReader lets callers holding REPORT:read query their tenant's audit log
func reportReader(e *rbac.Enforcer) audit.Authorizer {
	return func(next audit.TenantScoped) http.Handler {
		return e.RequirePermission(rbac.ResourceReport, rbac.ActionRead,
			func(w http.ResponseWriter, r *http.Request, h *tenancy.Handle) {
				next(w, r, h.TenantID)
			})
	}
}

// limiter shares counters through Redis when it is configured
func (a *app) limiter(cfg config.RateLimitConfig) middleware.Limiter {
	limits := middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RequestsPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.Burst,
	}
	if a.redis != nil {
		return middleware.NewDistributedRateLimiter(a.redis, limits, "")
	}
	a.localLimiter = middleware.NewRateLimiter(limits)
	return a.localLimiter
}

// healthHandler serves probes and Prometheus metrics on the health port
func (a *app) healthHandler(version string) http.Handler {
	checker := observability.NewHealthChecker(a.controlDB, a.redis, a.tenants, version)

	serveMux := http.NewServeMux()
	observability.RegisterHealthRoutes(serveMux, checker)
	if a.registry != nil {
		metricsRouter := mux.NewRouter()
		observability.RegisterMetricsEndpoint(metricsRouter, a.registry)
		serveMux.Handle("/metrics", metricsRouter)
	}
	serveMux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, version)
	})
	return serveMux
}
