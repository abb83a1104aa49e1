package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	RateLimitedTotal     prometheus.Counter
	RateLimitErrorsTotal prometheus.Counter

	// Tenant connection cache metrics
	TenantCacheHitsTotal      prometheus.Counter
	TenantCacheMissesTotal    prometheus.Counter
	TenantOpensTotal          prometheus.Counter
	TenantOpenFailuresTotal   *prometheus.CounterVec
	TenantEvictionsTotal      prometheus.Counter
	TenantHandlesOpen         prometheus.Gauge
	TenantOpenDuration        prometheus.Histogram
	TenantConnectRetriesTotal prometheus.Counter

	// Authorization metrics
	AuthzDecisionsTotal        *prometheus.CounterVec
	AuthzResolveDuration       prometheus.Histogram
	PermissionCacheHitsTotal   prometheus.Counter
	PermissionCacheMissesTotal prometheus.Counter

	// Audit metrics
	AuditFailuresTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopkeep_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shopkeep_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopkeep_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		RateLimitErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopkeep_http_rate_limit_errors_total",
			Help: "Rate limiter backend errors; the request was allowed",
		}),

		TenantCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopkeep_tenant_cache_hits_total",
			Help: "Tenant handle lookups served from the connection cache",
		}),
		TenantCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopkeep_tenant_cache_misses_total",
			Help: "Tenant handle lookups that required an open",
		}),
		TenantOpensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopkeep_tenant_opens_total",
			Help: "Tenant database handles opened",
		}),
		TenantOpenFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopkeep_tenant_open_failures_total",
				Help: "Failed tenant handle opens by reason",
			},
			[]string{"reason"},
		),
		TenantEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopkeep_tenant_evictions_total",
			Help: "Tenant handles evicted from the connection cache",
		}),
		TenantHandlesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopkeep_tenant_handles_open",
			Help: "Tenant handles currently held by the connection cache",
		}),
		TenantOpenDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shopkeep_tenant_open_duration_seconds",
			Help:    "Time spent opening a tenant handle, retries included",
			Buckets: prometheus.DefBuckets,
		}),
		TenantConnectRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopkeep_tenant_connect_retries_total",
			Help: "Retried tenant connection attempts",
		}),

		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopkeep_authz_decisions_total",
				Help: "Authorization decisions by outcome",
			},
			[]string{"resource", "action", "outcome"},
		),
		AuthzResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shopkeep_authz_resolve_duration_seconds",
			Help:    "Effective permission resolution duration",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		PermissionCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopkeep_permission_cache_hits_total",
			Help: "Effective permission sets served from cache",
		}),
		PermissionCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopkeep_permission_cache_misses_total",
			Help: "Effective permission sets that had to be resolved",
		}),

		AuditFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopkeep_audit_failures_total",
				Help: "Audit records that could not be written",
			},
			[]string{"event_type"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.RateLimitErrorsTotal,
		m.TenantCacheHitsTotal,
		m.TenantCacheMissesTotal,
		m.TenantOpensTotal,
		m.TenantOpenFailuresTotal,
		m.TenantEvictionsTotal,
		m.TenantHandlesOpen,
		m.TenantOpenDuration,
		m.TenantConnectRetriesTotal,
		m.AuthzDecisionsTotal,
		m.AuthzResolveDuration,
		m.PermissionCacheHitsTotal,
		m.PermissionCacheMissesTotal,
		m.AuditFailuresTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Routes are labelled with the mux path template so ids don't explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
