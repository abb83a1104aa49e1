// Package middleware provides the HTTP middleware chain in front of the
// tenant-scoped API: request ids, access logging, panic recovery, bearer
// authentication and rate limiting.
//
// # Middleware Components
//
// RequestID: reuses or assigns X-Request-ID and stores it in the context
//
//	router.Use(middleware.RequestID)
//
// AccessLog and Recover: one structured line per request, panics become a generic 500
//
//	router.Use(middleware.AccessLog(logger), middleware.Recover)
//
// Authenticate: verifies "Authorization: Bearer <jwt>" and stores the auth.Principal
//
//	api.Use(middleware.Authenticate(verifier, logger))
//
// RateLimitMiddleware: per tenant and user once authenticated, per client address otherwise
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "")
//	api.Use(middleware.NewRateLimitMiddleware(limiter, logger, metrics).Handler)
//
// # Rate Limiting
//
// RateLimiter is an in-process token bucket. DistributedRateLimiter keeps a
// fixed-window count in Redis shared by every replica. Limiter errors fail
// open and are counted in shopkeep_http_rate_limit_errors_total.
//
// # Related Packages
//
//   - pkg/auth: Token verification and the Principal type
//   - pkg/rbac: Permission checks that run after authentication
package middleware
