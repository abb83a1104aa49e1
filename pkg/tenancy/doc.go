// Package tenancy resolves a tenant id into a ready-to-use handle on that
// tenant's isolated database.
//
// # Components
//
//   - CredentialStore reads per-tenant connection parameters from the control
//     database. Passwords are sealed at rest with SecretBox.
//   - Opener turns credentials into a pooled *sql.DB (PostgresOpener uses lib/pq).
//   - ConnectionCache owns the tenant id to handle mapping. Handles open lazily,
//     at most once per tenant at a time, and live until Evict or Close.
//   - Resolver is the single entry point used by request handlers.
//
// # Concurrency
//
// Lookups for different tenants never wait on each other. Concurrent lookups for
// the same tenant share one open through a singleflight group. The open itself
// runs detached from the caller's context, so a caller that gives up never leaves
// a half-built entry behind; the next caller either finds the finished handle or
// starts a fresh open.
//
// Eviction bumps a per-tenant generation counter. An open that started before
// the eviction notices the bump and closes its connection instead of publishing
// it, so rotated credentials are never served from a stale pool.
//
// # Errors
//
//	ErrTenantNotFound   unknown or inactive tenant, never retried
//	*ConnectionError    store unreachable after bounded retries
//	ErrCacheClosed      the cache has been shut down
package tenancy
