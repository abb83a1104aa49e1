// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package wraps goroutines with panic recovery, optional timeouts and
// structured error logging, and fans work out over a bounded number of
// workers.
//
// # Key Functions
//
// SafeGo: Run a background task that logs instead of crashing the process
//
//	done := async.SafeGo(ctx, logger, 0, "invalidation subscriber", func(ctx context.Context) error {
//		return bus.Subscribe(ctx, ready)
//	})
//
// ForEach: Visit every item with bounded concurrency
//
//	errs := async.ForEach(ctx, tenants, 4, 0, func(ctx context.Context, t *tenancy.Tenant) error {
//		return purge(ctx, t.ID)
//	})
//
// # Related Packages
//
//   - pkg/rbac: The grant janitor purges tenants with ForEach
package async
