// Package audit records authorization decisions and permission administration
// for operators.
//
// # Overview
//
// Every guard decision produces one Event carrying the tenant, user, store,
// resource, action and outcome. Denials and resolver failures also carry the
// precise cause, which is never shown to the caller.
//
// # Sinks
//
//   - DBLogger: the control database audit_logs table
//   - FileLogger: JSON lines, rotated by lumberjack
//   - MultiLogger: fan-out to several sinks
//   - NoOpLogger: discards everything
//
// # Queries
//
// DBStore reads the audit_logs table back: Search by tenant, user, store,
// resource, outcome, event type and time range, Get one event, GetStats,
// Export as json, ndjson or csv, and Cleanup under a RetentionPolicy.
// Handlers exposes the same queries over HTTP. The caller's tenant comes from
// the Authorizer and is never read from the query string.
//
// # Usage Example
//
//	logger := audit.NewMultiLogger(dbLogger, fileLogger)
//	defer logger.Close()
//
//	event := audit.NewEvent(ctx, audit.EventTypeAuthzDecision, audit.EventStatusDenied)
//	event.TenantID = "acme"
//	event.UserID = "u-42"
//	event.Resource = "PRODUCT"
//	event.Action = "delete"
//	event.Cause = "no matching entry"
//	err := logger.Log(ctx, event)
//
// # Related Packages
//
//   - pkg/rbac: emits decision and administration events
//   - pkg/middleware: supplies the request id recorded on each event
package audit
