// Package cli provides the tenantctl command-line interface for tenant operations.
//
// # Overview
//
// tenantctl registers tenant databases in the control database, prepares
// their schema and manages their lifecycle. The running servers are told
// about credential and status changes over the Redis invalidation bus.
//
// # Commands
//
// migrate-control: Apply the control and audit schema
//
//	tenantctl migrate-control --control-db postgres://...
//
// provision: Register a tenant, migrate its database and seed built-in templates
//
//	tenantctl provision \
//		--id acme \
//		--host acme-db.internal \
//		--database acme \
//		--username acme_app \
//		--password "$ACME_DB_PASSWORD"
//
// rotate: Replace a tenant's database password and evict open handles
//
//	tenantctl rotate --id acme --password "$NEW_PASSWORD"
//
// activate / deactivate: Change tenant status
//
//	tenantctl deactivate --id acme
//
// list: Print the tenant directory
//
//	tenantctl list --status active
//
// token: Issue a bearer token for local testing
//
//	tenantctl token --user u-42 --tenant acme --stores s1,s2 --ttl 8h
//
// # Configuration
//
// Flags default to the server's environment variables:
// SHOPKEEP_CONTROL_DB_URL, SHOPKEEP_CREDENTIAL_MASTER_KEY, SHOPKEEP_REDIS_URL,
// SHOPKEEP_INVALIDATION_CHANNEL, SHOPKEEP_JWT_SECRET and SHOPKEEP_TENANT_PASSWORD.
//
// # Related Packages
//
//   - pkg/tenancy: Tenant directory and credential sealing
//   - pkg/rbac: Tenant schema and built-in templates
package cli
