// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from SHOPKEEP_* environment
// variables. Everything has a default except the control database URL, the
// credential master key and the JWT secret.
//
// # Configuration Structure
//
// Server settings:
//
//	SHOPKEEP_HOST="0.0.0.0"
//	SHOPKEEP_PORT="8080"
//	SHOPKEEP_HEALTH_PORT="9090"
//	SHOPKEEP_SHUTDOWN_TIMEOUT="30s"
//
// Control database and tenant pools:
//
//	SHOPKEEP_CONTROL_DB_URL="postgres://shopkeep@db/control?sslmode=require"
//	SHOPKEEP_CREDENTIAL_MASTER_KEY="<at least 16 bytes>"
//	SHOPKEEP_TENANT_MAX_OPEN_CONNS="10"
//	SHOPKEEP_TENANT_CONNECT_TIMEOUT="15s"
//	SHOPKEEP_TENANT_RETRY_MAX_ATTEMPTS="3"
//	SHOPKEEP_TENANT_RETRY_INITIAL_BACKOFF="200ms"
//
// Permissions:
//
//	SHOPKEEP_RBAC_CACHE_TTL="30s"   # 0 disables the effective permission cache
//	SHOPKEEP_RBAC_MAX_CHAIN_DEPTH="16"
//	SHOPKEEP_RBAC_JANITOR_SCHEDULE="*/15 * * * *"
//
// Invalidation bus and rate limiting:
//
//	SHOPKEEP_REDIS_URL="redis://redis:6379/0"
//	SHOPKEEP_INVALIDATION_CHANNEL="shopkeep:invalidate"
//	SHOPKEEP_RATE_LIMIT_PER_MINUTE="600"
//
// Authentication and audit:
//
//	SHOPKEEP_JWT_SECRET="<at least 32 bytes>"
//	SHOPKEEP_JWT_ISSUER="shopkeep"
//	SHOPKEEP_AUDIT_FILE="/var/log/shopkeep/audit.log"
//	SHOPKEEP_AUDIT_RETENTION_DAYS="90"  # 0 keeps audit rows forever
//	SHOPKEEP_AUDIT_RETENTION_SCHEDULE="0 3 * * *"
//
// Observability settings:
//
//	SHOPKEEP_LOG_LEVEL="info"  # debug, info, warn, error
//	SHOPKEEP_LOG_FILE="/var/log/shopkeep/shopkeep.log"
//	SHOPKEEP_METRICS_ENABLED="true"
//	SHOPKEEP_OTEL_ENABLED="true"
//	SHOPKEEP_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/tenancy: Uses pool and connection cache settings
//   - pkg/observability: Uses observability configuration
package config
