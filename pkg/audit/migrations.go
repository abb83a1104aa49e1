package audit

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/shopkeep/pkg/migrate"
	"github.com/platinummonkey/shopkeep/pkg/observability"
)

// Migrations returns the audit schema for the control database
func Migrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Version:     1,
			Description: "Create audit_logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id VARCHAR(36) PRIMARY KEY,
					timestamp TIMESTAMP NOT NULL,
					event_type VARCHAR(100) NOT NULL,
					status VARCHAR(20) NOT NULL,
					tenant_id VARCHAR(64),
					user_id VARCHAR(255),
					store_id VARCHAR(255),
					resource VARCHAR(64),
					action VARCHAR(32),
					instance_id VARCHAR(255),
					request_id VARCHAR(100),
					message TEXT,
					cause TEXT,
					metadata TEXT,
					created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_user ON audit_logs(tenant_id, user_id);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_status ON audit_logs(status);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
			`,
		},
	}
}

// Migrate applies the audit schema
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	return migrate.Run(ctx, db, "audit_migrations", Migrations(), logger)
}
