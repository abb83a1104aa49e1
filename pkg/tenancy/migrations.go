package tenancy

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/shopkeep/pkg/migrate"
	"github.com/platinummonkey/shopkeep/pkg/observability"
)

// ControlMigrations returns the control database schema
func ControlMigrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Version:     1,
			Description: "Create tenants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenants (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					host VARCHAR(255) NOT NULL,
					port INT NOT NULL DEFAULT 5432,
					database_name VARCHAR(255) NOT NULL,
					username VARCHAR(255) NOT NULL,
					password_ciphertext TEXT NOT NULL,
					ssl_mode VARCHAR(32) NOT NULL DEFAULT 'require',
					status VARCHAR(16) NOT NULL DEFAULT 'active',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);
			`,
		},
	}
}

// MigrateControl applies the control schema
func MigrateControl(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	return migrate.Run(ctx, db, "control_migrations", ControlMigrations(), logger)
}
