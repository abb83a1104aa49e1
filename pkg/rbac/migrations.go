package rbac

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/shopkeep/pkg/migrate"
	"github.com/platinummonkey/shopkeep/pkg/observability"
)

// TenantMigrations returns the permission schema applied to every tenant database
func TenantMigrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Version:     1,
			Description: "Create stores table",
			SQL: `
				CREATE TABLE IF NOT EXISTS stores (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
		{
			Version:     2,
			Description: "Create role_templates table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_templates (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					entries TEXT NOT NULL DEFAULT '[]',
					parent_id VARCHAR(64) REFERENCES role_templates(id),
					active BOOLEAN NOT NULL DEFAULT TRUE,
					priority INT NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_role_templates_parent_id ON role_templates(parent_id);
			`,
		},
		{
			Version:     3,
			Description: "Create user_role_assignments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_role_assignments (
					user_id VARCHAR(255) PRIMARY KEY,
					template_id VARCHAR(64) NOT NULL REFERENCES role_templates(id),
					assigned_by VARCHAR(255) NOT NULL DEFAULT '',
					assigned_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_user_role_assignments_template_id ON user_role_assignments(template_id);
			`,
		},
		{
			Version:     4,
			Description: "Create permission_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_grants (
					id VARCHAR(64) PRIMARY KEY,
					user_id VARCHAR(255) NOT NULL,
					resource VARCHAR(64) NOT NULL,
					actions TEXT NOT NULL,
					store_id VARCHAR(64) NOT NULL DEFAULT '',
					instance_id VARCHAR(255) NOT NULL DEFAULT '',
					granted BOOLEAN NOT NULL DEFAULT TRUE,
					granted_by VARCHAR(255) NOT NULL DEFAULT '',
					granted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					expires_at TIMESTAMP,
					UNIQUE(user_id, store_id, resource, instance_id)
				);

				CREATE INDEX IF NOT EXISTS idx_permission_grants_user_id ON permission_grants(user_id);
				CREATE INDEX IF NOT EXISTS idx_permission_grants_expires_at ON permission_grants(expires_at);
			`,
		},
	}
}

// MigrateTenant applies the permission schema to a tenant database
func MigrateTenant(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	return migrate.Run(ctx, db, "rbac_migrations", TenantMigrations(), logger)
}
