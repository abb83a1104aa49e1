package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/platinummonkey/shopkeep/pkg/audit"
	"github.com/platinummonkey/shopkeep/pkg/rbac"
	"github.com/platinummonkey/shopkeep/pkg/tenancy"
)

func newMigrateControlCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "migrate-control",
		Description: "Apply the control database schema",
		Flags:       newFlagSet(env, "migrate-control"),
	}
	control := cmd.Flags.String("control-db", envOr(env, "SHOPKEEP_CONTROL_DB_URL", ""), "Control database URL")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *control == "" {
			return fmt.Errorf("control-db is required")
		}

		db, err := env.OpenControl(ctx, *control)
		if err != nil {
			return fmt.Errorf("failed to open control database: %w", err)
		}
		defer db.Close()

		if err := tenancy.MigrateControl(ctx, db, env.Logger); err != nil {
			return err
		}
		if err := audit.Migrate(ctx, db, env.Logger); err != nil {
			return err
		}
		fmt.Fprintln(env.Out, "control database is up to date")
		return nil
	}
	return cmd
}

func newProvisionCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "provision",
		Description: "Register a tenant database, apply its schema and seed built-in templates",
		Flags:       newFlagSet(env, "provision"),
	}
	fs := cmd.Flags
	control := addControlFlags(env, fs)
	id := fs.String("id", "", "Tenant id")
	name := fs.String("name", "", "Tenant display name")
	host := fs.String("host", "", "Tenant database host")
	port := fs.Int("port", 5432, "Tenant database port")
	database := fs.String("database", "", "Tenant database name")
	username := fs.String("username", "", "Tenant database user")
	password := fs.String("password", envOr(env, "SHOPKEEP_TENANT_PASSWORD", ""), "Tenant database password")
	sslMode := fs.String("ssl-mode", "require", "Tenant database sslmode")
	skipSeed := fs.Bool("skip-seed", false, "Do not seed built-in role templates")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *id == "" || *host == "" || *database == "" || *username == "" {
			return fmt.Errorf("id, host, database and username are required")
		}

		db, store, err := control.open(ctx, env)
		if err != nil {
			return err
		}
		defer db.Close()

		tenant := &tenancy.Tenant{
			ID:           *id,
			Name:         *name,
			Host:         *host,
			Port:         *port,
			DatabaseName: *database,
			Username:     *username,
			Password:     *password,
			SSLMode:      *sslMode,
			Status:       tenancy.StatusActive,
		}
		if tenant.Name == "" {
			tenant.Name = tenant.ID
		}
		if err := store.UpsertTenant(ctx, tenant); err != nil {
			return err
		}

		tenantDB, err := env.OpenTenant(ctx, tenant)
		if err != nil {
			return fmt.Errorf("failed to open tenant database: %w", err)
		}
		defer tenantDB.Close()

		if err := rbac.MigrateTenant(ctx, tenantDB, env.Logger); err != nil {
			return err
		}

		seeded := 0
		if !*skipSeed {
			seeded, err = rbac.SeedBuiltinTemplates(ctx, rbac.NewStore(tenantDB))
			if err != nil {
				return err
			}
		}

		env.Logger.WithFields(map[string]interface{}{
			"tenant_id": tenant.ID,
			"seeded":    seeded,
		}).Info("Tenant provisioned")
		fmt.Fprintf(env.Out, "provisioned tenant %s (%d built-in templates seeded)\n", tenant.ID, seeded)
		return nil
	}
	return cmd
}

func newRotateCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "rotate",
		Description: "Replace a tenant's database password",
		Flags:       newFlagSet(env, "rotate"),
	}
	fs := cmd.Flags
	control := addControlFlags(env, fs)
	notify := addNotifyFlags(env, fs)
	id := fs.String("id", "", "Tenant id")
	password := fs.String("password", envOr(env, "SHOPKEEP_TENANT_PASSWORD", ""), "New tenant database password")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *id == "" || *password == "" {
			return fmt.Errorf("id and password are required")
		}

		db, store, err := control.open(ctx, env)
		if err != nil {
			return err
		}
		defer db.Close()

		tenant, err := store.GetTenant(ctx, *id)
		if err != nil {
			return err
		}
		tenant.Password = *password
		if err := store.UpsertTenant(ctx, tenant); err != nil {
			return err
		}
		if err := notify.evictTenant(ctx, env, tenant.ID); err != nil {
			return err
		}

		fmt.Fprintf(env.Out, "rotated credentials for tenant %s\n", tenant.ID)
		return nil
	}
	return cmd
}

func newStatusCommand(env *Env, name string, status tenancy.Status) *Command {
	cmd := &Command{
		Name:        name,
		Description: fmt.Sprintf("Mark a tenant %s", status),
		Flags:       newFlagSet(env, name),
	}
	fs := cmd.Flags
	control := addControlFlags(env, fs)
	notify := addNotifyFlags(env, fs)
	id := fs.String("id", "", "Tenant id")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *id == "" {
			return fmt.Errorf("id is required")
		}

		db, store, err := control.open(ctx, env)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := store.SetStatus(ctx, *id, status); err != nil {
			return err
		}
		if err := notify.evictTenant(ctx, env, *id); err != nil {
			return err
		}

		fmt.Fprintf(env.Out, "tenant %s is %s\n", *id, status)
		return nil
	}
	return cmd
}

func newListCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "list",
		Description: "List tenants",
		Flags:       newFlagSet(env, "list"),
	}
	fs := cmd.Flags
	control := addControlFlags(env, fs)
	status := fs.String("status", "", "Only list tenants with this status")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *status != "" && !tenancy.Status(*status).Valid() {
			return fmt.Errorf("invalid status %q", *status)
		}

		db, store, err := control.open(ctx, env)
		if err != nil {
			return err
		}
		defer db.Close()

		tenants, err := store.ListTenants(ctx, tenancy.Status(*status))
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tHOST\tDATABASE\tSTATUS")
		for _, t := range tenants {
			fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\t%s\n", t.ID, t.Name, t.Host, t.Port, t.DatabaseName, t.Status)
		}
		return w.Flush()
	}
	return cmd
}
