package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/shopkeep/pkg/invalidation"
	"github.com/platinummonkey/shopkeep/pkg/observability"
	"github.com/platinummonkey/shopkeep/pkg/tenancy"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet

	out io.Writer
}

// Env is everything the commands reach outside the process through
type Env struct {
	Out    io.Writer
	Logger *observability.Logger
	Getenv func(string) string

	// OpenControl opens the control database
	OpenControl func(ctx context.Context, url string) (*sql.DB, error)
	// OpenTenant opens a tenant database from its descriptor
	OpenTenant func(ctx context.Context, t *tenancy.Tenant) (*sql.DB, error)
	// Publisher returns an invalidation publisher for redisURL and a close func
	Publisher func(ctx context.Context, redisURL, channel string) (invalidation.Publisher, func() error, error)
}

// DefaultEnv talks to PostgreSQL and Redis and writes to stdout
func DefaultEnv(logger *observability.Logger) *Env {
	opener := tenancy.NewPostgresOpener(tenancy.DefaultPoolConfig())
	return &Env{
		Out:    os.Stdout,
		Logger: logger,
		Getenv: os.Getenv,
		OpenControl: func(ctx context.Context, url string) (*sql.DB, error) {
			db, err := sql.Open("postgres", url)
			if err != nil {
				return nil, err
			}
			if err := db.PingContext(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to ping control database: %w", err)
			}
			return db, nil
		},
		OpenTenant: opener.Open,
		Publisher: func(ctx context.Context, redisURL, channel string) (invalidation.Publisher, func() error, error) {
			client, err := invalidation.NewRedisClient(ctx, redisURL)
			if err != nil {
				return nil, nil, err
			}
			return invalidation.NewBus(client, channel, logger), client.Close, nil
		},
	}
}

// NewRootCommand creates the root command
func NewRootCommand(env *Env) *Command {
	if env.Logger == nil {
		env.Logger = observability.NopLogger()
	}
	if env.Getenv == nil {
		env.Getenv = os.Getenv
	}
	if env.Out == nil {
		env.Out = os.Stdout
	}

	root := &Command{
		Name:        "tenantctl",
		Description: "tenantctl - tenant provisioning for shopkeep",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("tenantctl", flag.ContinueOnError),
		out:         env.Out,
	}

	for _, cmd := range []*Command{
		newMigrateControlCommand(env),
		newProvisionCommand(env),
		newRotateCommand(env),
		newStatusCommand(env, "activate", tenancy.StatusActive),
		newStatusCommand(env, "deactivate", tenancy.StatusInactive),
		newListCommand(env),
		newTokenCommand(env),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	switch strings.ToLower(args[0]) {
	case "-h", "--help", "help":
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(ctx, args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	out := c.out
	if out == nil {
		out = os.Stdout
	}

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(out, "Commands:\n")
	for _, name := range names {
		fmt.Fprintf(out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// newFlagSet creates a flag set that reports errors instead of exiting
func newFlagSet(env *Env, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.Out)
	return fs
}

// envOr returns the environment value for key or def
func envOr(env *Env, key, def string) string {
	if v := env.Getenv(key); v != "" {
		return v
	}
	return def
}

// controlFlags are shared by every command that reads the tenant directory
type controlFlags struct {
	url       *string
	masterKey *string
}

func addControlFlags(env *Env, fs *flag.FlagSet) controlFlags {
	return controlFlags{
		url:       fs.String("control-db", envOr(env, "SHOPKEEP_CONTROL_DB_URL", ""), "Control database URL"),
		masterKey: fs.String("master-key", envOr(env, "SHOPKEEP_CREDENTIAL_MASTER_KEY", ""), "Credential master key"),
	}
}

// open returns the control database and a credential store over it
func (f controlFlags) open(ctx context.Context, env *Env) (*sql.DB, *tenancy.SQLCredentialStore, error) {
	if *f.url == "" {
		return nil, nil, fmt.Errorf("control-db is required")
	}
	box, err := tenancy.NewSecretBox([]byte(*f.masterKey))
	if err != nil {
		return nil, nil, err
	}
	db, err := env.OpenControl(ctx, *f.url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open control database: %w", err)
	}
	return db, tenancy.NewSQLCredentialStore(db, box), nil
}

// notifyFlags locate the invalidation bus of running replicas
type notifyFlags struct {
	redisURL *string
	channel  *string
}

func addNotifyFlags(env *Env, fs *flag.FlagSet) notifyFlags {
	return notifyFlags{
		redisURL: fs.String("redis-url", envOr(env, "SHOPKEEP_REDIS_URL", ""), "Redis URL of the invalidation bus"),
		channel:  fs.String("channel", envOr(env, "SHOPKEEP_INVALIDATION_CHANNEL", invalidation.DefaultChannel), "Invalidation channel"),
	}
}

// evictTenant tells running replicas to drop their handle for tenantID
func (f notifyFlags) evictTenant(ctx context.Context, env *Env, tenantID string) error {
	if *f.redisURL == "" {
		env.Logger.WithField("tenant_id", tenantID).
			Warn("No Redis configured; running servers keep their open handle until restart")
		return nil
	}

	pub, closeFn, err := env.Publisher(ctx, *f.redisURL, *f.channel)
	if err != nil {
		return fmt.Errorf("failed to connect to invalidation bus: %w", err)
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return pub.Publish(ctx, invalidation.Message{Kind: invalidation.KindTenant, TenantID: tenantID})
}
