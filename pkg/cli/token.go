package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/shopkeep/pkg/auth"
)

func newTokenCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "token",
		Description: "Issue a bearer token for a tenant user",
		Flags:       newFlagSet(env, "token"),
	}
	fs := cmd.Flags
	secret := fs.String("secret", envOr(env, "SHOPKEEP_JWT_SECRET", ""), "JWT signing secret")
	issuer := fs.String("issuer", envOr(env, "SHOPKEEP_JWT_ISSUER", "shopkeep"), "JWT issuer")
	user := fs.String("user", "", "User id")
	tenant := fs.String("tenant", "", "Tenant id")
	email := fs.String("email", "", "User email")
	stores := fs.String("stores", "", "Comma-separated store ids the user belongs to")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *secret == "" {
			return fmt.Errorf("secret is required")
		}
		if *user == "" || *tenant == "" {
			return fmt.Errorf("user and tenant are required")
		}
		if *ttl <= 0 {
			return fmt.Errorf("ttl must be positive")
		}

		p := auth.Principal{UserID: *user, TenantID: *tenant, Email: *email}
		for _, id := range strings.Split(*stores, ",") {
			if id = strings.TrimSpace(id); id != "" {
				p.StoreIDs = append(p.StoreIDs, id)
			}
		}

		token, err := auth.NewTokenVerifier([]byte(*secret), *issuer, 0).Issue(p, *ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(env.Out, token)
		return nil
	}
	return cmd
}
