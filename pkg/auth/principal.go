package auth

import (
	"context"

	"github.com/platinummonkey/shopkeep/pkg/contextkeys"
)

// Principal is an authenticated user bound to exactly one tenant
type Principal struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id"`
	Email    string   `json:"email,omitempty"`
	StoreIDs []string `json:"store_ids,omitempty"`
}

// MemberOf reports whether the principal is attached to storeID
func (p *Principal) MemberOf(storeID string) bool {
	for _, id := range p.StoreIDs {
		if id == storeID {
			return true
		}
	}
	return false
}

// WithPrincipal stores the principal in ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = contextkeys.WithPrincipal(ctx, p)
	return contextkeys.WithUserID(ctx, p.UserID)
}

// PrincipalFromContext returns the principal stored by the auth middleware, or nil
func PrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}
