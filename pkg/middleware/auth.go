package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/shopkeep/pkg/auth"
	"github.com/platinummonkey/shopkeep/pkg/httputil"
	"github.com/platinummonkey/shopkeep/pkg/observability"
)

// TokenVerifier turns a bearer token into a principal
type TokenVerifier interface {
	Verify(token string) (*auth.Principal, error)
}

// AuthMiddleware provides authentication middleware
type AuthMiddleware struct {
	verifier TokenVerifier
	logger   *observability.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier TokenVerifier, logger *observability.Logger) *AuthMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AuthMiddleware{
		verifier: verifier,
		logger:   logger.WithField("component", "auth"),
	}
}

// Authenticate is shorthand for NewAuthMiddleware(verifier, logger).Handler
func Authenticate(verifier TokenVerifier, logger *observability.Logger) func(http.Handler) http.Handler {
	return NewAuthMiddleware(verifier, logger).Handler
}

// Handler rejects requests without a valid bearer token and stores the
// principal in the request context
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		principal, err := m.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Debug("Rejected bearer token")
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := auth.WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
