package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
// The underlying reason is wrapped for logs but callers should only branch on this.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims are the JWT claims issued to an employee session
type Claims struct {
	UserID   string   `json:"uid"`
	TenantID string   `json:"tid"`
	Email    string   `json:"email,omitempty"`
	StoreIDs []string `json:"stores,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier verifies and issues HS256 session tokens
type TokenVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewTokenVerifier creates a verifier for tokens signed with secret
func NewTokenVerifier(secret []byte, issuer string, leeway time.Duration) *TokenVerifier {
	return &TokenVerifier{
		secret: secret,
		issuer: issuer,
		leeway: leeway,
		now:    time.Now,
	}
}

// Verify parses token and returns the principal it names
func (v *TokenVerifier) Verify(token string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.UserID == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing user or tenant claim", ErrInvalidToken)
	}

	return &Principal{
		UserID:   claims.UserID,
		TenantID: claims.TenantID,
		Email:    claims.Email,
		StoreIDs: claims.StoreIDs,
	}, nil
}

// Issue signs a token for p that expires after ttl
func (v *TokenVerifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		UserID:   p.UserID,
		TenantID: p.TenantID,
		Email:    p.Email,
		StoreIDs: p.StoreIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
