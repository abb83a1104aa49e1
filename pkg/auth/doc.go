// Package auth turns a bearer token into a verified Principal.
//
// Tokens are HS256 JWTs whose claims carry the user id, the tenant id and
// the stores the user works in. A verified Principal is the only source of
// the tenant id used to pick a tenant data handle, so an unverified token
// never reaches tenant resolution.
//
//	verifier := auth.NewTokenVerifier(secret, "shopkeep", 30*time.Second)
//	principal, err := verifier.Verify(token)
package auth
