// Package auth inspects bearer tokens locally. Token issuance and
// verification are the server's job; the client only needs to know
// whether a cached token is worth presenting at all.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// unverifiedParser decodes claims without checking the signature. The
// client has no signing key; it only reads the expiry claim to decide
// whether to purge a stale token before the server rejects it.
var unverifiedParser = jwt.NewParser(jwt.WithoutClaimsValidation())

// ExpiresAt returns the expiry time encoded in the token's exp claim.
// Returns an error when the token cannot be decoded or carries no expiry.
func ExpiresAt(token string) (time.Time, error) {
	parsed, _, err := unverifiedParser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("decoding token: %w", err)
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading exp claim: %w", err)
	}

	if exp == nil {
		return time.Time{}, fmt.Errorf("token has no expiry claim")
	}

	return exp.Time, nil
}

// Expired reports whether the token is expired or undecodable. An
// undecodable token is treated as expired so callers purge it rather
// than presenting garbage to the server.
func Expired(token string) bool {
	exp, err := ExpiresAt(token)
	if err != nil {
		return true
	}

	return !exp.After(time.Now())
}
