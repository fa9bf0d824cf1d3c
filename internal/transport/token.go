package transport

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// bearerExpired reports whether the bearer token is a JWT whose expiry has
// already passed. Signature verification is the backend's job; the client
// only reads the expiry claim to fail fast instead of issuing a doomed
// request. Opaque (non-JWT) tokens are never treated as expired here.
func bearerExpired(token string, now time.Time) (bool, time.Time) {
	if strings.Count(token, ".") != 2 {
		return false, time.Time{}
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false, time.Time{}
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return false, time.Time{}
	}
	if expiry.Time.After(now) {
		return false, time.Time{}
	}
	return true, expiry.Time
}
