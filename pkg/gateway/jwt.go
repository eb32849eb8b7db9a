package gateway

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned by ValidateToken for a token whose signature
// or expiry claim fails verification.
var ErrInvalidToken = errors.New("gateway: invalid or expired token")

type tokenClaims struct {
	jwt.RegisteredClaims
}

// IssueToken mints a signed JWT bearer token for subject and registers it
// in g's own token store with the same TTL, so AuthorizeRequest accepts
// it exactly as it would a statically configured token. The JWT's exp
// claim is a cryptographically verifiable copy of that same expiry;
// AuthorizeRequest's lazy-expiry check against its in-memory token store
// remains the authoritative gate for whether the token is still live.
// ttlMs of 0 mints a token with no expiry claim, matching AddToken's
// treatment of a zero TTL as "never expires".
func (g *Gateway) IssueToken(subject string, ttlMs uint64, signingKey []byte) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttlMs > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Duration(ttlMs) * time.Millisecond))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		return "", err
	}
	g.AddToken(signed, ttlMs)
	return signed, nil
}

// ValidateToken verifies tokenString's signature and expiry claim against
// signingKey and returns the subject it was issued for. This check is
// independent of the gateway's token store: it is a standalone
// cryptographic verification a caller can run without holding a
// reference to the issuing Gateway (e.g. a downstream service validating
// a token minted elsewhere).
func ValidateToken(tokenString string, signingKey []byte) (subject string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return signingKey, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*tokenClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
