package frontend

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/driftdb/driftdb/pkg/drifterr"
	"github.com/driftdb/driftdb/pkg/types"
)

// claims is the expected shape of an AUTH token's body: a user id and the
// role set driving pkg/interceptor's authorize checks.
type claims struct {
	jwt.RegisteredClaims
	UserID string   `json:"uid"`
	Roles  []string `json:"roles"`
}

// TokenVerifier validates a client's AUTH token and extracts the
// principal it authenticates. NewHMACVerifier wraps the common case;
// callers with their own key source can implement the interface directly.
type TokenVerifier interface {
	Verify(token string) (types.Principal, error)
}

// hmacVerifier verifies HS256-signed tokens against a shared secret, the
// simplest case the core recognizes; a deployment wanting RS256/JWKS can
// swap in its own TokenVerifier.
type hmacVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a TokenVerifier for HS256 tokens signed with
// secret.
func NewHMACVerifier(secret []byte) TokenVerifier {
	return &hmacVerifier{secret: secret}
}

func (v *hmacVerifier) Verify(token string) (types.Principal, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("frontend: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return types.Principal{}, fmt.Errorf("frontend: verify token: %w", drifterr.ErrAuth)
	}
	return types.Principal{UserID: c.UserID, Roles: c.Roles}, nil
}
