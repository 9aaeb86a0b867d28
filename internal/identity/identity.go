// Package identity derives the local user identity from the bearer
// token used against the chat backend.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrEmptyToken = errors.New("token is empty")

// Identity is the local user as asserted by the bearer token.
type Identity struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// tokenClaims is the internal claims type used for JWT parsing.
type tokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
}

// FromToken extracts the user identity from a bearer token. The token
// is parsed, not verified: signature checking is the server's job, the
// client only needs the asserted subject and expiry. The user ID comes
// from the userId claim, falling back to the standard subject.
func FromToken(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrEmptyToken
	}

	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, errors.New("token carries no user id")
	}

	ident := Identity{UserID: userID, Token: token}
	if claims.ExpiresAt != nil {
		ident.ExpiresAt = claims.ExpiresAt.Time
	}

	return ident, nil
}

// Expired reports whether the token expiry has passed. Tokens without
// an exp claim never expire client-side.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}
