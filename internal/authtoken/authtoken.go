// Package authtoken reads identity claims from the bearer token the client
// presents to the server.
//
// Signatures are not verified here. The server is authoritative; the client
// only needs to know which user it is and roughly when the token lapses.
package authtoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dealistaan/chatsync/pkg/types"
	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned for tokens that are not JWTs.
var ErrMalformed = errors.New("malformed token")

// userIDClaims lists the claims that may carry the user id, in order of
// preference.
var userIDClaims = []string{"id", "userId", "_id", "user", "sub"}

// Claims are the fields the client uses.
type Claims struct {
	UserID    types.PeerID
	ExpiresAt time.Time
}

// Expired reports whether the token's expiry is at or before now. Tokens
// without an expiry never expire.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Parse extracts claims from token without verifying it.
func Parse(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty", ErrMalformed)
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var out Claims
	for _, key := range userIDClaims {
		if s, ok := mc[key].(string); ok && s != "" {
			out.UserID = types.PeerID(s)
			break
		}
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
