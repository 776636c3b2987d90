package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// TokenAuthenticator accepts a single shared bearer token and grants admin.
type TokenAuthenticator struct {
	digest [sha256.Size]byte
}

func NewTokenAuthenticator(token string) (*TokenAuthenticator, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("static token is required")
	}
	return &TokenAuthenticator{digest: sha256.Sum256([]byte(token))}, nil
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	got := sha256.Sum256([]byte(raw))
	if subtle.ConstantTimeCompare(got[:], a.digest[:]) != 1 {
		return Identity{}, errors.New("token mismatch")
	}
	return Identity{Subject: "api-token", Roles: []string{RoleAdmin}}, nil
}
