package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCAuthenticator accepts ID tokens issued for the configured client.
type OIDCAuthenticator struct {
	verifier   *oidc.IDTokenVerifier
	rolesClaim string
	emailClaim string
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return NewOIDCAuthenticatorWithVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}), cfg), nil
}

func NewOIDCAuthenticatorWithVerifier(verifier *oidc.IDTokenVerifier, cfg Config) *OIDCAuthenticator {
	return &OIDCAuthenticator{verifier: verifier, rolesClaim: cfg.RolesClaim, emailClaim: cfg.EmailClaim}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	token, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, fmt.Errorf("verify id token: %w", err)
	}
	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("decode claims: %w", err)
	}
	return identityFromClaims(claims, a.emailClaim, a.rolesClaim), nil
}

func identityFromClaims(claims map[string]any, emailClaim, rolesClaim string) Identity {
	id := Identity{}
	id.Subject, _ = claims["sub"].(string)
	id.Email, _ = claims[emailClaim].(string)
	switch v := claims[rolesClaim].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				id.Roles = appendRole(id.Roles, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			id.Roles = appendRole(id.Roles, s)
		}
	}
	return id
}

func appendRole(roles []string, raw string) []string {
	role := strings.ToLower(strings.TrimSpace(raw))
	if role == "" {
		return roles
	}
	return append(roles, role)
}
