// Package auth guards the operator API with bearer tokens: OIDC ID tokens or
// a static token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sheetsync-labs/sheetsync-go/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeToken    Mode = "token"
	ModeDisabled Mode = "disabled"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	StaticToken string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("SHEETSYNC_AUTH_MODE", string(ModeDisabled))))
	token, err := env.Secret("SHEETSYNC_API_TOKEN", "")
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:          Mode(modeRaw),
		RolesClaim:    env.String("SHEETSYNC_AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("SHEETSYNC_AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL: env.String("OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("OIDC_CLIENT_ID", ""),
		StaticToken:   token,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("OIDC_ISSUER_URL is required when SHEETSYNC_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("OIDC_CLIENT_ID is required when SHEETSYNC_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.RolesClaim) == "" {
			return errors.New("SHEETSYNC_AUTH_ROLES_CLAIM is required")
		}
	case ModeToken:
		if len(strings.TrimSpace(c.StaticToken)) < 16 {
			return errors.New("SHEETSYNC_API_TOKEN must be at least 16 characters when SHEETSYNC_AUTH_MODE=token")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("SHEETSYNC_AUTH_MODE must be one of: oidc, token, disabled (got %q)", c.Mode)
	}
	return nil
}

type Identity struct {
	Subject string   `json:"subject"`
	Email   string   `json:"email,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// New builds the authenticator for the configured mode; disabled mode
// returns nil.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	case ModeToken:
		return NewTokenAuthenticator(cfg.StaticToken)
	default:
		return nil, nil
	}
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return id, ok
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
