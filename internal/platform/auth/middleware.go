package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sheetsync-labs/sheetsync-go/internal/platform/httpserver"
)

type AuthorizeFunc func(r *http.Request, id Identity) error

// Middleware authenticates every request outside SkipPaths. A nil
// Authenticator lets everything through.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	SkipPaths     []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	if m.Authenticator == nil {
		return next
	}
	skip := make(map[string]struct{}, len(m.SkipPaths))
	for _, p := range m.SkipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		id, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthorized"
			}
			m.deny(r, http.StatusUnauthorized, reason, err)
			w.Header().Set("WWW-Authenticate", "Bearer")
			httpserver.WriteError(w, r, http.StatusUnauthorized, reason, "")
			return
		}
		if m.Authorize != nil {
			if err := m.Authorize(r, id); err != nil {
				m.deny(r, http.StatusForbidden, "forbidden", err, "subject", id.Subject)
				httpserver.WriteError(w, r, http.StatusForbidden, "forbidden", "")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

func (m Middleware) deny(r *http.Request, status int, reason string, err error, extra ...any) {
	if m.Logger == nil {
		return
	}
	fields := []any{
		"component", "auth",
		"reason", reason,
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
		"error", err.Error(),
	}
	m.Logger.Warn("request denied", append(fields, extra...)...)
}
