// Package middleware holds HTTP middleware backed by the auth gate.
package middleware

import (
	"net/http"
	"strings"

	"session-control-plane/backend/internal/authgate"
	"session-control-plane/backend/internal/server/httpjson"
)

const bearerPrefix = "bearer "

// Auth wraps handlers with session authentication and permission checks.
type Auth struct {
	gate *authgate.Gate
}

// NewAuth returns middleware backed by gate.
func NewAuth(gate *authgate.Gate) *Auth {
	return &Auth{gate: gate}
}

// Require rejects requests without a live session with 401 and attaches the principal otherwise.
func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.gate.Authenticate(r.Context(), BearerToken(r))
		if err != nil {
			httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(authgate.WithPrincipal(r.Context(), p)))
	})
}

// Optional attaches the principal when the request authenticates and otherwise proceeds
// anonymously.
func (a *Auth) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token != "" {
			if p, err := a.gate.Authenticate(r.Context(), token); err == nil {
				r = r.WithContext(authgate.WithPrincipal(r.Context(), p))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission rejects with 403 unless the principal holds permission. When targetParam
// is set, the path value it names is the session being acted on. Must run after Require;
// a missing principal is 401.
func (a *Auth) RequirePermission(permission, targetParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := authgate.PrincipalFrom(r.Context())
			if !ok {
				httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			var target string
			if targetParam != "" {
				target = r.PathValue(targetParam)
			}
			if err := a.gate.AuthorizeTarget(r.Context(), p, permission, target); err != nil {
				httpjson.Error(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Protect is Require followed by RequirePermission.
func (a *Auth) Protect(permission, targetParam string, h http.Handler) http.Handler {
	return a.Require(a.RequirePermission(permission, targetParam)(h))
}

// BearerToken returns the token from the Authorization header, or "" if missing or malformed.
func BearerToken(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
