package middleware

import (
	"net/http"
	"strings"

	"github.com/dukerupert/keygate/internal/auth"
)

type tokenVerifier interface {
	Verify(raw string) (auth.AuthContext, error)
}

// RequireAdmin validates the bearer token and populates AuthContext.
func RequireAdmin(tokens tokenVerifier) func(http.Handler) http.Handler {
	return requireAdmin(tokens, http.StatusUnauthorized)
}

// ForbidNonAdmin is RequireAdmin for the plugin-facing API, which answers
// every rejected request with 403.
func ForbidNonAdmin(tokens tokenVerifier) func(http.Handler) http.Handler {
	return requireAdmin(tokens, http.StatusForbidden)
}

func requireAdmin(tokens tokenVerifier, rejectStatus int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="keygate"`)
				writeError(w, rejectStatus, "missing bearer token")
				return
			}
			ac, err := tokens.Verify(raw)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="keygate", error="invalid_token"`)
				writeError(w, rejectStatus, "invalid token")
				return
			}
			if ac.Role != auth.RoleAdmin {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for websocket clients that cannot set
// headers.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", false
		}
		return strings.TrimSpace(token), true
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, true
	}
	return "", false
}
