package middleware

import (
	"net"
	"net/http"
	"strings"
)

// RequireSecure rejects requests that did not arrive over TLS. A request
// counts as secure when it was served over TLS, when a trusted proxy reports
// X-Forwarded-Proto https, or when the client itself is on a loopback
// address. Behind a trusted proxy the client is the forwarded address, not
// the proxy's socket.
func RequireSecure(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsSecure(r, trustProxy) {
				writeError(w, http.StatusForbidden, "https required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func IsSecure(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	if trustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	ip := net.ParseIP(RealIP(r, trustProxy))
	return ip != nil && ip.IsLoopback()
}
