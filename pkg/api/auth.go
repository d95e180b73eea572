package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AuthConfig holds the credentials accepted by the HTTP API.
type AuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys map[string]bool   // Bearer or X-API-Key tokens
}

// publicPaths are served without credentials so probes and scrapers keep
// working when auth is enabled.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware rejects requests that carry neither valid Basic
// credentials nor a known API key.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || cfg.allows(r) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Debug("API request denied",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Basic realm="xdplb API"`)
		writeJSON(w, http.StatusUnauthorized, Response{
			Success: false,
			Error:   "authentication required",
		})
	})
}

func (c AuthConfig) allows(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" && c.APIKeys[key] {
		return true
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return c.APIKeys[token]
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	want, exists := c.Users[user]
	return exists && subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
}
