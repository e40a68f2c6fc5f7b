package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// APIKeyAuth guards the /v1 routes with a single shared key.
type APIKeyAuth struct {
	key    []byte
	logger *slog.Logger
}

// NewAPIKeyAuth creates the guard. An empty key lets every request through.
func NewAPIKeyAuth(key string, logger *slog.Logger) *APIKeyAuth {
	return &APIKeyAuth{key: []byte(key), logger: logger}
}

// Enabled reports whether a key is configured.
func (a *APIKeyAuth) Enabled() bool { return len(a.key) > 0 }

// Middleware accepts the key from X-API-Key or an Authorization bearer
// token. A missing key gets 401, a wrong one 403.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := requestKey(r)
		if presented == "" {
			a.logger.Warn("request without api key", "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing_api_key", "API key is required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), a.key) != 1 {
			a.logger.Warn("request with invalid api key", "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusForbidden, "authentication_error", "invalid_api_key", "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
