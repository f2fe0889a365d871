package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tutorwise/signals/internal/config"
	"go.uber.org/zap"
)

const (
	AuthHeaderName = "X-API-Key"
	AuthQueryParam = "api_key"
)

// AuthMiddleware guards the reporting and admin surface with a shared key.
// Browser-facing ingest paths are normally listed in SkipPaths. The key is
// accepted as X-API-Key, as an Authorization bearer token, or as the
// api_key query parameter.
type AuthMiddleware struct {
	enabled bool
	key     []byte
	skip    []string
	logger  *zap.Logger
}

func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	skip := make([]string, 0, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		if p = strings.TrimSuffix(p, "/"); p != "" {
			skip = append(skip, p)
		}
	}
	return &AuthMiddleware{
		enabled: cfg.Enabled,
		key:     []byte(cfg.MasterKey),
		skip:    skip,
		logger:  logger,
	}
}

func (a *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled || a.skipped(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := presentedKey(r)
		switch {
		case key == "":
			deny(w, "missing API key")
		case subtle.ConstantTimeCompare([]byte(key), a.key) != 1:
			a.logger.Warn("rejected API key",
				zap.String("request_id", RequestIDFrom(r.Context())),
				zap.String("path", r.URL.Path),
				zap.String("client_ip", ClientIP(r)),
			)
			deny(w, "invalid API key")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// skipped matches a skip entry exactly or as a whole path segment prefix,
// so "/events" covers "/events/x" but not "/eventsx".
func (a *AuthMiddleware) skipped(path string) bool {
	for _, s := range a.skip {
		if path == s || strings.HasPrefix(path, s+"/") {
			return true
		}
	}
	return false
}

func presentedKey(r *http.Request) string {
	if k := r.Header.Get(AuthHeaderName); k != "" {
		return k
	}
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get(AuthQueryParam)
}

func deny(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="signals"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
