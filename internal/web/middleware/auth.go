package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/datamorph/internal/config"
)

// APIKeyAuth rejects requests whose X-API-Key header does not match one of
// cfg.APIKeys. It passes everything through when cfg.RequireAPIKey is false,
// and rejects everything when it is true but no keys are configured.
func APIKeyAuth(cfg config.SecurityConfig) func(http.Handler) http.Handler {
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		if !cfg.RequireAPIKey {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				slog.Warn("auth: missing API key", "path", r.URL.Path, "method", r.Method)
				reject(w, http.StatusUnauthorized, "missing API key", "AUTH001")
				return
			}
			if !matchKey([]byte(key), keys) {
				slog.Warn("auth: invalid API key", "path", r.URL.Path, "method", r.Method)
				reject(w, http.StatusForbidden, "invalid API key", "AUTH002")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matchKey compares against every key so timing does not reveal which
// (if any) matched.
func matchKey(key []byte, keys [][]byte) bool {
	ok := 0
	for _, k := range keys {
		ok |= subtle.ConstantTimeCompare(key, k)
	}
	return ok == 1
}

func reject(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","code":"` + code + `"}`))
}
