// Package auth guards endpoints with an optional static API key.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

const DefaultHeader = "X-API-Key"

type APIKeyMiddleware struct {
	key        []byte
	headerName string
}

// NewAPIKeyMiddleware returns a middleware that requires key in headerName.
// An empty key leaves every request through, which is meant for local use.
func NewAPIKeyMiddleware(key, headerName string) *APIKeyMiddleware {
	if headerName == "" {
		headerName = DefaultHeader
	}
	return &APIKeyMiddleware{key: []byte(key), headerName: headerName}
}

// Enabled reports whether a key is configured.
func (m *APIKeyMiddleware) Enabled() bool { return len(m.key) > 0 }

func (m *APIKeyMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		got := []byte(r.Header.Get(m.headerName))
		if subtle.ConstantTimeCompare(got, m.key) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": msg})
}
