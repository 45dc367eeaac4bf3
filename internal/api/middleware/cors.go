package middleware

import (
	"net/http"
	"strings"
)

// CORS allows browser front ends listed in allowedOrigins. Listed origins are
// echoed and may send credentials; "*" allows any other origin without them.
func CORS(allowedOrigins []string, apiKeyHeader string) func(http.Handler) http.Handler {
	originsSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = true
	}
	allowAll := originsSet["*"]

	allowHeaders := []string{"Accept", "Content-Type", "X-Request-Id"}
	if apiKeyHeader != "" {
		allowHeaders = append(allowHeaders, apiKeyHeader)
	}
	allowHeadersValue := strings.Join(allowHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case origin == "":
			case origin != "*" && originsSet[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Add("Vary", "Origin")

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", allowHeadersValue)
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
