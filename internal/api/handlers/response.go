package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/nikhilbhutani/whisperapi/internal/sanitize"
)

// encodeResult is swapped in tests.
var encodeResult = sanitize.JSON

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeRaw sends an already encoded JSON body.
func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// writeSanitized encodes v through the sanitizer. The sanitizer's fallback
// body is an error and goes out as a 500.
func writeSanitized(w http.ResponseWriter, status int, v any) {
	body := encodeResult(v)
	if bytes.Equal(body, sanitize.Fallback) {
		status = http.StatusInternalServerError
	}
	writeRaw(w, status, body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
