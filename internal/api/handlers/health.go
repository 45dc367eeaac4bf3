package handlers

import (
	"context"
	"net/http"
	"os/exec"

	"github.com/nikhilbhutani/whisperapi/internal/config"
)

// Pinger is satisfied by the Redis result cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	redis      Pinger
	ffmpegPath string
}

// NewHealthHandler builds the health and readiness handler. redis may be nil when no cache
// is configured.
func NewHealthHandler(redis Pinger, ffmpegPath string) *HealthHandler {
	return &HealthHandler{redis: redis, ffmpegPath: ffmpegPath}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": config.Version})
}

// Readyz reports whether the service can take work right now.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}

	if _, err := exec.LookPath(h.ffmpegPath); err != nil {
		checks["ffmpeg"] = "unhealthy: " + err.Error()
	} else {
		checks["ffmpeg"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Ping(r.Context()); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, status, map[string]any{"status": statusStr(status), "checks": checks})
}

func statusStr(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "unhealthy"
}
