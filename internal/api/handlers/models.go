package handlers

import (
	"net/http"

	"github.com/nikhilbhutani/whisperapi/internal/models"
)

// Models lists the public model keys in their fixed order.
func Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"supported_models": models.SupportedModels})
}
