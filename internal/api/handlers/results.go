package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/nikhilbhutani/whisperapi/internal/storage"
)

type ResultHandler struct {
	store  storage.Storage
	logger *slog.Logger
}

func NewResultHandler(store storage.Storage, logger *slog.Logger) *ResultHandler {
	return &ResultHandler{store: store, logger: logger}
}

// Download serves a transcript copy named in a result_file field.
func (h *ResultHandler) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rc, err := h.store.Download(r.Context(), name)
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "Invalid result file name")
		return
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "Result file not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("send result file", "name", name, "error", err)
	}
}
