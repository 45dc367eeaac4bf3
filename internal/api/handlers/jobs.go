package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nikhilbhutani/whisperapi/internal/jobs"
)

type JobHandler struct {
	tracker *jobs.Tracker
}

func NewJobHandler(tracker *jobs.Tracker) *JobHandler {
	return &JobHandler{tracker: tracker}
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.tracker.Get(chi.URLParam(r, "job_id"))
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSanitized(w, http.StatusOK, job)
}
