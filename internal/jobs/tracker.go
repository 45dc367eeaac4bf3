// Package jobs keeps the in-memory lifecycle record of every transcription
// request served by this process.
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/whisperapi/internal/models"
)

// ErrNotFound is returned for identifiers the tracker never issued.
var ErrNotFound = errors.New("job not found")

// ErrInvalidTransition is returned when a status change would move backwards
// or leave a terminal state.
var ErrInvalidTransition = errors.New("invalid job transition")

// Tracker is an explicitly owned job store. Records live for the lifetime of
// the process; there is no persistence.
type Tracker struct {
	mu    sync.RWMutex
	jobs  map[string]*models.Job
	now   func() time.Time
	newID func() string
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		jobs:  make(map[string]*models.Job),
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
}

// Create stores a pending record and returns its fresh identifier.
func (t *Tracker) Create(params models.TranscriptionParams, filename string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.newID()
	for t.jobs[id] != nil {
		id = t.newID()
	}

	now := t.now()
	t.jobs[id] = &models.Job{
		ID:        id,
		Status:    models.JobStatusPending,
		Filename:  filename,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id
}

// MarkProcessing moves a pending job to processing.
func (t *Tracker) MarkProcessing(id string) error {
	return t.transition(id, models.JobStatusProcessing, func(*models.Job) {})
}

// MarkCompleted records the result of a job.
func (t *Tracker) MarkCompleted(id string, result map[string]any) error {
	return t.transition(id, models.JobStatusCompleted, func(j *models.Job) {
		j.Result = result
	})
}

// MarkFailed records the failure cause of a job.
func (t *Tracker) MarkFailed(id string, cause error) error {
	return t.transition(id, models.JobStatusFailed, func(j *models.Job) {
		if cause != nil {
			j.Error = cause.Error()
		}
	})
}

// Get returns a snapshot of a job.
func (t *Tracker) Get(id string) (models.Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	j, ok := t.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *j, nil
}

// Len reports how many jobs have been created.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

func (t *Tracker) transition(id string, to models.JobStatus, apply func(*models.Job)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !isValidTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}

	apply(j)
	now := t.now()
	j.Status = to
	j.UpdatedAt = now
	if to.Terminal() {
		j.CompletedAt = &now
	}
	return nil
}

// isValidTransition enforces pending -> processing -> completed|failed. A job
// may fail before it starts processing.
func isValidTransition(from, to models.JobStatus) bool {
	switch from {
	case models.JobStatusPending:
		return to == models.JobStatusProcessing || to == models.JobStatusFailed
	case models.JobStatusProcessing:
		return to == models.JobStatusCompleted || to == models.JobStatusFailed
	default:
		return false
	}
}
