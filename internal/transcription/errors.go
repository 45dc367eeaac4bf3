package transcription

import (
	"errors"
	"fmt"
)

var (
	// ErrTranscriptionFailed matches every *Error.
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrTranscriptionTimeout is wrapped when a call outlives its deadline.
	ErrTranscriptionTimeout = errors.New("transcription timed out")
	// ErrUnserializable is wrapped when a result cannot be turned into JSON.
	ErrUnserializable = errors.New("result could not be serialized")
)

// Error is a model-side failure for one job. It is never retried.
type Error struct {
	JobID string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcription failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrTranscriptionFailed }
