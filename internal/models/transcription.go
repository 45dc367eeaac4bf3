package models

import (
	"slices"
	"time"
)

// SupportedModels is the fixed, ordered set of public model keys.
var SupportedModels = []string{"tiny", "base", "small", "medium", "turbo", "large"}

func IsSupportedModel(key string) bool {
	return slices.Contains(SupportedModels, key)
}

const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

// TranscriptionParams is the effective set of decoding parameters for one request.
type TranscriptionParams struct {
	Language                      string  `json:"language"` // empty means auto-detect
	Task                          string  `json:"task"`
	Model                         string  `json:"model"`
	WordTimestamps                bool    `json:"word_timestamps"`
	ConditionOnPreviousText       bool    `json:"condition_on_previous_text"`
	NoSpeechThreshold             float64 `json:"no_speech_threshold"`
	HallucinationSilenceThreshold float64 `json:"hallucination_silence_threshold"`
	InitialPrompt                 string  `json:"initial_prompt"`
	RemoveSilence                 bool    `json:"remove_silence"`
	SilenceThreshold              float64 `json:"silence_threshold"` // dB
	SilenceDuration               float64 `json:"silence_duration"`  // seconds
}

// Segment is a time-bounded span of transcribed speech.
type Segment struct {
	ID               int     `json:"id"`
	Seek             int     `json:"seek"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	Tokens           []int   `json:"tokens"`
	Temperature      float64 `json:"temperature"`
	AvgLogprob       float64 `json:"avg_logprob"`
	CompressionRatio float64 `json:"compression_ratio"`
	NoSpeechProb     float64 `json:"no_speech_prob"`
	Words            []Word  `json:"words,omitempty"`
}

type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability,omitempty"`
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one transcription request's lifecycle record.
type Job struct {
	ID          string              `json:"job_id"`
	Status      JobStatus           `json:"status"`
	Filename    string              `json:"filename,omitempty"`
	Params      TranscriptionParams `json:"params"`
	Result      map[string]any      `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}
