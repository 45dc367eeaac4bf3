// Package params resolves per-request transcription parameters against the
// process-wide defaults.
package params

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"

	"github.com/nikhilbhutani/whisperapi/internal/config"
	"github.com/nikhilbhutani/whisperapi/internal/models"
)

// ErrValidation matches every error returned by Resolve.
var ErrValidation = errors.New("validation error")

// ParseError reports a form value that is not a number.
type ParseError struct {
	Field string
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s must be a number, got %q", e.Field, e.Value)
}

func (e *ParseError) Is(target error) bool { return target == ErrValidation }

// RangeError reports a value outside its allowed interval.
type RangeError struct {
	Field string
	Value float64
	Rule  string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %s, got %v", e.Field, e.Rule, e.Value)
}

func (e *RangeError) Is(target error) bool { return target == ErrValidation }

// ChoiceError reports a value outside an enumerated set.
type ChoiceError struct {
	Field   string
	Value   string
	Allowed []string
}

func (e *ChoiceError) Error() string {
	return fmt.Sprintf("Unsupported %s %q. Supported: %s", e.Field, e.Value, strings.Join(e.Allowed, ", "))
}

func (e *ChoiceError) Is(target error) bool { return target == ErrValidation }

// Overrides holds the raw form values of one request. A nil field was not sent.
type Overrides struct {
	Language                      *string
	Task                          *string
	Model                         *string
	WordTimestamps                *string
	ConditionOnPreviousText       *string
	NoSpeechThreshold             *string
	HallucinationSilenceThreshold *string
	InitialPrompt                 *string
	RemoveSilence                 *string
	SilenceThreshold              *string
	SilenceDuration               *string
}

// Resolve merges overrides with defaults. A field that is absent or blank
// takes the default; a present field is parsed and validated, never silently
// replaced.
func Resolve(o Overrides, d config.Defaults) (models.TranscriptionParams, error) {
	p := models.TranscriptionParams{
		Language:                normalizeLanguage(pick(o.Language, d.Language)),
		Task:                    strings.ToLower(pick(o.Task, d.Task)),
		Model:                   strings.ToLower(pick(o.Model, d.Model)),
		WordTimestamps:          resolveBool(o.WordTimestamps, d.WordTimestamps),
		ConditionOnPreviousText: resolveBool(o.ConditionOnPreviousText, d.ConditionOnPreviousText),
		InitialPrompt:           pickText(o.InitialPrompt, d.InitialPrompt),
		RemoveSilence:           resolveBool(o.RemoveSilence, d.RemoveSilence),
	}

	if p.Task != models.TaskTranscribe && p.Task != models.TaskTranslate {
		return models.TranscriptionParams{}, &ChoiceError{
			Field:   "task",
			Value:   p.Task,
			Allowed: []string{models.TaskTranscribe, models.TaskTranslate},
		}
	}
	if !models.IsSupportedModel(p.Model) {
		return models.TranscriptionParams{}, &ChoiceError{Field: "model", Value: p.Model, Allowed: models.SupportedModels}
	}

	var err error
	if p.NoSpeechThreshold, err = resolveFloat("no_speech_threshold", o.NoSpeechThreshold, d.NoSpeechThreshold); err != nil {
		return models.TranscriptionParams{}, err
	}
	if p.HallucinationSilenceThreshold, err = resolveFloat("hallucination_silence_threshold", o.HallucinationSilenceThreshold, d.HallucinationSilenceThreshold); err != nil {
		return models.TranscriptionParams{}, err
	}
	if p.SilenceThreshold, err = resolveFloat("silence_threshold", o.SilenceThreshold, d.SilenceThreshold); err != nil {
		return models.TranscriptionParams{}, err
	}
	if p.SilenceDuration, err = resolveFloat("silence_duration", o.SilenceDuration, d.SilenceDuration); err != nil {
		return models.TranscriptionParams{}, err
	}

	if err := checkRanges(p); err != nil {
		return models.TranscriptionParams{}, err
	}
	return p, nil
}

func checkRanges(p models.TranscriptionParams) error {
	if p.NoSpeechThreshold < 0 || p.NoSpeechThreshold > 1 {
		return &RangeError{Field: "no_speech_threshold", Value: p.NoSpeechThreshold, Rule: "must be within [0.0, 1.0]"}
	}
	if p.HallucinationSilenceThreshold < 0 || p.HallucinationSilenceThreshold > 1 {
		return &RangeError{Field: "hallucination_silence_threshold", Value: p.HallucinationSilenceThreshold, Rule: "must be within [0.0, 1.0]"}
	}
	if p.SilenceThreshold > 0 {
		return &RangeError{Field: "silence_threshold", Value: p.SilenceThreshold, Rule: "is in dB and must be <= 0"}
	}
	if p.SilenceDuration <= 0 {
		return &RangeError{Field: "silence_duration", Value: p.SilenceDuration, Rule: "must be > 0 seconds"}
	}
	return nil
}

// ParseBool reports true only for "true" in any letter case.
func ParseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

func resolveBool(v *string, fallback bool) bool {
	if !present(v) {
		return fallback
	}
	return ParseBool(*v)
}

func resolveFloat(field string, v *string, fallback float64) (float64, error) {
	if !present(v) {
		return fallback, nil
	}
	raw := strings.TrimSpace(*v)
	f, err := cast.ToFloat64E(raw)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ParseError{Field: field, Value: raw}
	}
	return f, nil
}

func present(v *string) bool {
	return v != nil && strings.TrimSpace(*v) != ""
}

func pick(v *string, fallback string) string {
	if !present(v) {
		return strings.TrimSpace(fallback)
	}
	return strings.TrimSpace(*v)
}

// pickText keeps inner whitespace of free-text fields.
func pickText(v *string, fallback string) string {
	if !present(v) {
		return fallback
	}
	return *v
}

// normalizeLanguage maps "auto" and empty language to auto-detect.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return strings.ToLower(lang)
}
