// Package stt holds the speech-to-text backends a transcription can run on.
package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/nikhilbhutani/whisperapi/internal/config"
	"github.com/nikhilbhutani/whisperapi/internal/models"
)

// Request is one transcription call against a backend.
type Request struct {
	FilePath string
	// ModelID is the backend-specific model identifier resolved from the
	// public model key.
	ModelID string
	Params  models.TranscriptionParams
}

// Provider is the interface for speech-to-text backends. The returned map is
// the backend's raw output and may hold values that do not marshal cleanly.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (map[string]any, error)
	Name() string
}

// NewProvider builds the backend selected by cfg.Backend.
func NewProvider(cfg config.STTConfig) (Provider, error) {
	switch cfg.Backend {
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{APIKey: cfg.OpenAIKey, BaseURL: cfg.OpenAIBaseURL}), nil
	case "local":
		return NewLocalProvider(LocalConfig{BaseURL: cfg.LocalBaseURL}), nil
	default:
		return nil, fmt.Errorf("unknown stt backend %q", cfg.Backend)
	}
}

// logprobThreshold mirrors Whisper's default: a segment is only treated as
// silence when the decoder was also unsure of it.
const logprobThreshold = -1.0

// dropSilentSegments removes segments the model flagged as probable
// non-speech and renumbers the rest. The removed segments are returned so
// their words and text can be discarded too.
func dropSilentSegments(segs []models.Segment, noSpeechThreshold float64) (kept, dropped []models.Segment) {
	kept = make([]models.Segment, 0, len(segs))
	for _, s := range segs {
		if s.NoSpeechProb > noSpeechThreshold && s.AvgLogprob < logprobThreshold {
			dropped = append(dropped, s)
			continue
		}
		s.ID = len(kept)
		kept = append(kept, s)
	}
	return kept, dropped
}

// wordsOutside filters out words starting inside any of the given segments.
func wordsOutside(words []models.Word, segs []models.Segment) []models.Word {
	if len(segs) == 0 {
		return words
	}
	out := make([]models.Word, 0, len(words))
	for _, w := range words {
		inside := false
		for _, s := range segs {
			if w.Start >= s.Start && w.Start < s.End {
				inside = true
				break
			}
		}
		if !inside {
			out = append(out, w)
		}
	}
	return out
}

// joinText rebuilds a transcript from segment texts.
func joinText(segs []models.Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// attachWords assigns each word to the segment its start time falls in.
// Words past the last segment end go to the last segment.
func attachWords(segs []models.Segment, words []models.Word) {
	if len(segs) == 0 {
		return
	}
	i := 0
	for _, w := range words {
		for i < len(segs)-1 && w.Start >= segs[i].End {
			i++
		}
		segs[i].Words = append(segs[i].Words, w)
	}
}
