package stt

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nikhilbhutani/whisperapi/internal/models"
)

// OpenAIConfig holds configuration for the OpenAI Whisper backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // default: "https://api.openai.com/v1"
}

// OpenAIProvider transcribes through the OpenAI audio API or any server
// that speaks it.
type OpenAIProvider struct {
	client *openai.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(oc)}
}

func (p *OpenAIProvider) Name() string { return "openai-whisper" }

// Transcribe runs a transcription or translation. The hosted API has no
// no_speech_threshold knob, so silent segments are filtered afterwards.
// condition_on_previous_text and hallucination_silence_threshold are only
// echoed back by the caller.
func (p *OpenAIProvider) Transcribe(ctx context.Context, req Request) (map[string]any, error) {
	areq := openai.AudioRequest{
		Model:    req.ModelID,
		FilePath: req.FilePath,
		Prompt:   req.Params.InitialPrompt,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}
	if req.Params.WordTimestamps {
		areq.TimestampGranularities = []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
			openai.TranscriptionTimestampGranularitySegment,
		}
	}

	var (
		resp openai.AudioResponse
		err  error
	)
	if req.Params.Task == models.TaskTranslate {
		resp, err = p.client.CreateTranslation(ctx, areq)
	} else {
		areq.Language = req.Params.Language
		resp, err = p.client.CreateTranscription(ctx, areq)
	}
	if err != nil {
		return nil, fmt.Errorf("openai %s: %w", req.Params.Task, err)
	}

	segs := make([]models.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segs = append(segs, models.Segment{
			ID:               s.ID,
			Seek:             s.Seek,
			Start:            s.Start,
			End:              s.End,
			Text:             s.Text,
			Tokens:           s.Tokens,
			Temperature:      s.Temperature,
			AvgLogprob:       s.AvgLogprob,
			CompressionRatio: s.CompressionRatio,
			NoSpeechProb:     s.NoSpeechProb,
		})
	}
	segs, dropped := dropSilentSegments(segs, req.Params.NoSpeechThreshold)

	text := resp.Text
	if len(dropped) > 0 {
		text = joinText(segs)
	}

	if req.Params.WordTimestamps {
		words := make([]models.Word, 0, len(resp.Words))
		for _, w := range resp.Words {
			words = append(words, models.Word{Word: w.Word, Start: w.Start, End: w.End})
		}
		attachWords(segs, wordsOutside(words, dropped))
	}

	out := map[string]any{
		"text":     text,
		"language": resp.Language,
		"segments": segs,
	}
	if resp.Duration > 0 {
		out["duration"] = resp.Duration
	}
	return out, nil
}
