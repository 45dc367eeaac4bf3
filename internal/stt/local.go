package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nikhilbhutani/whisperapi/internal/models"
)

// LocalConfig holds configuration for a self-hosted Whisper server.
type LocalConfig struct {
	BaseURL string // default: "http://localhost:8178"
}

// StatusError is returned when the server answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transcription failed (status %d): %s", e.StatusCode, e.Body)
}

// LocalProvider talks to an OpenAI-compatible Whisper server (whisper.cpp
// server, faster-whisper) and forwards every decoding parameter as a form
// field. Servers ignore the fields they do not know.
type LocalProvider struct {
	baseURL    string
	httpClient *http.Client
}

func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:8178"
	}
	// no client timeout: the transcription deadline arrives through ctx
	return &LocalProvider{baseURL: baseURL, httpClient: &http.Client{}}
}

func (l *LocalProvider) Name() string { return "local-whisper" }

// Transcribe uploads the WAV and returns the server's JSON verbatim. Numbers
// are kept as json.Number so nothing is lost before sanitizing.
func (l *LocalProvider) Transcribe(ctx context.Context, req Request) (map[string]any, error) {
	f, err := os.Open(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", filepath.Base(req.FilePath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err = io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	for _, field := range formFields(req) {
		if err := mw.WriteField(field[0], field[1]); err != nil {
			return nil, fmt.Errorf("write field %s: %w", field[0], err)
		}
	}
	if err = mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	endpoint := "/audio/transcriptions"
	if req.Params.Task == models.TaskTranslate {
		endpoint = "/audio/translations"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+endpoint, &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := l.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func formFields(req Request) [][2]string {
	p := req.Params
	fields := [][2]string{
		{"model", req.ModelID},
		{"response_format", "verbose_json"},
		{"task", p.Task},
		{"condition_on_previous_text", strconv.FormatBool(p.ConditionOnPreviousText)},
		{"no_speech_threshold", formatFloat(p.NoSpeechThreshold)},
		{"hallucination_silence_threshold", formatFloat(p.HallucinationSilenceThreshold)},
		{"word_timestamps", strconv.FormatBool(p.WordTimestamps)},
	}
	if p.Language != "" {
		fields = append(fields, [2]string{"language", p.Language})
	}
	if p.InitialPrompt != "" {
		fields = append(fields, [2]string{"prompt", p.InitialPrompt})
	}
	if p.WordTimestamps {
		fields = append(fields,
			[2]string{"timestamp_granularities[]", "word"},
			[2]string{"timestamp_granularities[]", "segment"},
		)
	}
	return fields
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
