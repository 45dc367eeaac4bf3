package stt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/whisperapi/internal/config"
	"github.com/nikhilbhutani/whisperapi/internal/models"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF....WAVE"), 0o644))
	return path
}

func TestLocalProviderForwardsParams(t *testing.T) {
	var form map[string][]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = r.MultipartForm.Value

		file, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "clip.wav", hdr.Filename)
		assert.Equal(t, "RIFF....WAVE", string(data))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" hello","language":"en","duration":1.5,"segments":[{"id":0,"start":0,"end":1.5,"text":" hello","avg_logprob":-0.2}]}`))
	}))
	defer srv.Close()

	p := NewLocalProvider(LocalConfig{BaseURL: srv.URL + "/"})
	out, err := p.Transcribe(context.Background(), Request{
		FilePath: writeAudio(t),
		ModelID:  "ggml-tiny.bin",
		Params: models.TranscriptionParams{
			Language:                      "en",
			Task:                          models.TaskTranscribe,
			WordTimestamps:                true,
			ConditionOnPreviousText:       false,
			NoSpeechThreshold:             0.4,
			HallucinationSilenceThreshold: 0.8,
			InitialPrompt:                 "Kubernetes, Terraform",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/audio/transcriptions", path)
	assert.Equal(t, []string{"ggml-tiny.bin"}, form["model"])
	assert.Equal(t, []string{"verbose_json"}, form["response_format"])
	assert.Equal(t, []string{"en"}, form["language"])
	assert.Equal(t, []string{"Kubernetes, Terraform"}, form["prompt"])
	assert.Equal(t, []string{"false"}, form["condition_on_previous_text"])
	assert.Equal(t, []string{"0.4"}, form["no_speech_threshold"])
	assert.Equal(t, []string{"0.8"}, form["hallucination_silence_threshold"])
	assert.Equal(t, []string{"word", "segment"}, form["timestamp_granularities[]"])

	assert.Equal(t, " hello", out["text"])
	assert.Equal(t, json.Number("1.5"), out["duration"])
	assert.Len(t, out["segments"], 1)
}

func TestLocalProviderTranslateAndAutoLanguage(t *testing.T) {
	var form map[string][]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = r.MultipartForm.Value
		_, _ = w.Write([]byte(`{"text":"hi"}`))
	}))
	defer srv.Close()

	p := NewLocalProvider(LocalConfig{BaseURL: srv.URL})
	_, err := p.Transcribe(context.Background(), Request{
		FilePath: writeAudio(t),
		Params:   models.TranscriptionParams{Task: models.TaskTranslate},
	})
	require.NoError(t, err)

	assert.Equal(t, "/audio/translations", path)
	assert.NotContains(t, form, "language")
	assert.NotContains(t, form, "prompt")
	assert.NotContains(t, form, "timestamp_granularities[]")
}

func TestLocalProviderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewLocalProvider(LocalConfig{BaseURL: srv.URL}).Transcribe(context.Background(), Request{FilePath: writeAudio(t)})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Contains(t, se.Error(), "model not loaded")
}

func TestLocalProviderMissingFile(t *testing.T) {
	_, err := NewLocalProvider(LocalConfig{}).Transcribe(context.Background(), Request{FilePath: filepath.Join(t.TempDir(), "gone.wav")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open audio file")
}

func TestOpenAIProviderShapesVerboseJSON(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = r.MultipartForm.Value

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"task": "transcribe",
			"language": "english",
			"duration": 4.0,
			"text": "hello world",
			"segments": [
				{"id": 0, "start": 0.0, "end": 1.0, "text": "", "avg_logprob": -1.5, "no_speech_prob": 0.9},
				{"id": 1, "start": 1.0, "end": 2.5, "text": "hello", "avg_logprob": -0.3, "no_speech_prob": 0.1},
				{"id": 2, "start": 2.5, "end": 4.0, "text": "world", "avg_logprob": -0.2, "no_speech_prob": 0.95}
			],
			"words": [
				{"word": "hello", "start": 1.1, "end": 1.6},
				{"word": "world", "start": 2.6, "end": 3.2}
			]
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	out, err := p.Transcribe(context.Background(), Request{
		FilePath: writeAudio(t),
		ModelID:  "whisper-1",
		Params: models.TranscriptionParams{
			Language:          "en",
			Task:              models.TaskTranscribe,
			WordTimestamps:    true,
			NoSpeechThreshold: 0.6,
			InitialPrompt:     "greeting",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"whisper-1"}, form["model"])
	assert.Equal(t, []string{"verbose_json"}, form["response_format"])
	assert.Equal(t, []string{"en"}, form["language"])
	assert.Equal(t, []string{"greeting"}, form["prompt"])

	assert.Equal(t, "hello world", out["text"])
	assert.Equal(t, 4.0, out["duration"])

	segs := out["segments"].([]models.Segment)
	require.Len(t, segs, 2, "only the confident-silence segment is dropped")
	assert.Equal(t, "hello", segs[0].Text)
	assert.Equal(t, 0, segs[0].ID)
	assert.Equal(t, "world", segs[1].Text)
	assert.Equal(t, 1, segs[1].ID)
	require.Len(t, segs[0].Words, 1)
	assert.Equal(t, "hello", segs[0].Words[0].Word)
	require.Len(t, segs[1].Words, 1)
	assert.Equal(t, "world", segs[1].Words[0].Word)
}

func TestOpenAIProviderTranslate(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"bonjour","language":"french","duration":0}`))
	}))
	defer srv.Close()

	out, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL}).Transcribe(context.Background(), Request{
		FilePath: writeAudio(t),
		ModelID:  "whisper-1",
		Params:   models.TranscriptionParams{Task: models.TaskTranslate},
	})
	require.NoError(t, err)
	assert.Equal(t, "/audio/translations", path)
	assert.Equal(t, "bonjour", out["text"])
	assert.NotContains(t, out, "duration")
}

func TestOpenAIProviderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid file format.","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL}).Transcribe(context.Background(), Request{
		FilePath: writeAudio(t),
		ModelID:  "whisper-1",
		Params:   models.TranscriptionParams{Task: models.TaskTranscribe},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid file format.")
}

func TestDropSilentSegmentsNeedsBothSignals(t *testing.T) {
	segs := []models.Segment{
		{ID: 5, NoSpeechProb: 0.9, AvgLogprob: -0.1},
		{ID: 6, NoSpeechProb: 0.9, AvgLogprob: -2},
		{ID: 7, NoSpeechProb: 0.1, AvgLogprob: -2},
	}
	out, dropped := dropSilentSegments(segs, 0.4)
	require.Len(t, out, 2)
	assert.Equal(t, 0, out[0].ID)
	assert.Equal(t, 1, out[1].ID)
	assert.Equal(t, 0.1, out[1].NoSpeechProb)
	require.Len(t, dropped, 1)
	assert.Equal(t, 6, dropped[0].ID)
	assert.Equal(t, 5, segs[0].ID, "input slice is left untouched")
}

func TestOpenAIProviderDropsHallucinatedTextAndWords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"task": "transcribe",
			"language": "english",
			"duration": 3.0,
			"text": "Thanks for watching. hello",
			"segments": [
				{"id": 0, "start": 0.0, "end": 2.0, "text": " Thanks for watching.", "avg_logprob": -1.5, "no_speech_prob": 0.9},
				{"id": 1, "start": 2.0, "end": 3.0, "text": " hello", "avg_logprob": -0.2, "no_speech_prob": 0.05}
			],
			"words": [
				{"word": "Thanks", "start": 0.1, "end": 0.5},
				{"word": "for", "start": 0.6, "end": 0.8},
				{"word": "watching", "start": 0.9, "end": 1.5},
				{"word": "hello", "start": 2.1, "end": 2.5}
			]
		}`))
	}))
	defer srv.Close()

	out, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL}).Transcribe(context.Background(), Request{
		FilePath: writeAudio(t),
		ModelID:  "whisper-1",
		Params: models.TranscriptionParams{
			Task:              models.TaskTranscribe,
			WordTimestamps:    true,
			NoSpeechThreshold: 0.6,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", out["text"])
	segs := out["segments"].([]models.Segment)
	require.Len(t, segs, 1)
	assert.Equal(t, " hello", segs[0].Text)
	require.Len(t, segs[0].Words, 1)
	assert.Equal(t, "hello", segs[0].Words[0].Word)
	assert.Equal(t, 2.1, segs[0].Words[0].Start)
}

func TestWordsOutside(t *testing.T) {
	words := []models.Word{{Word: "a", Start: 0.5}, {Word: "b", Start: 1.0}, {Word: "c", Start: 2.0}}
	got := wordsOutside(words, []models.Segment{{Start: 0, End: 1}})
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Word, "segment end is exclusive")
	assert.Equal(t, words, wordsOutside(words, nil))
}

func TestJoinText(t *testing.T) {
	assert.Equal(t, "hello world", joinText([]models.Segment{{Text: " hello "}, {Text: ""}, {Text: "world"}}))
	assert.Equal(t, "", joinText(nil))
}

func TestAttachWordsOverflowGoesToLastSegment(t *testing.T) {
	segs := []models.Segment{{Start: 0, End: 1}, {Start: 1, End: 2}}
	attachWords(segs, []models.Word{{Word: "a", Start: 0.2}, {Word: "b", Start: 1.2}, {Word: "c", Start: 2.5}})
	assert.Len(t, segs[0].Words, 1)
	assert.Len(t, segs[1].Words, 2)

	attachWords(nil, []models.Word{{Word: "x"}})
}

func TestNewProvider(t *testing.T) {
	cfg := config.Default().STT

	p, err := NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai-whisper", p.Name())

	cfg.Backend = "local"
	p, err = NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "local-whisper", p.Name())

	cfg.Backend = "grpc"
	_, err = NewProvider(cfg)
	assert.Error(t, err)
}
