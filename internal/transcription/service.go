// Package transcription runs speech-to-text calls on a small bounded worker
// pool and shapes their output into JSON-safe results.
package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nikhilbhutani/whisperapi/internal/audio"
	"github.com/nikhilbhutani/whisperapi/internal/cache"
	"github.com/nikhilbhutani/whisperapi/internal/jobs"
	"github.com/nikhilbhutani/whisperapi/internal/models"
	"github.com/nikhilbhutani/whisperapi/internal/sanitize"
	"github.com/nikhilbhutani/whisperapi/internal/storage"
	"github.com/nikhilbhutani/whisperapi/internal/stt"
)

// ResultCache is the subset of the Redis cache the service needs.
type ResultCache interface {
	Get(ctx context.Context, key string) (map[string]any, bool, error)
	Set(ctx context.Context, key string, result map[string]any) error
}

type Config struct {
	PoolSize int
	Timeout  time.Duration
	// ModelID maps a public model key to the backend identifier.
	ModelID func(key string) string
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Cache   ResultCache
	Results storage.Storage
	Logger  *slog.Logger
}

// Input is one normalized file ready for the model.
type Input struct {
	JobID   string
	WAVPath string
	Params  models.TranscriptionParams
}

// Output is the sanitized result plus bookkeeping about how it was produced.
type Output struct {
	Result map[string]any
	// ResultFile is the name of the transcript copy, empty if it was not written.
	ResultFile string
	Cached     bool
}

type Service struct {
	provider stt.Provider
	tracker  *jobs.Tracker
	sem      *semaphore.Weighted
	cfg      Config
	cache    ResultCache
	results  storage.Storage
	logger   *slog.Logger
}

func NewService(provider stt.Provider, tracker *jobs.Tracker, cfg Config, opts Options) *Service {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.ModelID == nil {
		cfg.ModelID = func(key string) string { return key }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: provider,
		tracker:  tracker,
		sem:      semaphore.NewWeighted(int64(cfg.PoolSize)),
		cfg:      cfg,
		cache:    opts.Cache,
		results:  opts.Results,
		logger:   logger,
	}
}

// Transcribe runs one job to completion. Waiting for a worker honours ctx;
// once the call is dispatched it runs on a context detached from ctx and
// bounded only by the configured timeout.
func (s *Service) Transcribe(ctx context.Context, in Input) (Output, error) {
	log := s.logger.With("job_id", in.JobID, "model", in.Params.Model, "task", in.Params.Task)

	cacheKey := s.cacheKey(in)
	if cached, ok := s.lookup(ctx, cacheKey, log); ok {
		return s.complete(ctx, in, cached, true, log)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.fail(in.JobID, err, log)
		return Output{}, fmt.Errorf("wait for worker: %w", err)
	}
	raw, err := s.run(ctx, in)
	s.sem.Release(1)

	if err != nil {
		terr := &Error{JobID: in.JobID, Err: err}
		s.fail(in.JobID, terr, log)
		return Output{}, terr
	}

	result := s.shape(raw, in)
	if _, err := json.Marshal(result); err != nil {
		terr := &Error{JobID: in.JobID, Err: fmt.Errorf("%w: %v", ErrUnserializable, err)}
		s.fail(in.JobID, terr, log)
		return Output{}, terr
	}

	if s.cache != nil && cacheKey != "" {
		if err := s.cache.Set(context.WithoutCancel(ctx), cacheKey, result); err != nil {
			log.Warn("cache result", "error", err)
		}
	}
	return s.complete(ctx, in, result, false, log)
}

func (s *Service) run(ctx context.Context, in Input) (map[string]any, error) {
	if err := s.tracker.MarkProcessing(in.JobID); err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}

	runCtx := context.WithoutCancel(ctx)
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := s.provider.Transcribe(runCtx, stt.Request{
		FilePath: in.WAVPath,
		ModelID:  s.cfg.ModelID(in.Params.Model),
		Params:   in.Params,
	})
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTranscriptionTimeout, s.cfg.Timeout)
		}
		return nil, err
	}
	s.logger.Info("transcription finished",
		"job_id", in.JobID,
		"provider", s.provider.Name(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return raw, nil
}

// shape sanitizes the backend output and adds the fields every response
// carries. Keys that are added are always present, null when unknown.
func (s *Service) shape(raw map[string]any, in Input) map[string]any {
	result := sanitize.Map(raw)
	p := in.Params

	if _, ok := result["text"].(string); !ok {
		result["text"] = textOf(result)
	}
	if lang, _ := result["language"].(string); lang == "" {
		result["language"] = nullable(p.Language)
	}
	if result["segments"] == nil {
		result["segments"] = []any{}
	}
	if result["duration"] == nil {
		result["duration"] = nil
		if d, err := audio.Duration(in.WAVPath); err == nil {
			result["duration"] = d
		}
	}

	result["model"] = p.Model
	result["task"] = p.Task
	result["word_timestamps"] = p.WordTimestamps
	result["condition_on_previous_text"] = p.ConditionOnPreviousText
	result["no_speech_threshold"] = p.NoSpeechThreshold
	result["hallucination_silence_threshold"] = p.HallucinationSilenceThreshold
	result["initial_prompt"] = nullable(p.InitialPrompt)
	result["remove_silence"] = p.RemoveSilence
	result["silence_threshold"] = p.SilenceThreshold
	result["silence_duration"] = p.SilenceDuration

	return sanitize.Map(result)
}

func (s *Service) complete(ctx context.Context, in Input, result map[string]any, cached bool, log *slog.Logger) (Output, error) {
	if cached {
		if err := s.tracker.MarkProcessing(in.JobID); err != nil {
			log.Warn("mark job processing", "error", err)
		}
	}
	if err := s.tracker.MarkCompleted(in.JobID, result); err != nil {
		log.Warn("mark job completed", "error", err)
	}

	out := Output{Result: result, Cached: cached}
	if s.results != nil {
		name := in.JobID + ".txt"
		text, _ := result["text"].(string)
		if err := s.results.Upload(context.WithoutCancel(ctx), name, strings.NewReader(strings.TrimSpace(text)+"\n")); err != nil {
			log.Warn("write transcript copy", "error", err)
		} else {
			out.ResultFile = name
		}
	}
	log.Info("job completed", "cached", cached)
	return out, nil
}

func (s *Service) fail(jobID string, cause error, log *slog.Logger) {
	log.Error("job failed", "error", cause)
	if err := s.tracker.MarkFailed(jobID, cause); err != nil {
		log.Warn("mark job failed", "error", err)
	}
}

func (s *Service) cacheKey(in Input) string {
	if s.cache == nil {
		return ""
	}
	key, err := cache.ResultKey(in.WAVPath, in.Params)
	if err != nil {
		s.logger.Warn("derive cache key", "job_id", in.JobID, "error", err)
		return ""
	}
	return key
}

func (s *Service) lookup(ctx context.Context, key string, log *slog.Logger) (map[string]any, bool) {
	if key == "" {
		return nil, false
	}
	result, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Warn("cache lookup", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return sanitize.Map(result), true
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// textOf recovers a transcript from backends that return segments only.
func textOf(result map[string]any) string {
	if v := result["text"]; v != nil {
		return fmt.Sprint(v)
	}
	segs, _ := result["segments"].([]any)
	parts := make([]string, 0, len(segs))
	for _, seg := range segs {
		m, _ := seg.(map[string]any)
		if t, ok := m["text"].(string); ok {
			parts = append(parts, strings.TrimSpace(t))
		}
	}
	return strings.Join(parts, " ")
}
