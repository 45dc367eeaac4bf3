package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/whisperapi/internal/jobs"
	"github.com/nikhilbhutani/whisperapi/internal/models"
	"github.com/nikhilbhutani/whisperapi/internal/storage"
	"github.com/nikhilbhutani/whisperapi/internal/stt"
)

type fakeProvider struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req stt.Request) (map[string]any, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Transcribe(ctx context.Context, req stt.Request) (map[string]any, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

type memCache struct {
	mu   sync.Mutex
	data map[string]map[string]any
	sets int
}

func (m *memCache) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(ctx context.Context, key string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]map[string]any{}
	}
	m.data[key] = result
	m.sets++
	return nil
}

// writeWAV writes one second of silent mono 16 kHz audio.
func writeWAV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           make([]int, 16000),
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return path
}

func defaultParams() models.TranscriptionParams {
	return models.TranscriptionParams{
		Task:                          models.TaskTranscribe,
		Model:                         "tiny",
		ConditionOnPreviousText:       true,
		NoSpeechThreshold:             0.4,
		HallucinationSilenceThreshold: 0.8,
		RemoveSilence:                 true,
		SilenceThreshold:              -60,
		SilenceDuration:               0.5,
	}
}

func newJob(tr *jobs.Tracker, p models.TranscriptionParams) string {
	return tr.Create(p, "clip.wav")
}

func TestTranscribeShapesAndSanitizes(t *testing.T) {
	tr := jobs.NewTracker()
	results, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	var gotModel string
	prov := &fakeProvider{fn: func(ctx context.Context, req stt.Request) (map[string]any, error) {
		gotModel = req.ModelID
		return map[string]any{
			"text":     " hello there ",
			"language": "en",
			"segments": []models.Segment{{ID: 0, Start: 0, End: 1, Text: "hello there", AvgLogprob: math.NaN()}},
			"score":    float32(math.Inf(1)),
			"tokens":   json.Number("7"),
		}, nil
	}}
	svc := NewService(prov, tr, Config{
		PoolSize: 2,
		Timeout:  time.Minute,
		ModelID:  func(key string) string { return "whisper-" + key },
	}, Options{Results: results})

	p := defaultParams()
	id := newJob(tr, p)
	out, err := svc.Transcribe(context.Background(), Input{JobID: id, WAVPath: writeWAV(t), Params: p})
	require.NoError(t, err)

	assert.Equal(t, "whisper-tiny", gotModel)
	r := out.Result
	assert.Equal(t, " hello there ", r["text"])
	assert.Equal(t, "en", r["language"])
	assert.Equal(t, "tiny", r["model"])
	assert.Equal(t, "transcribe", r["task"])
	assert.Nil(t, r["score"])
	assert.Equal(t, int64(7), r["tokens"])
	assert.InDelta(t, 1.0, r["duration"], 1e-9, "duration falls back to the wav length")
	assert.Equal(t, 0.4, r["no_speech_threshold"])
	assert.Equal(t, true, r["remove_silence"])
	assert.Contains(t, r, "initial_prompt")
	assert.Nil(t, r["initial_prompt"])

	seg := r["segments"].([]any)[0].(map[string]any)
	assert.Nil(t, seg["avg_logprob"])

	_, err = json.Marshal(r)
	require.NoError(t, err)

	job, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, r, job.Result)

	assert.Equal(t, id+".txt", out.ResultFile)
	rc, err := results.Download(context.Background(), out.ResultFile)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello there\n", string(data))
}

func TestTranscribeKeepsModelDuration(t *testing.T) {
	tr := jobs.NewTracker()
	prov := &fakeProvider{fn: func(ctx context.Context, req stt.Request) (map[string]any, error) {
		return map[string]any{"text": "x", "duration": 12.5}, nil
	}}
	svc := NewService(prov, tr, Config{PoolSize: 1}, Options{})

	p := defaultParams()
	out, err := svc.Transcribe(context.Background(), Input{JobID: newJob(tr, p), WAVPath: writeWAV(t), Params: p})
	require.NoError(t, err)
	assert.Equal(t, 12.5, out.Result["duration"])
	assert.Empty(t, out.ResultFile)
}

func TestTranscribeDurationNullWhenUnknown(t *testing.T) {
	tr := jobs.NewTracker()
	prov := &fakeProvider{fn: func(ctx context.Context, req stt.Request) (map[string]any, error) {
		return map[string]any{"segments": []any{map[string]any{"text": " a "}, map[string]any{"text": "b"}}}, nil
	}}
	svc := NewService(prov, tr, Config{PoolSize: 1}, Options{})

	p := defaultParams()
	p.Language = "de"
	out, err := svc.Transcribe(context.Background(), Input{JobID: newJob(tr, p), WAVPath: filepath.Join(t.TempDir(), "gone.wav"), Params: p})
	require.NoError(t, err)

	assert.Contains(t, out.Result, "duration")
	assert.Nil(t, out.Result["duration"])
	assert.Equal(t, "a b", out.Result["text"])
	assert.Equal(t, "de", out.Result["language"])
}

func TestTranscribeBackendFailureMarksJobFailed(t *testing.T) {
	tr := jobs.NewTracker()
	prov := &fakeProvider{fn: func(ctx context.Context, req stt.Request) (map[string]any, error) {
		return nil, errors.New("CUDA out of memory")
	}}
	svc := NewService(prov, tr, Config{PoolSize: 1}, Options{})

	p := defaultParams()
	id := newJob(tr, p)
	_, err := svc.Transcribe(context.Background(), Input{JobID: id, WAVPath: writeWAV(t), Params: p})

	require.ErrorIs(t, err, ErrTranscriptionFailed)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, id, terr.JobID)
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.Equal(t, int32(1), prov.calls.Load(), "failures are not retried")

	job, _ := tr.Get(id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "CUDA out of memory")
}

func TestTranscribeTimeout(t *testing.T) {
	tr := jobs.NewTracker()
	prov := &fakeProvider{fn: func(ctx context.Context, req stt.Request) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	svc := NewService(prov, tr, Config{PoolSize: 1, Timeout: 20 * time.Millisecond}, Options{})

	p := defaultParams()
	id := newJob(tr, p)
	_, err := svc.Transcribe(context.Background(), Input{JobID: id, WAVPath: writeWAV(t), Params: p})

	assert.ErrorIs(t, err, ErrTranscriptionTimeout)
	assert.ErrorIs(t, err, ErrTranscriptionFailed)
	job, _ := tr.Get(id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
}

func TestTranscribeRunsDetachedFromRequest(t *testing.T) {
	tr := jobs.NewTracker()
	started := make(chan struct{})
	release := make(chan struct{})
	prov := &fakeProvider{fn: func(ctx context.Context, req stt.Request) (map[string]any, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return map[string]any{"text": "finished"}, nil
	}}
	svc := NewService(prov, tr, Config{PoolSize: 1, Timeout: time.Minute}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	p := defaultParams()
	id := newJob(tr, p)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Transcribe(ctx, Input{JobID: id, WAVPath: writeWAV(t), Params: p})
		done <- err
	}()

	<-started
	cancel()
	close(release)
	require.NoError(t, <-done)

	job, _ := tr.Get(id)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestTranscribePoolBoundsConcurrency(t *testing.T) {
	tr := jobs.NewTracker()
	var running, peak atomic.Int32
	prov := &fakeProvider{fn: func(ctx context.Context, req stt.Request) (map[string]any, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return map[string]any{"text": "ok"}, nil
	}}
	svc := NewService(prov, tr, Config{PoolSize: 2}, Options{})
	wavPath := writeWAV(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := defaultParams()
			_, err := svc.Transcribe(context.Background(), Input{JobID: newJob(tr, p), WAVPath: wavPath, Params: p})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), prov.calls.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestTranscribeWaitHonoursRequestContext(t *testing.T) {
	tr := jobs.NewTracker()
	started := make(chan struct{})
	release := make(chan struct{})
	prov := &fakeProvider{fn: func(ctx context.Context, req stt.Request) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{"text": "first"}, nil
	}}
	svc := NewService(prov, tr, Config{PoolSize: 1}, Options{})
	wavPath := writeWAV(t)
	p := defaultParams()

	go func() {
		_, _ = svc.Transcribe(context.Background(), Input{JobID: newJob(tr, p), WAVPath: wavPath, Params: p})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	id := newJob(tr, p)
	_, err := svc.Transcribe(ctx, Input{JobID: id, WAVPath: wavPath, Params: p})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTranscriptionFailed)
	job, _ := tr.Get(id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
}

func TestTranscribeUsesCache(t *testing.T) {
	tr := jobs.NewTracker()
	prov := &fakeProvider{fn: func(ctx context.Context, req stt.Request) (map[string]any, error) {
		return map[string]any{"text": "from model"}, nil
	}}
	c := &memCache{}
	svc := NewService(prov, tr, Config{PoolSize: 1}, Options{Cache: c})
	wavPath := writeWAV(t)
	p := defaultParams()

	first, err := svc.Transcribe(context.Background(), Input{JobID: newJob(tr, p), WAVPath: wavPath, Params: p})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, c.sets)

	id := newJob(tr, p)
	second, err := svc.Transcribe(context.Background(), Input{JobID: id, WAVPath: wavPath, Params: p})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "from model", second.Result["text"])
	assert.Equal(t, int32(1), prov.calls.Load())

	job, _ := tr.Get(id)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	p.Model = "base"
	third, err := svc.Transcribe(context.Background(), Input{JobID: newJob(tr, p), WAVPath: wavPath, Params: p})
	require.NoError(t, err)
	assert.False(t, third.Cached, "different params miss the cache")
	assert.Equal(t, int32(2), prov.calls.Load())
}
