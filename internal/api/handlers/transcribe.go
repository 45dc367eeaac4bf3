package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/whisperapi/internal/audio"
	"github.com/nikhilbhutani/whisperapi/internal/config"
	"github.com/nikhilbhutani/whisperapi/internal/jobs"
	"github.com/nikhilbhutani/whisperapi/internal/params"
	"github.com/nikhilbhutani/whisperapi/internal/transcription"
)

const (
	// formOverhead is the room left for non-file fields and multipart framing.
	formOverhead = 1 << 20
	maxFieldSize = 64 << 10
)

var (
	errFileTooLarge = errors.New("file too large")
	errStoreUpload  = errors.New("store upload")
)

// Normalizer converts an upload into model-ready audio.
type Normalizer interface {
	Normalize(ctx context.Context, in, out string, opts audio.Options) error
}

// Transcriber runs the model on normalized audio.
type Transcriber interface {
	Transcribe(ctx context.Context, in transcription.Input) (transcription.Output, error)
}

type TranscribeHandler struct {
	defaults   config.Defaults
	upload     config.UploadConfig
	tracker    *jobs.Tracker
	normalizer Normalizer
	svc        Transcriber
	logger     *slog.Logger
}

func NewTranscribeHandler(cfg *config.Config, tracker *jobs.Tracker, n Normalizer, svc Transcriber, logger *slog.Logger) *TranscribeHandler {
	return &TranscribeHandler{
		defaults:   cfg.Defaults,
		upload:     cfg.Upload,
		tracker:    tracker,
		normalizer: n,
		svc:        svc,
		logger:     logger,
	}
}

type savedUpload struct {
	name     string // stored name, reported as uploaded_file
	path     string
	original string
}

// Transcribe handles POST /transcribe. Temporary files are removed on every
// exit path.
func (h *TranscribeHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.upload.MaxFileBytes+formOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Expected a multipart/form-data body")
		return
	}

	var (
		o      params.Overrides
		upload *savedUpload
	)
	defer func() {
		if upload != nil {
			h.removeTemp(upload.path)
		}
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.writeUploadError(w, err)
			return
		}

		if part.FormName() == "file" && upload == nil {
			name := part.FileName()
			if strings.TrimSpace(name) == "" {
				part.Close()
				writeError(w, http.StatusBadRequest, "Invalid filename")
				return
			}
			if !audio.IsSupported(name) {
				part.Close()
				writeError(w, http.StatusBadRequest, "Unsupported audio format. Supported: "+strings.Join(audio.SupportedExtensions, ", "))
				return
			}
			upload, err = h.save(part, name)
			part.Close()
			if err != nil {
				h.writeUploadError(w, err)
				return
			}
			continue
		}

		err = readField(part, &o)
		part.Close()
		if err != nil {
			h.writeUploadError(w, err)
			return
		}
	}

	if upload == nil {
		writeError(w, http.StatusBadRequest, "No audio file uploaded in field \"file\"")
		return
	}

	p, err := params.Resolve(o, h.defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	jobID := h.tracker.Create(p, upload.original)
	log := h.logger.With("job_id", jobID)
	log.Info("transcription request",
		"filename", upload.original,
		"model", p.Model,
		"task", p.Task,
		"tracked_jobs", h.tracker.Len(),
	)

	wavPath := filepath.Join(h.upload.Dir, uuid.NewString()+".wav")
	defer h.removeTemp(wavPath)

	err = h.normalizer.Normalize(ctx, upload.path, wavPath, audio.Options{
		RemoveSilence:    p.RemoveSilence,
		SilenceThreshold: p.SilenceThreshold,
		SilenceDuration:  p.SilenceDuration,
	})
	if err != nil {
		log.Error("audio conversion failed", "error", err)
		if markErr := h.tracker.MarkFailed(jobID, err); markErr != nil {
			log.Warn("mark job failed", "error", markErr)
		}
		writeError(w, http.StatusInternalServerError, conversionDetail(err))
		return
	}

	out, err := h.svc.Transcribe(ctx, transcription.Input{JobID: jobID, WAVPath: wavPath, Params: p})
	if err != nil {
		writeError(w, http.StatusInternalServerError, transcriptionDetail(err))
		return
	}

	resp := maps.Clone(out.Result)
	resp["job_id"] = jobID
	resp["uploaded_file"] = upload.name
	resp["result_file"] = nullable(out.ResultFile)
	writeSanitized(w, http.StatusOK, resp)
}

// save streams the file part to the uploads directory in fixed-size chunks
// under a fresh name that keeps the original extension.
func (h *TranscribeHandler) save(src io.Reader, original string) (*savedUpload, error) {
	if err := os.MkdirAll(h.upload.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", errStoreUpload, err)
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(original))
	path := filepath.Join(h.upload.Dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStoreUpload, err)
	}

	n, err := copyChunked(f, io.LimitReader(src, h.upload.MaxFileBytes+1), h.upload.ChunkBytes)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("%w: %v", errStoreUpload, closeErr)
	}
	if err == nil && n > h.upload.MaxFileBytes {
		err = errFileTooLarge
	}
	if err != nil {
		h.removeTemp(path)
		return nil, err
	}
	return &savedUpload{name: name, path: path, original: filepath.Base(original)}, nil
}

func copyChunked(dst io.Writer, src io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 8 << 10
	}
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("%w: %v", errStoreUpload, werr)
			}
			written += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// readField stores a known form field in o. Unknown fields are skipped; the
// caller's Close drains them.
func readField(part *multipart.Part, o *params.Overrides) error {
	var target **string
	switch part.FormName() {
	case "language":
		target = &o.Language
	case "task":
		target = &o.Task
	case "model":
		target = &o.Model
	case "word_timestamps":
		target = &o.WordTimestamps
	case "condition_on_previous_text":
		target = &o.ConditionOnPreviousText
	case "no_speech_threshold":
		target = &o.NoSpeechThreshold
	case "hallucination_silence_threshold":
		target = &o.HallucinationSilenceThreshold
	case "initial_prompt":
		target = &o.InitialPrompt
	case "remove_silence":
		target = &o.RemoveSilence
	case "silence_threshold":
		target = &o.SilenceThreshold
	case "silence_duration":
		target = &o.SilenceDuration
	default:
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
	if err != nil {
		return err
	}
	if len(data) > maxFieldSize {
		return fmt.Errorf("form field %q is too long", part.FormName())
	}
	v := string(data)
	*target = &v
	return nil
}

func (h *TranscribeHandler) writeUploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, errFileTooLarge), errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File too large. Maximum size: %dMB", h.upload.MaxFileBytes>>20))
	case errors.Is(err, errStoreUpload):
		h.logger.Error("save upload", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save uploaded file")
	default:
		writeError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
	}
}

func (h *TranscribeHandler) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.logger.Warn("remove temp file", "path", path, "error", err)
	}
}

func conversionDetail(err error) string {
	var convErr *audio.ConversionError
	switch {
	case errors.Is(err, audio.ErrConverterNotFound):
		return "FFmpeg not found. Please install ffmpeg."
	case errors.Is(err, audio.ErrConversionTimeout):
		return capitalize(err.Error())
	case errors.As(err, &convErr):
		return "FFmpeg conversion failed: " + convErr.Stderr
	default:
		return "Audio conversion failed: " + err.Error()
	}
}

func transcriptionDetail(err error) string {
	var terr *transcription.Error
	switch {
	case errors.Is(err, transcription.ErrTranscriptionTimeout) && errors.As(err, &terr):
		return capitalize(terr.Err.Error())
	case errors.As(err, &terr):
		return "Transcription failed: " + terr.Err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Request cancelled before a worker became available"
	default:
		return "Transcription failed: " + err.Error()
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
