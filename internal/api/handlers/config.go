package handlers

import (
	"net/http"

	"github.com/nikhilbhutani/whisperapi/internal/config"
)

type ConfigHandler struct {
	defaults config.Defaults
	maxBytes int64
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{defaults: cfg.Defaults, maxBytes: cfg.Upload.MaxFileBytes}
}

// Get echoes the defaults a request gets when it overrides nothing.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	d := h.defaults
	writeJSON(w, http.StatusOK, map[string]any{
		"default_language":                nullable(d.Language),
		"task":                            d.Task,
		"model":                           d.Model,
		"word_timestamps":                 d.WordTimestamps,
		"condition_on_previous_text":      d.ConditionOnPreviousText,
		"no_speech_threshold":             d.NoSpeechThreshold,
		"hallucination_silence_threshold": d.HallucinationSilenceThreshold,
		"initial_prompt":                  nullable(d.InitialPrompt),
		"remove_silence":                  d.RemoveSilence,
		"silence_threshold":               d.SilenceThreshold,
		"silence_duration":                d.SilenceDuration,
		"max_file_size_mb":                h.maxBytes >> 20,
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
