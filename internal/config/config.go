package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nikhilbhutani/whisperapi/internal/models"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upload    UploadConfig    `yaml:"upload"`
	Audio     AudioConfig     `yaml:"audio"`
	Worker    WorkerConfig    `yaml:"worker"`
	Results   ResultsConfig   `yaml:"results"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	STT       STTConfig       `yaml:"stt"`
	Defaults  Defaults        `yaml:"defaults"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	Debug       bool     `yaml:"debug"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type UploadConfig struct {
	Dir          string `yaml:"dir"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
	ChunkBytes   int    `yaml:"chunk_bytes"`
}

type AudioConfig struct {
	FFmpegPath        string        `yaml:"ffmpeg_path"`
	ConversionTimeout time.Duration `yaml:"conversion_timeout"`
}

type WorkerConfig struct {
	PoolSize             int           `yaml:"pool_size"`
	TranscriptionTimeout time.Duration `yaml:"transcription_timeout"`
}

type ResultsConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	Schedule      string `yaml:"schedule"` // cron expression for the retention sweep
}

type AuthConfig struct {
	APIKey       string `yaml:"api_key"` // empty disables the check
	APIKeyHeader string `yaml:"api_key_header"`
}

type LogConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"` // empty disables the result cache
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type STTConfig struct {
	Backend       string            `yaml:"backend"` // "openai" or "local"
	OpenAIKey     string            `yaml:"openai_key"`
	OpenAIBaseURL string            `yaml:"openai_base_url"`
	OpenAIModel   string            `yaml:"openai_model"`
	LocalBaseURL  string            `yaml:"local_base_url"` // default: "http://localhost:8178"
	ModelsDir     string            `yaml:"models_dir"`
	Models        map[string]string `yaml:"models"` // model key -> backend model id
}

// Defaults are the process-wide transcription parameters used when a request
// leaves a field out.
type Defaults struct {
	Language                      string  `yaml:"language" json:"default_language"`
	Task                          string  `yaml:"task" json:"task"`
	Model                         string  `yaml:"model" json:"model"`
	WordTimestamps                bool    `yaml:"word_timestamps" json:"word_timestamps"`
	ConditionOnPreviousText       bool    `yaml:"condition_on_previous_text" json:"condition_on_previous_text"`
	NoSpeechThreshold             float64 `yaml:"no_speech_threshold" json:"no_speech_threshold"`
	HallucinationSilenceThreshold float64 `yaml:"hallucination_silence_threshold" json:"hallucination_silence_threshold"`
	InitialPrompt                 string  `yaml:"initial_prompt" json:"initial_prompt"`
	RemoveSilence                 bool    `yaml:"remove_silence" json:"remove_silence"`
	SilenceThreshold              float64 `yaml:"silence_threshold" json:"silence_threshold"`
	SilenceDuration               float64 `yaml:"silence_duration" json:"silence_duration"`
}

// Default returns the configuration used when neither a config file nor the
// environment say otherwise.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8801,
			CORSOrigins: []string{"*"},
		},
		Upload: UploadConfig{
			Dir:          filepath.Join(os.TempDir(), "whisperapi-uploads"),
			MaxFileBytes: 500 << 20,
			ChunkBytes:   8 << 10,
		},
		Audio: AudioConfig{
			FFmpegPath:        "ffmpeg",
			ConversionTimeout: 600 * time.Second,
		},
		Worker: WorkerConfig{
			PoolSize:             2,
			TranscriptionTimeout: 3600 * time.Second,
		},
		Results: ResultsConfig{
			Dir:           "results",
			RetentionDays: 30,
			Schedule:      "@daily",
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		Log: LogConfig{
			Dir:   "logs",
			Level: "info",
		},
		Redis: RedisConfig{
			CacheTTL: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
		STT: STTConfig{
			Backend:      "openai",
			LocalBaseURL: "http://localhost:8178",
			ModelsDir:    "models",
		},
		Defaults: Defaults{
			Task:                          "transcribe",
			Model:                         "large",
			ConditionOnPreviousText:       true,
			NoSpeechThreshold:             0.4,
			HallucinationSilenceThreshold: 0.8,
			RemoveSilence:                 true,
			SilenceThreshold:              -60.0,
			SilenceDuration:               0.5,
		},
	}
}

// Load builds the configuration: defaults, then the optional YAML file named
// by WHISPER_CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("WHISPER_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	c.Server.Host = getEnv("WHISPER_HOST", c.Server.Host)
	if c.Server.Port, err = getEnvInt("WHISPER_PORT", c.Server.Port); err != nil {
		return fmt.Errorf("invalid WHISPER_PORT: %w", err)
	}
	c.Server.Debug = getEnvBool("WHISPER_DEBUG", c.Server.Debug)
	if v := getEnv("CORS_ORIGINS", ""); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	c.Upload.Dir = getEnv("UPLOADS_DIR", c.Upload.Dir)
	maxMB, err := getEnvInt("MAX_FILE_SIZE_MB", int(c.Upload.MaxFileBytes>>20))
	if err != nil {
		return fmt.Errorf("invalid MAX_FILE_SIZE_MB: %w", err)
	}
	c.Upload.MaxFileBytes = int64(maxMB) << 20
	chunkKB, err := getEnvInt("CHUNK_SIZE_KB", c.Upload.ChunkBytes>>10)
	if err != nil {
		return fmt.Errorf("invalid CHUNK_SIZE_KB: %w", err)
	}
	c.Upload.ChunkBytes = chunkKB << 10

	c.Audio.FFmpegPath = getEnv("FFMPEG_PATH", c.Audio.FFmpegPath)
	if c.Audio.ConversionTimeout, err = getEnvSeconds("CONVERSION_TIMEOUT", c.Audio.ConversionTimeout); err != nil {
		return fmt.Errorf("invalid CONVERSION_TIMEOUT: %w", err)
	}

	if c.Worker.PoolSize, err = getEnvInt("WORKER_POOL_SIZE", c.Worker.PoolSize); err != nil {
		return fmt.Errorf("invalid WORKER_POOL_SIZE: %w", err)
	}
	if c.Worker.TranscriptionTimeout, err = getEnvSeconds("TRANSCRIPTION_TIMEOUT", c.Worker.TranscriptionTimeout); err != nil {
		return fmt.Errorf("invalid TRANSCRIPTION_TIMEOUT: %w", err)
	}

	c.Results.Dir = getEnv("RESULTS_DIR", c.Results.Dir)
	if c.Results.RetentionDays, err = getEnvInt("RESULTS_RETENTION_DAYS", c.Results.RetentionDays); err != nil {
		return fmt.Errorf("invalid RESULTS_RETENTION_DAYS: %w", err)
	}
	c.Results.Schedule = getEnv("RETENTION_SCHEDULE", c.Results.Schedule)

	c.Auth.APIKey = getEnv("WHISPER_API_KEY", c.Auth.APIKey)
	c.Auth.APIKeyHeader = getEnv("API_KEY_HEADER", c.Auth.APIKeyHeader)

	c.Log.Dir = getEnv("LOGS_DIR", c.Log.Dir)
	c.Log.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Log.Level))

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if c.Redis.DB, err = getEnvInt("REDIS_DB", c.Redis.DB); err != nil {
		return fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if c.Redis.CacheTTL, err = getEnvSeconds("RESULT_CACHE_TTL", c.Redis.CacheTTL); err != nil {
		return fmt.Errorf("invalid RESULT_CACHE_TTL: %w", err)
	}

	if c.RateLimit.RPS, err = getEnvFloat("RATE_LIMIT_RPS", c.RateLimit.RPS); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}
	if c.RateLimit.Burst, err = getEnvInt("RATE_LIMIT_BURST", c.RateLimit.Burst); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
	}

	c.STT.Backend = strings.ToLower(getEnv("STT_BACKEND", c.STT.Backend))
	c.STT.OpenAIKey = getEnv("OPENAI_API_KEY", c.STT.OpenAIKey)
	c.STT.OpenAIBaseURL = getEnv("STT_OPENAI_BASE_URL", c.STT.OpenAIBaseURL)
	c.STT.OpenAIModel = getEnv("STT_OPENAI_MODEL", c.STT.OpenAIModel)
	c.STT.LocalBaseURL = getEnv("STT_LOCAL_BASE_URL", c.STT.LocalBaseURL)
	c.STT.ModelsDir = getEnv("MODELS_DIR", c.STT.ModelsDir)

	d := &c.Defaults
	d.Language = getEnv("DEFAULT_LANGUAGE", d.Language)
	d.InitialPrompt = getEnv("INITIAL_PROMPT", d.InitialPrompt)
	d.RemoveSilence = getEnvBool("REMOVE_SILENCE", d.RemoveSilence)
	if d.SilenceThreshold, err = getEnvFloat("SILENCE_THRESHOLD", d.SilenceThreshold); err != nil {
		return fmt.Errorf("invalid SILENCE_THRESHOLD: %w", err)
	}
	if d.SilenceDuration, err = getEnvFloat("SILENCE_DURATION", d.SilenceDuration); err != nil {
		return fmt.Errorf("invalid SILENCE_DURATION: %w", err)
	}
	if d.NoSpeechThreshold, err = getEnvFloat("NO_SPEECH_THRESHOLD", d.NoSpeechThreshold); err != nil {
		return fmt.Errorf("invalid NO_SPEECH_THRESHOLD: %w", err)
	}
	if d.HallucinationSilenceThreshold, err = getEnvFloat("HALLUCINATION_SILENCE_THRESHOLD", d.HallucinationSilenceThreshold); err != nil {
		return fmt.Errorf("invalid HALLUCINATION_SILENCE_THRESHOLD: %w", err)
	}

	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Upload.MaxFileBytes <= 0 {
		problems = append(problems, "max file size must be > 0")
	}
	if c.Upload.ChunkBytes <= 0 {
		problems = append(problems, "chunk size must be > 0")
	}
	if c.Audio.ConversionTimeout <= 0 {
		problems = append(problems, "conversion timeout must be > 0")
	}
	if c.Worker.TranscriptionTimeout <= 0 {
		problems = append(problems, "transcription timeout must be > 0")
	}
	if c.Worker.PoolSize < 1 || c.Worker.PoolSize > 4 {
		problems = append(problems, fmt.Sprintf("worker pool size must be 1-4, got %d", c.Worker.PoolSize))
	}
	if c.Results.RetentionDays < 0 {
		problems = append(problems, "results retention days must be >= 0")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log level must be debug, info, warn, or error, got %q", c.Log.Level))
	}

	switch c.STT.Backend {
	case "openai", "local":
	default:
		problems = append(problems, fmt.Sprintf("stt backend must be \"openai\" or \"local\", got %q", c.STT.Backend))
	}
	for key := range c.STT.Models {
		if !models.IsSupportedModel(key) {
			problems = append(problems, fmt.Sprintf("stt.models has unsupported key %q", key))
		}
	}

	d := c.Defaults
	if !models.IsSupportedModel(d.Model) {
		problems = append(problems, fmt.Sprintf("default model %q is not one of %s", d.Model, strings.Join(models.SupportedModels, ", ")))
	}
	if d.Task != "transcribe" && d.Task != "translate" {
		problems = append(problems, fmt.Sprintf("default task must be \"transcribe\" or \"translate\", got %q", d.Task))
	}
	if !inUnitRange(d.NoSpeechThreshold) {
		problems = append(problems, fmt.Sprintf("NO_SPEECH_THRESHOLD must be within [0, 1], got %v", d.NoSpeechThreshold))
	}
	if !inUnitRange(d.HallucinationSilenceThreshold) {
		problems = append(problems, fmt.Sprintf("HALLUCINATION_SILENCE_THRESHOLD must be within [0, 1], got %v", d.HallucinationSilenceThreshold))
	}
	if d.SilenceThreshold > 0 {
		problems = append(problems, fmt.Sprintf("SILENCE_THRESHOLD is in dB and must be <= 0, got %v", d.SilenceThreshold))
	}
	if d.SilenceDuration <= 0 {
		problems = append(problems, fmt.Sprintf("SILENCE_DURATION must be > 0, got %v", d.SilenceDuration))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ModelID maps a public model key to the identifier the backend expects.
func (c STTConfig) ModelID(key string) string {
	if id := c.Models[key]; id != "" {
		return id
	}
	if c.Backend == "openai" {
		if c.OpenAIModel != "" {
			return c.OpenAIModel
		}
		return "whisper-1"
	}
	return filepath.Join(c.ModelsDir, "whisper-"+key)
}

// LogLevel is the level the process logs at. Debug mode forces debug.
func (c *Config) LogLevel() slog.Level {
	if c.Server.Debug {
		return slog.LevelDebug
	}
	return c.Log.SlogLevel()
}

// SlogLevel converts the configured level name; unknown names fall back to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

// getEnvBool treats only "true", in any case, as true. Form fields follow
// the same rule.
func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true")
}

// getEnvSeconds reads a whole number of seconds.
func getEnvSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
