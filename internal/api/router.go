package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/whisperapi/internal/api/handlers"
	"github.com/nikhilbhutani/whisperapi/internal/api/middleware"
	"github.com/nikhilbhutani/whisperapi/internal/auth"
	"github.com/nikhilbhutani/whisperapi/internal/config"
	"github.com/nikhilbhutani/whisperapi/internal/jobs"
	"github.com/nikhilbhutani/whisperapi/internal/storage"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Config      *config.Config
	Tracker     *jobs.Tracker
	Normalizer  handlers.Normalizer
	Transcriber handlers.Transcriber
	Results     storage.Storage
	// Redis is nil when no result cache is configured.
	Redis  handlers.Pinger
	Logger *slog.Logger
}

type Router struct {
	mux    *chi.Mux
	deps   Deps
	apikey *auth.APIKeyMiddleware
	rl     *middleware.RateLimiter
}

func NewRouter(d Deps) *Router {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Router{
		mux:    chi.NewRouter(),
		deps:   d,
		apikey: auth.NewAPIKeyMiddleware(d.Config.Auth.APIKey, d.Config.Auth.APIKeyHeader),
		rl:     middleware.NewRateLimiter(d.Config.RateLimit.RPS, d.Config.RateLimit.Burst),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux
	cfg := rt.deps.Config

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(rt.deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.CORSOrigins, cfg.Auth.APIKeyHeader))
	r.Use(rt.rl.Limit)

	health := handlers.NewHealthHandler(rt.deps.Redis, cfg.Audio.FFmpegPath)
	r.Get("/readyz", health.Readyz)

	mount := func(r chi.Router) {
		// open endpoints
		r.Get("/health", health.Health)
		r.Get("/models", handlers.Models)

		r.Group(func(r chi.Router) {
			r.Use(rt.apikey.Authenticate)

			transcribeH := handlers.NewTranscribeHandler(cfg, rt.deps.Tracker, rt.deps.Normalizer, rt.deps.Transcriber, rt.deps.Logger)
			r.Post("/transcribe", transcribeH.Transcribe)

			jobH := handlers.NewJobHandler(rt.deps.Tracker)
			r.Get("/jobs/{job_id}", jobH.Get)
			r.Get("/job/{job_id}", jobH.Get)

			r.Get("/config", handlers.NewConfigHandler(cfg).Get)

			if rt.deps.Results != nil {
				resultH := handlers.NewResultHandler(rt.deps.Results, rt.deps.Logger)
				r.Get("/results/{name}", resultH.Download)
			}
		})
	}

	mount(r)
	r.Route("/api/v1", mount)

	return r
}

// Close releases background resources held by the middleware.
func (rt *Router) Close() {
	rt.rl.Close()
}
