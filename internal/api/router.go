package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"lineage-stats/internal/middleware"
)

// RouterConfig configures the middleware stack.
type RouterConfig struct {
	CORSAllowedOrigins []string
	RateLimit          middleware.RateLimitConfig
	// Validator authenticates /v1 requests; nil disables authentication.
	Validator middleware.TokenValidator
	Logger    *slog.Logger
}

// NewRouter mounts h with the standard middleware. ctx bounds background
// work of the rate limiter.
func NewRouter(ctx context.Context, h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/v1", func(r chi.Router) {
		// Authenticate first so buckets are keyed by principal.
		r.Use(middleware.Authenticate(cfg.Validator, cfg.Logger))
		if cfg.RateLimit.RequestsPerSecond > 0 {
			r.Use(middleware.RateLimiter(ctx, cfg.RateLimit))
		}

		r.Post("/runs", h.CreateRun)
		r.Post("/runs/{runID}/complete", h.CompleteRun)
		r.Post("/reports", h.PostReports)
		r.Get("/events", h.ListEvents)
		r.Get("/events/{eventID}", h.GetEvent)
		r.Get("/stats", h.GetStats)
	})
	return r
}
