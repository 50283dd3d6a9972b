package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/formchat/internal/middleware"
	"github.com/capitalize-ai/formchat/internal/service"
	"github.com/capitalize-ai/formchat/pkg/logger"
)

// RouterConfig wires the agent server's routes.
type RouterConfig struct {
	Sessions *service.SessionService
	Turns    *service.TurnService
	Tokens   *middleware.SessionTokens
	Journal  Checker
	Logger   *logger.Logger

	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	health := NewHealthHandler(cfg.Journal)
	agents := NewAgentHandler(cfg.Sessions, cfg.Logger)
	turns := NewTurnHandler(cfg.Turns, cfg.Logger)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/agents/{slug}", func(r chi.Router) {
			r.Get("/schema", agents.Schema)
			r.With(limit(cfg, middleware.RateLimit)).Post("/sessions", agents.StartSession)
		})

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.Tokens))
			r.Use(limit(cfg, middleware.SessionRateLimit))
			r.Post("/turns", turns.Send)
		})
	})

	return r
}

// limit applies a rate limiter when one is configured.
func limit(cfg RouterConfig, build func(int, time.Duration) func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if cfg.RateLimitRequests <= 0 || cfg.RateLimitWindow <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return build(cfg.RateLimitRequests, cfg.RateLimitWindow)
}
