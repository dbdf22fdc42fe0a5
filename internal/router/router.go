// Package router assembles the chi mux: middleware order, probe routes, and
// the versioned API surface.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/config"
	"github.com/ctenopoma/llm-gateway/internal/handlers"
	"github.com/ctenopoma/llm-gateway/internal/middleware"
)

type Deps struct {
	Chat   *handlers.ChatHandler
	Models *handlers.ModelsHandler
	Health *handlers.HealthHandler
}

func New(cfg *config.Config, deps Deps, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: cfg.CORS.AllowedMethods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		MaxAge:         cfg.CORS.MaxAge,
	}))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(logger))

	r.Get("/health", deps.Health.Health)
	r.Get("/ready", deps.Health.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", deps.Chat.Completions)
		r.Get("/models", deps.Models.List)
	})

	r.Get("/admin/endpoints", deps.Health.Endpoints)

	return r
}
