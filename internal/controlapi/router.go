// Package controlapi exposes the engine lifecycle over HTTP for a companion
// UI: create, start, stop and destroy engines, watch their state changes and
// manage the saved target.
package controlapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter wires the handlers and middleware.
func NewRouter(h *Handlers, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(RequestID)
	r.Use(Logging(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/engines", func(r chi.Router) {
			r.Post("/", h.CreateEngine)
			r.Get("/", h.ListEngines)
			r.Route("/{handle}", func(r chi.Router) {
				r.Get("/", h.GetEngine)
				r.Delete("/", h.DestroyEngine)
				r.Post("/start", h.StartEngine)
				r.Post("/stop", h.StopEngine)
			})
		})
		r.Get("/events", h.Events)
		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.PutSettings)
	})

	return r
}
