package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/audit-control-plane/app"
	"github.com/upb/audit-control-plane/handlers"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware. No router-level timeout: the SSE stream is
	// long-lived and must not be cut off.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if deps.HTTPMetrics != nil {
		r.Use(deps.HTTPMetrics.Middleware)
	}

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", handlers.HealthCheck(deps))
	r.Get("/readyz", handlers.ReadinessCheck(deps))

	if deps.HTTPMetrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", handlers.StatusHandler(deps))

		r.Route("/audit", func(r chi.Router) {
			r.Post("/start", handlers.StartAuditHandler(deps))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/status", handlers.AuditStatusHandler(deps))
				r.Get("/result", handlers.AuditResultHandler(deps))
				r.Get("/stream", handlers.StreamEventsHandler(deps))
				r.Get("/events", handlers.ListEventsHandler(deps))
				r.Get("/events/stats", handlers.EventStatsHandler(deps))
				r.Post("/pause", handlers.PauseAuditHandler(deps))
				r.Post("/resume", handlers.ResumeAuditHandler(deps))
				r.Post("/cancel", handlers.CancelAuditHandler(deps))
			})
		})

		r.Route("/llm-configs", func(r chi.Router) {
			r.Get("/", handlers.ListLLMConfigsHandler(deps))
			r.Post("/", handlers.CreateLLMConfigHandler(deps))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handlers.GetLLMConfigHandler(deps))
				r.Put("/", handlers.UpdateLLMConfigHandler(deps))
				r.Delete("/", handlers.DeleteLLMConfigHandler(deps))
				r.Post("/default", handlers.SetDefaultLLMConfigHandler(deps))
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
