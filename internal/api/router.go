package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nexus-edge/plc-acquisition/internal/health"
)

// NewRouter mounts the health probes, the metrics handler and the /api
// endpoints. metricsHandler may be nil.
func NewRouter(h *APIHandler, m *Middleware, checker *health.HealthChecker, metricsHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", checker.HealthHandler)
	r.Get("/health/live", checker.LivenessHandler)
	r.Get("/health/ready", checker.ReadinessHandler)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(m.LogRequests)
		r.Use(m.LimitRequestBody)

		r.Get("/status", h.StatusHandler)
		r.Get("/devices", h.ListDevicesHandler)
		r.Get("/topics", h.TopicsOverviewHandler)
		r.Post("/config/reload", h.ReloadHandler)

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", h.ListGroupsHandler)
			r.Post("/start-all", h.StartAllHandler)
			r.Post("/stop-all", h.StopAllHandler)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetGroupHandler)
				r.Post("/start", h.StartGroupHandler)
				r.Post("/stop", h.StopGroupHandler)
				r.Post("/restart", h.RestartGroupHandler)
				r.Post("/trigger", h.TriggerGroupHandler)
			})
		})
	})

	return r
}
