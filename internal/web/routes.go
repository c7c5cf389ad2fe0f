package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-finder/internal/web/handlers"
	"github.com/kozaktomas/face-finder/internal/web/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// requestTimeout bounds every request except event streams.
const requestTimeout = 5 * time.Minute

func (s *Server) setupRoutes() {
	ingestHandler := handlers.NewIngestHandler(s.service, s.jobManager, s.logger.Named("jobs"))
	searchHandler := handlers.NewSearchHandler(s.service)
	cacheHandler := handlers.NewCacheHandler(s.service)
	configHandler := handlers.NewConfigHandler(s.config)

	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(requestTimeout))
			r.Get("/config", configHandler.Get)
			r.Post("/cache/evict", cacheHandler.Evict)
		})

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Use(middleware.RequireTenant())

			// Event streams run as long as the job does.
			r.Get("/jobs/{jobId}/events", ingestHandler.Events)

			r.Group(func(r chi.Router) {
				r.Use(chiMiddleware.Timeout(requestTimeout))

				// Collections
				r.Get("/collections", cacheHandler.Collections)
				r.Post("/collections/{collection}/ingest", ingestHandler.Start)
				r.Post("/collections/{collection}/push", cacheHandler.Push)

				// Ingestion jobs
				r.Get("/jobs", ingestHandler.List)
				r.Get("/jobs/{jobId}", ingestHandler.Status)
				r.Delete("/jobs/{jobId}", ingestHandler.Cancel)

				// Search
				r.Post("/search", searchHandler.Search)

				// Caches
				r.Get("/cache/stats", cacheHandler.Stats)
				r.Delete("/cache", cacheHandler.Clear)
			})
		})
	})
}
