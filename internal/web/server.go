package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/web/handlers"
	"github.com/kozaktomas/face-finder/internal/web/middleware"
	"go.uber.org/zap"
)

// Server represents the web server
type Server struct {
	config     *config.Config
	service    handlers.Service
	router     *chi.Mux
	httpServer *http.Server
	jobManager *handlers.JobManager
	logger     *zap.Logger
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, service handlers.Service, port int, host string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	s := &Server{
		config:     cfg,
		service:    service,
		router:     r,
		jobManager: handlers.NewJobManager(),
		logger:     logger,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(middleware.NewOriginPolicy(cfg.Web.AllowedOrigins, cfg.Web.AllowLocalhost)))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  2 * time.Minute, // selfie uploads
		WriteTimeout: 0,               // SSE streams stay open for the whole ingestion
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting web server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown cancels running ingestion jobs and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")

	for _, job := range s.jobManager.RunningJobs() {
		job.Cancel()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	// Cancelled jobs still save their index.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for len(s.jobManager.RunningJobs()) > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for ingestion jobs: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
