// Package server provides the HTTP servers of the command engine.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/devrev/cqrsengine/internal/config"
	apperrors "github.com/devrev/cqrsengine/internal/errors"
	"github.com/devrev/cqrsengine/internal/handler"
	"github.com/devrev/cqrsengine/internal/health"
	"github.com/devrev/cqrsengine/internal/metrics"
	"github.com/devrev/cqrsengine/internal/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the command API HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthCheck
	errorHandler *handler.ErrorHandler
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.Config,
	handlers *handler.Handlers,
	errorHandler *handler.ErrorHandler,
	healthCheck *health.HealthCheck,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handlers,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics),
	}

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewTenantRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/commands", s.handlers.PublishCommand).Methods(http.MethodPost)
	v1.HandleFunc("/commands", s.handlers.PatchCommand).Methods(http.MethodPatch)
	v1.HandleFunc("/commands/status", s.handlers.GetCommandStatus).Methods(http.MethodGet)
	v1.HandleFunc("/commands/versions", s.handlers.ListCommandVersions).Methods(http.MethodGet)
	v1.HandleFunc("/commands/abort", s.handlers.AbortCommand).Methods(http.MethodPost)
	v1.HandleFunc("/data", s.handlers.GetData).Methods(http.MethodGet)
	v1.HandleFunc("/sequences/next", s.handlers.NextSequence).Methods(http.MethodPost)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/resync", s.handlers.Resync).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, handler.ErrorResponse{
			Status:    "error",
			ErrorCode: apperrors.ErrCodeNotFound.String(),
			Message:   "endpoint not found",
			RequestID: middleware.RequestIDFromContext(r.Context()),
		})
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, handler.ErrorResponse{
			Status:    "error",
			ErrorCode: apperrors.ErrCodeValidation.String(),
			Message:   "method not allowed",
			RequestID: middleware.RequestIDFromContext(r.Context()),
		})
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		zap.String("addr", s.httpServer.Addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}
