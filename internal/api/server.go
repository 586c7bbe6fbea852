package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/clickguard/kestrel/internal/actions"
	"github.com/clickguard/kestrel/internal/bulk"
	"github.com/clickguard/kestrel/internal/domain"
	"github.com/clickguard/kestrel/internal/rules"
	"github.com/clickguard/kestrel/internal/scoring"
	"github.com/clickguard/kestrel/internal/worker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Deps bundles the collaborators the API handlers need.
type Deps struct {
	Repo        domain.Repository
	Cache       domain.Cache
	Bus         domain.EventBus
	Engine      *rules.Engine
	Pipeline    *worker.Pipeline
	Scorer      *scoring.Scorer
	Executor    *actions.Executor
	Coordinator *bulk.Coordinator
	Version     string
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Event ingestion and retrieval
		r.Post("/events", handler.IngestEvent)
		r.Get("/events", handler.ListEvents)
		r.Get("/events/{id}", handler.GetEvent)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Get("/rules/{id}", handler.GetRule)
		r.Put("/rules/{id}", handler.UpdateRule)
		r.Delete("/rules/{id}", handler.DeleteRule)
		r.Post("/rules/test", handler.TestRule)
		r.Post("/rules/{id}/apply", handler.ApplyRule)

		// Block management
		r.Post("/blocks", handler.CreateBlock)
		r.Get("/blocks/{type}/{value}", handler.GetBlock)
		r.Delete("/blocks/{type}/{value}", handler.DeleteBlock)

		// Model management
		r.Get("/models", handler.ListModels)
		r.Get("/models/{id}", handler.GetModel)
		r.Post("/models/train", handler.TrainModel)
		r.Post("/models/{id}/activate", handler.ActivateModel)
		r.Put("/models/thresholds", handler.UpdateThresholds)

		// Prediction audit trail
		r.Get("/predictions/{id}", handler.GetPrediction)
		r.Post("/predictions/{id}/feedback", handler.PredictionFeedback)

		// Webhook endpoint management
		r.Get("/endpoints", handler.ListEndpoints)
		r.Post("/endpoints", handler.CreateEndpoint)
		r.Get("/endpoints/{id}", handler.GetEndpoint)
		r.Put("/endpoints/{id}", handler.UpdateEndpoint)
		r.Delete("/endpoints/{id}", handler.DeleteEndpoint)
		r.Get("/endpoints/{id}/events", handler.ListEndpointEvents)

		// Notification rules
		r.Get("/notification-rules", handler.ListNotificationRules)
		r.Post("/notification-rules", handler.CreateNotificationRule)
		r.Put("/notification-rules/{id}", handler.UpdateNotificationRule)

		// Monitoring alerts
		r.Get("/alerts", handler.ListAlerts)
		r.Post("/alerts/{id}/resolve", handler.ResolveAlert)

		// Bulk operations
		r.Post("/bulk/block-ips", handler.BulkBlockIPs)
		r.Post("/bulk/unblock-ips", handler.BulkUnblockIPs)
		r.Post("/bulk/block-users", handler.BulkBlockUsers)
		r.Post("/bulk/unblock-users", handler.BulkUnblockUsers)
		r.Post("/bulk/create-rules", handler.BulkCreateRules)
		r.Post("/bulk/delete-rules", handler.BulkDeleteRules)
		r.Post("/bulk/update-rules", handler.BulkUpdateRules)
		r.Post("/bulk/process-alerts", handler.BulkProcessAlerts)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
