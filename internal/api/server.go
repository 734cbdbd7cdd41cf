// Package api exposes the settlement engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/tern/internal/domain"
	"github.com/opensource-finance/tern/internal/settlement"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, aggregate *settlement.Aggregate, repos domain.Repositories, cache domain.Cache, bus domain.EventBus, version string) *Server {
	handler := NewHandler(aggregate, repos, cache, bus, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Route("/api/v1", func(r chi.Router) {
		// Transfer ingestion
		r.Post("/transfers", handler.HandleTransfer)

		// Settlement models
		r.Post("/models", handler.CreateModel)
		r.Get("/models/{name}", handler.GetModel)

		// Settlement matrices
		r.Post("/matrices", handler.CreateMatrix)
		r.Get("/matrices/{id}", handler.GetMatrix)
		r.Post("/matrices/{id}/recalculate", handler.matrixAction(func(req *http.Request, id string) error {
			return aggregate.RecalculateMatrix(req.Context(), id)
		}))
		r.Post("/matrices/{id}/close", handler.matrixAction(func(req *http.Request, id string) error {
			return aggregate.CloseMatrix(req.Context(), id)
		}))
		r.Post("/matrices/{id}/settle", handler.matrixAction(func(req *http.Request, id string) error {
			return aggregate.SettleMatrix(req.Context(), id)
		}))
		r.Post("/matrices/{id}/dispute", handler.matrixAction(func(req *http.Request, id string) error {
			return aggregate.DisputeMatrix(req.Context(), id)
		}))
		r.Post("/matrices/{id}/lock", handler.matrixAction(func(req *http.Request, id string) error {
			return aggregate.LockMatrix(req.Context(), id)
		}))
		r.Post("/matrices/{id}/unlock", handler.matrixAction(func(req *http.Request, id string) error {
			return aggregate.UnlockMatrix(req.Context(), id)
		}))
		r.Post("/matrices/{id}/batches", handler.matrixBatchesAction(func(req *http.Request, id string, batchIDs []string) error {
			return aggregate.AddBatchesToStaticMatrix(req.Context(), id, batchIDs)
		}))
		r.Post("/matrices/{id}/batches/remove", handler.matrixBatchesAction(func(req *http.Request, id string, batchIDs []string) error {
			return aggregate.RemoveBatchesFromStaticMatrix(req.Context(), id, batchIDs)
		}))

		// Batches and transfers
		r.Get("/batches", handler.SearchBatches)
		r.Get("/batches/{id}", handler.GetBatch)
		r.Get("/batches/{id}/transfers", handler.GetBatchTransfers)
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
