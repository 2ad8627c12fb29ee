// Package server provides the HTTP API for kotae.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/engine"
	"github.com/hyperjump/kotae/internal/eval"
	"github.com/hyperjump/kotae/internal/vectorstore"
)

// Server is the HTTP server for the kotae API.
type Server struct {
	engine   *engine.Engine
	factory  *vectorstore.Factory
	evalSink *eval.SQLiteSink
	config   *config.ServerConfig
	validate *validator.Validate
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a server with the given dependencies. evalSink may be nil
// when evaluation is disabled.
func NewServer(
	eng *engine.Engine,
	factory *vectorstore.Factory,
	evalSink *eval.SQLiteSink,
	cfg *config.ServerConfig,
	logger *zap.Logger,
) *Server {
	return &Server{
		engine:   eng,
		factory:  factory,
		evalSink: evalSink,
		config:   cfg,
		validate: validator.New(),
		logger:   logger,
	}
}

// Router builds the HTTP routes. Exposed separately from Start for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// No request timeout on /chat; the turn streams for as long as the model
	// generates and is bounded by its own per-stage timeouts.
	r.Post("/api/v1/chat", s.handleChat)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post("/api/v1/chunks", s.handleUpsertChunks)
		r.Delete("/api/v1/chunks", s.handleDeleteChunks)
		r.Get("/api/v1/sessions/{id}/history", s.handleHistory)
		r.Get("/api/v1/projects/{id}/evals", s.handleEvals)
		r.Get("/api/v1/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
