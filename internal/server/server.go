// Package server provides the HTTP API for kao.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hyperjump/kao/internal/app"
	"github.com/hyperjump/kao/internal/config"
)

// WatchService manages the directories that are auto-ingested.
type WatchService interface {
	Roots() []string
	AddRoot(root string, scanExisting bool) error
	RemoveRoot(root string) error
}

// Server is the HTTP server for the kao API.
type Server struct {
	app    *app.App
	config *config.ServerConfig
	logger *zap.Logger
	server *http.Server

	// watch is nil when no watcher runs; the watch endpoints then answer 501.
	watch      WatchService
	configPath string
	configMu   sync.Mutex
}

// NewServer creates a server for a. configPath, when set, is rewritten after
// watch directory changes.
func NewServer(a *app.App, logger *zap.Logger, watch WatchService, configPath string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		app:        a,
		config:     &a.Config.Server,
		logger:     logger,
		watch:      watch,
		configPath: configPath,
	}
}

// Router returns the API routes with middleware applied.
func (s *Server) Router() http.Handler {
	timeout := s.config.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(middleware.Compress(5))
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/references", s.handleUploadReferences)
		r.Post("/vectors", s.handleIngestVectors)
		r.Post("/load", s.handleLoad)

		r.Post("/identify", s.handleIdentifyImage)
		r.Post("/identify/vectors", s.handleIdentifyVectors)
		r.Post("/query", s.handleQuery)

		r.Get("/records/{id}", s.handleGetRecord)
		r.Delete("/records/{id}", s.handleDeleteRecord)
		r.Get("/labels", s.handleLabels)
		r.Get("/labels/search", s.handleLabelSearch)

		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
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
