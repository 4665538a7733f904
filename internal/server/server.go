// Package server provides the hub HTTP server.
//
// The server exposes a hub.LocalStore over the API described in package api
// so that `qf push` and `qf pull` can target a self-hosted hub:
//   - GET  /api/health
//   - GET  /api/version
//   - GET  /api/models/{namespace}/{name}/tree/{revision}
//   - GET  /api/models/{namespace}/{name}/resolve/{revision}/{file}
//   - PUT  /api/models/{namespace}/{name}/upload/{revision}/{file}?session={id}
//   - POST /api/models/{namespace}/{name}/commit/{revision}
//   - DELETE /api/models/{namespace}/{name}/staging/{session}
//
// Example usage:
//
//	cfg := config.NewDefaultConfig()
//	srv := server.NewServer(cfg, server.BuildInfo{Version: "1.0.0"})
//	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
//	    log.Fatalf("Server failed: %v", err)
//	}
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/tsingmao/qfilter/internal/api"
	"github.com/tsingmao/qfilter/internal/config"
	"github.com/tsingmao/qfilter/internal/hub"
	"github.com/tsingmao/qfilter/internal/logger"
	"github.com/tsingmao/qfilter/internal/server/handlers"
)

// BuildInfo identifies the running binary on /api/version.
type BuildInfo struct {
	Version   string
	BuildTime string
	GitCommit string
}

// Server is the hub HTTP server.
type Server struct {
	// config holds the server configuration including host, port, and storage.
	config *config.Config

	// store is the repository store being served.
	store *hub.LocalStore

	// httpServer is the underlying HTTP server instance.
	httpServer *http.Server

	build BuildInfo
}

// NewServer creates a server serving the repository store under
// cfg.Storage.GetReposDir(). The server is not listening until Start.
func NewServer(cfg *config.Config, build BuildInfo) *Server {
	s := &Server{
		config: cfg,
		store:  hub.NewLocalStore(cfg.Storage.GetReposDir(), cfg.Hub.Revision),
		build:  build,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Store returns the repository store served by this server.
func (s *Server) Store() *hub.LocalStore {
	return s.store
}

// Handler builds the routed, logged HTTP handler. Start uses it; tests can
// mount it on an httptest.Server.
func (s *Server) Handler() http.Handler {
	h := handlers.NewHandler(s.store, s.config.Server.Token, api.VersionResponse{
		Version:   s.build.Version,
		BuildTime: s.build.BuildTime,
		GitCommit: s.build.GitCommit,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/version", h.Version)
	mux.HandleFunc("GET /api/models/{namespace}/{name}/tree/{revision}", h.Tree)
	mux.HandleFunc("GET /api/models/{namespace}/{name}/resolve/{revision}/{file}", h.Resolve)
	mux.HandleFunc("PUT /api/models/{namespace}/{name}/upload/{revision}/{file}", h.Upload)
	mux.HandleFunc("POST /api/models/{namespace}/{name}/commit/{revision}", h.Commit)
	mux.HandleFunc("DELETE /api/models/{namespace}/{name}/staging/{session}", h.AbortStage)

	return s.loggingMiddleware(mux)
}

// Start listens on the configured address and blocks until the server is
// stopped. It returns http.ErrServerClosed after a graceful Stop, including
// a Stop that happens before Start.
func (s *Server) Start() error {
	if err := s.config.EnsureDirectories(); err != nil {
		return err
	}

	logger.Info("Starting qf hub on %s (store: %s)", s.httpServer.Addr, s.store.Root())
	if s.config.Server.Token == "" {
		logger.Warn("No server token configured; uploads are unauthenticated")
	}
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the server, waiting for active requests until
// ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("Shutting down server...")
	return s.httpServer.Shutdown(ctx)
}

// loggingMiddleware logs each request with its duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Info("%s %s %s", r.RemoteAddr, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
		logger.Debug("Completed in %v", time.Since(start))
	})
}
