// Package api is the local agent HTTP API. It lets the practice-management
// UI trigger sync cycles and inspect sync state without touching the
// database directly.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/clinsync/internal/engine"
	"github.com/marcus/clinsync/internal/store"
)

// Server is the HTTP API server for the sync agent.
type Server struct {
	config  Config
	http    *http.Server
	db      *store.DB
	engine  *engine.Engine
	metrics *Metrics
}

// NewServer creates a new Server with the given config, store, and engine.
func NewServer(cfg Config, db *store.DB, eng *engine.Engine) *Server {
	s := &Server{
		config:  cfg,
		db:      db,
		engine:  eng,
		metrics: NewMetrics(),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the full middleware-wrapped handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Sync
	mux.HandleFunc("POST /v1/sync/push", s.requireAuth(s.handleSyncPush))
	mux.HandleFunc("GET /v1/sync/pull", s.requireAuth(s.handleSyncPull))
	mux.HandleFunc("POST /v1/sync/run", s.requireAuth(s.handleSyncRun))
	mux.HandleFunc("GET /v1/sync/status", s.requireAuth(s.handleSyncStatus))

	// Conflicts
	mux.HandleFunc("GET /v1/conflicts", s.requireAuth(s.handleListConflicts))
	mux.HandleFunc("GET /v1/conflicts/{id}", s.requireAuth(s.handleGetConflict))
	mux.HandleFunc("POST /v1/conflicts/{id}/resolve", s.requireAuth(s.handleResolveConflict))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, maxBytesMiddleware(1<<20))
}

// handleHealth returns a health check response, pinging the local DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Conn().Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of agent metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
