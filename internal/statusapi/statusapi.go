// Package statusapi exposes a node's live state over HTTP: a health check,
// a Prometheus text-exposition metrics endpoint, and the current PeerTable
// snapshot. Grounded on the teacher's internal/api.Server chi wiring
// (RequestID/RealIP/Recoverer middleware, JSON response helper) but reduced
// to the handful of read-only routes a PulseMesh node actually needs —
// there is no REST API surface in spec.md beyond observability.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pulsemesh/pulsemesh/internal/federation"
	"github.com/pulsemesh/pulsemesh/internal/observability"
)

// Server serves /healthz, /metrics, and /peers for a running node.
type Server struct {
	Router  *chi.Mux
	node    *federation.Node
	metrics *observability.Registry
	logger  *slog.Logger
	server  *http.Server
	addr    string
}

// NewServer creates a Server. metrics may be nil if metrics collection is
// disabled, in which case /metrics reports an empty exposition.
func NewServer(addr string, node *federation.Node, metrics *observability.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Router:  chi.NewRouter(),
		node:    node,
		metrics: metrics,
		logger:  logger,
		addr:    addr,
	}
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.RealIP)
	s.Router.Use(middleware.Recoverer)
	s.Router.Get("/healthz", s.handleHealth)
	s.Router.Get("/metrics", s.handleMetrics)
	s.Router.Get("/peers", s.handlePeers)
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if s.metrics == nil {
		return
	}
	w.Write(s.metrics.WriteText())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"peers": s.node.Peers()})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	s.logger.Info("status server starting", slog.String("listen", s.addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
