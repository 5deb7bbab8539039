// Package liveness exposes the trivial per-process HTTP endpoint every
// worker runs (spec.md §6 "Process surface"): a fixed port returning 200
// "ok". No readiness probe is needed — workers self-recover.
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is a minimal liveness-only HTTP server, the same
// http.Server-plus-mux shape the teacher's dashboard server uses, stripped
// down to the one route this process surface requires.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// New builds a liveness server bound to port.
func New(port int, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "liveness"),
	}
}

// Start runs the server until Stop is called. Intended to be launched in
// its own goroutine by cmd/*/main.go.
func (s *Server) Start() error {
	s.logger.Info("liveness server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("liveness server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
