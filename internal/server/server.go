// Package server exposes the REST API, the SSE progress stream and the
// WebSocket endpoint.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/crypto"
	"github.com/jcovali/pgsync/internal/progress"
	"github.com/jcovali/pgsync/internal/scheduler"
	"github.com/jcovali/pgsync/internal/status"
	"github.com/jcovali/pgsync/internal/store"
)

// Deps bundles everything the HTTP layer needs.
type Deps struct {
	Store     *store.Store
	Status    *status.Controller
	Bus       *progress.Bus
	Runner    scheduler.JobRunner
	Scheduler *scheduler.Scheduler
	Cipher    *crypto.Cipher
}

type Server struct {
	deps   Deps
	logger zerolog.Logger
	hub    *Hub
	srv    *http.Server
}

func New(deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		deps:   deps,
		logger: logger.With().Str("component", "http-server").Logger(),
		hub:    newHub(deps.Bus, logger),
	}
}

// Start begins serving on host:port. It blocks until the context is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	h := &handlers{deps: s.deps, logger: s.logger}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.health)

	mux.HandleFunc("GET /api/connections", h.listConnections)
	mux.HandleFunc("POST /api/connections", h.createConnection)
	mux.HandleFunc("GET /api/connections/{id}", h.getConnection)
	mux.HandleFunc("PUT /api/connections/{id}", h.updateConnection)
	mux.HandleFunc("DELETE /api/connections/{id}", h.deleteConnection)
	mux.HandleFunc("POST /api/connections/{id}/test", h.testConnection)

	mux.HandleFunc("GET /api/jobs", h.listJobs)
	mux.HandleFunc("POST /api/jobs", h.createJob)
	mux.HandleFunc("GET /api/jobs/{id}", h.getJob)
	mux.HandleFunc("PUT /api/jobs/{id}", h.updateJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.deleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/run", h.runJob)
	mux.HandleFunc("POST /api/jobs/{id}/pause", h.pauseJob)
	mux.HandleFunc("POST /api/jobs/{id}/resume", h.resumeJob)
	mux.HandleFunc("GET /api/jobs/{id}/logs", h.listJobLogs)
	mux.HandleFunc("GET /api/jobs/{id}/status", h.jobStatus)
	mux.HandleFunc("GET /api/jobs/{id}/progress", h.progressSSE)

	mux.HandleFunc("GET /api/logs/{id}", h.getLog)
	mux.HandleFunc("POST /api/status/{id}/cancel", h.cancelRun)

	mux.HandleFunc("GET /api/jobs/{id}/ws", s.hub.handleWS)

	s.srv = &http.Server{
		Addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info().Str("addr", s.srv.Addr).Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine (non-blocking).
func (s *Server) StartBackground(ctx context.Context, host string, port int) {
	go func() {
		if err := s.Start(ctx, host, port); err != nil {
			s.logger.Err(err).Msg("http server error")
		}
	}()
}
