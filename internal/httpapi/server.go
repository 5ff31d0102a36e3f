// Package httpapi exposes a read-only inspection API over HTTP: replica
// status, metrics and a direct view of the local data store. It never writes
// through to the cluster; mutations go through the message protocol.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"replikv/internal/metrics"
	"replikv/internal/replica"
	"replikv/internal/statemachine"
)

// NewRouter builds the inspection router. The metrics collector may be nil.
func NewRouter(rep *replica.Replica, store *statemachine.KVStore, met *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(receivedAt)

	registerRoutes(r, rep, store, met)
	return r
}

// Server wraps an http.Server for the inspection API.
type Server struct {
	srv *http.Server
}

// NewServer creates an inspection API server listening on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until Shutdown. It should be called as a goroutine.
func (s *Server) Start() {
	log.Printf("[HTTPAPI] Listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("[HTTPAPI] Server stopped: %v", err)
	}
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
