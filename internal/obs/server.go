// Package obs serves the run's observability surface: Prometheus metrics and
// a store health probe on a small HTTP listener that lives only as long as
// the run. Disabled entirely when no address is configured.
package obs

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"congestion-audit/pkg/database"
	"congestion-audit/pkg/logging"
)

// Server is the optional metrics/health listener.
type Server struct {
	srv    *http.Server
	db     *database.SQLiteDB
	logger *logging.StructuredLogger
}

// NewServer builds the listener on addr, serving the given metric registry.
// The store is only probed, never queried: the health check pings the single
// connection.
func NewServer(addr string, db *database.SQLiteDB, gatherer prometheus.Gatherer, logger *logging.StructuredLogger) *Server {
	s := &Server{db: db, logger: logger}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return s
}

// Start brings the listener up in the background. Listen failures are logged,
// not fatal: a run never aborts because its metrics port is taken.
func (s *Server) Start(ctx context.Context) {
	s.logger.Info(ctx, "[OBS_START] Observability listener starting", logging.Fields{
		"address": s.srv.Addr,
	})

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(ctx, "[OBS_ERROR] Observability listener failed", logging.Fields{
				"address": s.srv.Addr,
			}, err)
		}
	}()
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error(ctx, "[OBS_SHUTDOWN_ERROR] Listener forced down", logging.Fields{}, err)
		return
	}
	s.logger.Info(ctx, "[OBS_STOP] Observability listener stopped", logging.Fields{})
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.db.HealthCheck(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(healthResponse{Status: "unhealthy", Error: err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
}
