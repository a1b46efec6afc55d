// Package api exposes the operational HTTP surface: Prometheus metrics,
// a health probe and a status summary.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the payload of GET /status.
type Status struct {
	Hostname          string    `json:"hostname"`
	StartTime         time.Time `json:"start_time"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	ActiveConnections int       `json:"active_connections"`
	Zones             []string  `json:"zones"`
	TriggerPhase      string    `json:"trigger_phase"`
}

// StatusFunc supplies the current status snapshot.
type StatusFunc func() Status

// Server is the admin HTTP server.
type Server struct {
	listen string
	status StatusFunc
	logger *slog.Logger
	http   *http.Server
}

// NewServer creates the admin server on the given listen address.
func NewServer(listen string, status StatusFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen: listen,
		status: status,
		logger: logger.With("component", "api"),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.listen,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()

	s.logger.Info("admin api listening", "addr", s.listen)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	st.UptimeSeconds = int64(time.Since(st.StartTime).Seconds())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}
