package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/gatekeeper/internal/core/domain"
)

// Server exposes the orchestrator's observability surfaces over HTTP.
type Server struct {
	orch   *Orchestrator
	server *http.Server
}

// NewServer creates the HTTP server for the given orchestrator.
func NewServer(orch *Orchestrator, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		orch: orch,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/diagnostics", s.handleDiagnostics)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth answers liveness probes: 200 unless health is critical or the
// connection is down with no recovery in flight.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.orch.GetStatus()

	code := http.StatusOK
	if status.Health.Health == domain.HealthCritical ||
		status.State == domain.StateDisconnected {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"state":  string(status.State),
		"health": string(status.Health.Health),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orch.GetStatus())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orch.GetDiagnostics())
}
