// Package health exposes liveness and dependency health over HTTP,
// alongside the Prometheus metrics endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Checker reports the health of one dependency.
type Checker interface {
	Health(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Health(ctx context.Context) error { return f(ctx) }

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	checkers map[string]Checker
	server   *http.Server
}

// NewServer creates a new health server. checkers maps dependency name to
// its probe; nil entries are ignored.
func NewServer(port int, checkers map[string]Checker) *Server {
	mux := http.NewServeMux()
	s := &Server{
		checkers: checkers,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
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

func (s *Server) check(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	report := make(map[string]string, len(s.checkers))
	for name, checker := range s.checkers {
		if checker == nil {
			continue
		}
		if err := checker.Health(ctx); err != nil {
			report[name] = err.Error()
		} else {
			report[name] = "ok"
		}
	}
	return report
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.check(r.Context())
	status := "healthy"
	for _, state := range report {
		if state != "ok" {
			status = "unhealthy"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
