// Package microservice provides the HTTP shell every deployment runs: health
// probes, diagnostics and the mount point for the WebSocket gateway.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StatusFunc reports runtime details for the /health endpoint.
type StatusFunc func() map[string]any

// EnvCheck names an environment variable reported by /health/env. Secret
// values are reported as SET or MISSING only; others are echoed.
type EnvCheck struct {
	Name   string
	Secret bool
}

// BaseServer provides common functionalities for microservice servers.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex
}

// NewBaseServer creates and initializes a new BaseServer.
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthzHandler)

	return &BaseServer{
		Logger:   logger,
		HTTPPort: httpPort,
		mux:      mux,
		httpServer: &http.Server{
			Addr:              httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start initiates the HTTP server in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided context's deadline.
// Hijacked WebSocket connections are not tracked by the server and must be
// closed separately.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the actual configured HTTP port the server is listening on.
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// HandleStatus mounts /health, which reports OK plus whatever status returns.
func (s *BaseServer) HandleStatus(status StatusFunc) {
	s.mux.HandleFunc("GET /health", StatusHandler(status))
}

// HandleEnvReport mounts /health/env.
func (s *BaseServer) HandleEnvReport(checks []EnvCheck) {
	s.mux.HandleFunc("GET /health/env", EnvReportHandler(checks, os.LookupEnv))
}

// HealthzHandler responds to health check probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// StatusHandler serves a JSON status document.
func StatusHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "OK"}
		if status != nil {
			for k, v := range status() {
				body[k] = v
			}
		}
		writeJSON(w, body)
	}
}

// EnvReportHandler reports which configuration variables are present without
// revealing secret values.
func EnvReportHandler(checks []EnvCheck, lookup func(string) (string, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := make(map[string]string, len(checks))
		for _, c := range checks {
			v, ok := lookup(c.Name)
			switch {
			case !ok || v == "":
				report[c.Name] = "MISSING"
			case c.Secret:
				report[c.Name] = "SET"
			default:
				report[c.Name] = v
			}
		}
		writeJSON(w, report)
	}
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}
