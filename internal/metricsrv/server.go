// Package metricsrv serves the operational endpoints: Prometheus metrics
// and a JSON health snapshot.
package metricsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mtbridge/internal/core"
)

// Probes supplies the live readings reported by /health. Nil probes read
// as their zero value.
type Probes struct {
	Connected    func() bool
	PumpState    func() string
	StreamCount  func() int
	PendingCount func() int
}

// Server exposes /metrics and /health on its own listener, away from the
// streaming port.
type Server struct {
	port   int
	probes Probes
	logger core.ILogger
	srv    *http.Server
}

func NewServer(port int, probes Probes, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		probes: probes,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := false
	if s.probes.Connected != nil {
		connected = s.probes.Connected()
	}
	pumpState := "idle"
	if s.probes.PumpState != nil {
		pumpState = s.probes.PumpState()
	}
	streamCount := 0
	if s.probes.StreamCount != nil {
		streamCount = s.probes.StreamCount()
	}
	pendingCount := 0
	if s.probes.PendingCount != nil {
		pendingCount = s.probes.PendingCount()
	}

	status := "ok"
	code := http.StatusOK
	if !connected || pumpState != "running" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	health := map[string]interface{}{
		"status":          status,
		"time":            time.Now().UTC().Format(time.RFC3339),
		"connected":       connected,
		"pump_state":      pumpState,
		"stream_clients":  streamCount,
		"signals_pending": pendingCount,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Error("Health encode failed", "error", err)
	}
}
