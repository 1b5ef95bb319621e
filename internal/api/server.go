// Package api implements the agent's local status surface: an HTTP
// server for health, state, metrics and the event stream, and a gRPC
// health service for orchestrators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/smartfarm-agent/internal/buildinfo"
	"github.com/nugget/smartfarm-agent/internal/connwatch"
	"github.com/nugget/smartfarm-agent/internal/device"
	"github.com/nugget/smartfarm-agent/internal/events"
	"github.com/nugget/smartfarm-agent/internal/metrics"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP status server.
type Server struct {
	address  string
	port     int
	state    *device.State
	sessions *connwatch.Manager
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	// cancelBase ends every request context, so open event streams
	// finish with the server.
	cancelBase context.CancelFunc
}

// NewServer creates a status server. m may be nil, in which case
// /metrics is not served.
func NewServer(address string, port int, state *device.State, sessions *connwatch.Manager,
	bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		address:  address,
		port:     port,
		state:    state,
		sessions: sessions,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Read-only local diagnostics; no credentials ride on the stream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cancelBase: cancel,
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(address, fmt.Sprint(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	return s
}

// Handler returns the routed handler. Start uses it; tests drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)
	r.Get("/v1/state", s.handleState)
	r.Get("/v1/sessions", s.handleSessions)
	r.Get("/v1/events", s.handleEvents)
	r.Get("/v1/events/stream", s.handleEventStream)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Start serves HTTP until ctx ends or Shutdown is called. It returns
// nil after a clean shutdown, including one that happened before Start.
func (s *Server) Start(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	})
	defer stop()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status server", "address", addr, "port", s.port)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server. It is safe to call more than
// once and before Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":      "smartfarm-agent",
		"version":   buildinfo.Version,
		"device_id": s.state.DeviceID(),
		"status":    "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

// handleHealth reports 200 when both sessions are connected and 503
// otherwise, with the per-session detail in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !s.sessions.Ready() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"sessions": s.sessions.Status(),
		"uptime":   buildinfo.Uptime().String(),
	}, s.logger)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Snapshot(), s.logger)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Status(), s.logger)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	recent := s.bus.Recent()
	if recent == nil {
		recent = []events.Event{}
	}
	writeJSON(w, http.StatusOK, recent, s.logger)
}
