package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marko911/racefeed/internal/correctness"
	"github.com/marko911/racefeed/internal/delivery/websocket"
	"github.com/marko911/racefeed/internal/metrics"
)

// Pinger is satisfied by the result store.
type Pinger interface {
	Health(ctx context.Context) error
}

// SessionLister lists sessions across every instance.
type SessionLister interface {
	List(ctx context.Context) ([]websocket.SessionInfo, error)
}

// GapReporter reports holes in the stored race sequence.
type GapReporter interface {
	Status() correctness.Status
}

// Server serves the HTTP surface: fan-out, health and operations endpoints.
type Server struct {
	store    Pinger
	fanout   *websocket.Server
	presence SessionLister
	gaps     GapReporter
	checks   []namedCheck
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewServer(store Pinger, fanout *websocket.Server, presence SessionLister, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		store:    store,
		fanout:   fanout,
		presence: presence,
		metrics:  m,
		logger:   logger.With("component", "http"),
	}
}

type namedCheck struct {
	name string
	p    Pinger
}

// WithCheck adds a dependency that /ready must reach. Failures are reported
// as <name>_unavailable.
func (s *Server) WithCheck(name string, p Pinger) *Server {
	s.checks = append(s.checks, namedCheck{name: name, p: p})
	return s
}

// WithGaps enables /api/v1/gaps.
func (s *Server) WithGaps(g GapReporter) *Server {
	s.gaps = g
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/ws", s.metrics.Instrument("/ws", s.fanout))
	mux.Handle("/health", s.metrics.Instrument("/health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/ready", s.metrics.Instrument("/ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("/metrics", s.metrics.Handler())

	mux.Handle("/api/v1/connections", s.metrics.Instrument("/api/v1/connections", http.HandlerFunc(s.handleConnections)))
	mux.Handle("/api/v1/stats", s.metrics.Instrument("/api/v1/stats", http.HandlerFunc(s.handleStats)))
	mux.Handle("/api/v1/gaps", s.metrics.Instrument("/api/v1/gaps", http.HandlerFunc(s.handleGaps)))

	return s.loggingMiddleware(mux)
}

// loggingMiddleware logs all requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports whether the store and every registered dependency answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := append([]namedCheck{{name: "store", p: s.store}}, s.checks...)
	var reasons []string
	for _, c := range checks {
		if err := c.p.Health(ctx); err != nil {
			s.logger.Warn("readiness check failed", "dependency", c.name, "error", err)
			reasons = append(reasons, c.name+"_unavailable")
		}
	}

	status := map[string]any{
		"ready":     len(reasons) == 0,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(reasons) > 0 {
		status["reasons"] = reasons
		s.writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleConnections lists sessions cluster-wide when a presence registry is
// configured and this instance's sessions otherwise.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	scope := "local"
	sessions := s.fanout.Manager().Snapshot()
	if s.presence != nil {
		list, err := s.presence.List(r.Context())
		if err != nil {
			s.logger.Error("failed to list sessions", "error", err)
			http.Error(w, "presence registry unavailable", http.StatusBadGateway)
			return
		}
		scope = "cluster"
		sessions = list
	}
	if sessions == nil {
		sessions = []websocket.SessionInfo{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"scope":       scope,
		"count":       len(sessions),
		"connections": sessions,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.fanout.Manager().Stats())
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.gaps == nil {
		http.Error(w, "gap detector disabled", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.gaps.Status())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
