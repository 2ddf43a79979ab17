package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marko911/racefeed/internal/metrics"
)

// Presence records live sessions somewhere other processes can see them.
type Presence interface {
	Register(ctx context.Context, info SessionInfo) error

	// Touch refreshes a live session's entry, recreating it if it lapsed.
	Touch(ctx context.Context, info SessionInfo) error
	Unregister(ctx context.Context, id string) error
}

// Config controls delivery pacing and admission.
type Config struct {
	PollInterval time.Duration
	RetryDelay   time.Duration

	// AllowedOrigins lists accepted Origin headers. Empty or "*" allows all;
	// "*.example.com" matches subdomains.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		RetryDelay:   10 * time.Second,
	}
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Store    ResultReader
	Config   Config
	Presence Presence
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server upgrades HTTP requests and runs one Session per connection.
type Server struct {
	store    ResultReader
	cfg      Config
	presence Presence
	metrics  *metrics.Metrics
	logger   *slog.Logger
	manager  *Manager
	upgrader websocket.Upgrader
}

func NewServer(sc ServerConfig) *Server {
	if sc.Logger == nil {
		sc.Logger = slog.Default()
	}
	if sc.Metrics == nil {
		sc.Metrics = metrics.New()
	}
	defaults := DefaultConfig()
	if sc.Config.PollInterval <= 0 {
		sc.Config.PollInterval = defaults.PollInterval
	}
	if sc.Config.RetryDelay <= 0 {
		sc.Config.RetryDelay = defaults.RetryDelay
	}

	s := &Server{
		store:    sc.Store,
		cfg:      sc.Config,
		presence: sc.Presence,
		metrics:  sc.Metrics,
		logger:   sc.Logger.With("component", "fanout"),
		manager:  NewManager(sc.Logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Manager() *Manager { return s.manager }

// ServeHTTP upgrades the request and blocks until the session ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	sess := newSession(uuid.NewString(), conn, s.store, s.cfg, s.presence, s.metrics, s.logger)
	s.manager.Register(sess)
	s.metrics.Connections.Inc()

	s.logger.Info("client connected", "client_id", sess.ID(), "remote_addr", sess.RemoteAddr())

	ctx := context.WithoutCancel(r.Context())
	if s.presence != nil {
		if err := s.presence.Register(ctx, sess.Info()); err != nil {
			s.logger.Warn("presence register failed", "client_id", sess.ID(), "error", err)
		}
	}

	if err := sess.Run(ctx); err != nil {
		s.logger.Error("session failed", "client_id", sess.ID(), "error", err)
	}

	s.manager.Unregister(sess.ID())
	s.metrics.Connections.Dec()
	if s.presence != nil {
		cleanupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.presence.Unregister(cleanupCtx, sess.ID()); err != nil {
			s.logger.Warn("presence unregister failed", "client_id", sess.ID(), "error", err)
		}
		cancel()
	}

	s.logger.Info("client disconnected", "client_id", sess.ID(), "cursor", sess.Cursor())
}

// Close ends every open session.
func (s *Server) Close() error {
	return s.manager.Close()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
		if strings.HasPrefix(allowed, "*.") {
			if strings.HasSuffix(strings.ToLower(origin), strings.ToLower(allowed[1:])) {
				return true
			}
		}
	}
	return false
}
