// Package grpcserver exposes the standard gRPC health service for racefeed.
package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall "" status.
const ServiceName = "racefeed"

// Checker reports whether a dependency is usable.
type Checker interface {
	Health(ctx context.Context) error
}

// Server owns the gRPC server and its health state.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	checker Checker
	period  time.Duration
	logger  *slog.Logger
	lis     net.Listener
}

// New registers the health service. Status follows checker every period;
// a nil checker leaves the server SERVING.
func New(checker Checker, period time.Duration, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if period <= 0 {
		period = 10 * time.Second
	}

	s := &Server{
		grpc:    grpc.NewServer(opts...),
		health:  health.NewServer(),
		checker: checker,
		period:  period,
		logger:  logger.With("component", "grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Check runs the checker once and publishes the result.
func (s *Server) Check(ctx context.Context) {
	if s.checker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.period)
	defer cancel()

	if err := s.checker.Health(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) watch(ctx context.Context) {
	t := time.NewTicker(s.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Check(ctx)
		}
	}
}

// Serve runs on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.lis = lis
	s.Check(ctx)
	go s.watch(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	s.logger.Info("grpc health server listening", "addr", lis.Addr().String())
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
