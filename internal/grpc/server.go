// Package grpc exposes the internal gRPC listener: session lookups for sibling
// services and the standard health service, behind the service-token
// interceptor.
package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

type Server struct {
	server *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewServer builds the listener. An empty serviceToken disables the
// interceptor, which main only allows in dev.
func NewServer(serviceToken string, sessions Sessions, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	interceptors := []grpc.UnaryServerInterceptor{loggingInterceptor(logger)}
	if serviceToken != "" {
		auth, err := NewServiceAuthUnaryInterceptor(serviceToken)
		if err != nil {
			return nil, err
		}
		interceptors = append(interceptors, auth)
	}

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	RegisterSessionServiceServer(server, NewSessionServer(sessions))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{server: server, health: healthServer, logger: logger}, nil
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	err := s.server.Serve(lis)
	if err == nil || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks the server NOT_SERVING and drains in-flight calls until ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("grpc call failed", "method", info.FullMethod, "duration", time.Since(start), "error", err.Error())
		}
		return resp, err
	}
}
