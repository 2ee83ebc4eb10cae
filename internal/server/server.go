// Package server exposes the arbiter's readiness over the standard gRPC
// health protocol.
package server

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/gezibash/arc-modem/internal/observability"
)

// ServiceName is the health service name reported alongside the overall ("")
// status.
const ServiceName = "arc.modem.v1.Arbiter"

type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	health     *health.Server
}

// New listens on addr. The server starts NOT_SERVING; the runtime flips it
// once plugins are initialised and enumeration has started. metrics may be
// nil.
func New(addr string, metrics *observability.Metrics, enableReflection bool, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		grpcServer: grpc.NewServer(append([]grpc.ServerOption{
			grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(metrics)),
			grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(metrics)),
		}, opts...)...),
		listener: lis,
		health:   health.NewServer(),
	}
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	if enableReflection {
		reflection.Register(s.grpcServer)
	}
	s.SetServing(false)
	return s, nil
}

// SetServing reports readiness for both the overall and the arbiter service.
func (s *Server) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	for _, svc := range [...]string{"", ServiceName} {
		s.health.SetServingStatus(svc, st)
	}
}

func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop marks the server NOT_SERVING, then stops gracefully unless ctx ends
// first.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("graceful stop timed out, forcing")
		s.grpcServer.Stop()
		<-done
	}
}
