package server

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/gezibash/arc-modem/internal/observability"
)

func startServer(t *testing.T) (*Server, grpc_health_v1.HealthClient) {
	t.Helper()
	s, err := New("127.0.0.1:0", observability.NewMetrics(), false)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = s.Serve() }()

	conn, err := grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, grpc_health_v1.NewHealthClient(conn)
}

func check(t *testing.T, c grpc_health_v1.HealthClient, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthLifecycle(t *testing.T) {
	s, c := startServer(t)

	for _, svc := range []string{"", ServiceName} {
		if st := check(t, c, svc); st != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
			t.Errorf("%q before ready = %v", svc, st)
		}
	}

	s.SetServing(true)
	for _, svc := range []string{"", ServiceName} {
		if st := check(t, c, svc); st != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Errorf("%q after ready = %v", svc, st)
		}
	}

	s.SetServing(false)
	if st := check(t, c, ""); st != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("after unready = %v", st)
	}
}

func TestStopMarksNotServing(t *testing.T) {
	s, err := New("127.0.0.1:0", nil, true)
	if err != nil {
		t.Fatal(err)
	}
	s.SetServing(true)
	go func() { _ = s.Serve() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	// Health server state survives Stop; Shutdown pins NOT_SERVING.
	resp, err := s.health.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status after stop = %v", resp.GetStatus())
	}
}

func TestListenError(t *testing.T) {
	if _, err := New("256.0.0.1:bad", nil, false); err == nil {
		t.Error("expected listen error")
	}
}
