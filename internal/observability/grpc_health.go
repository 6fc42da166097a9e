package observability

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth exposes the standard grpc.health.v1 service for infrastructure probes
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
}

// NewGRPCHealth creates a health server reporting SERVING for the overall service
func NewGRPCHealth() *GRPCHealth {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	return &GRPCHealth{server: srv, health: hs}
}

// SetServing flips the reported status of the service
func (g *GRPCHealth) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(serviceName, status)
}

// Serve blocks serving on lis until Stop is called
func (g *GRPCHealth) Serve(lis net.Listener) error {
	if err := g.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled
func (g *GRPCHealth) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		g.Stop()
	}()
	return g.Serve(lis)
}

// Stop marks the service NOT_SERVING and stops the server
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
