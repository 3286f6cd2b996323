package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"realm-export/backend/internal/health"
)

// NewGRPCServer returns a gRPC server instrumented with otelgrpc and serving grpc.health.v1 from checker.
func NewGRPCServer(checker *health.Checker) *grpc.Server {
	s := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	RegisterServices(s, checker)
	return s
}

// RegisterServices registers the gRPC services with s.
//
// Service → implementation:
//   - grpc.health.v1.Health → internal/health (Checker.Server)
func RegisterServices(s grpc.ServiceRegistrar, checker *health.Checker) {
	healthpb.RegisterHealthServer(s, checker.Server())
}
