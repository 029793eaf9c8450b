package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"session-control-plane/backend/internal/server/interceptors"
)

// Public gRPC methods: no bearer token required.
var publicMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// GRPCDeps holds the gRPC server's collaborators.
type GRPCDeps struct {
	// Gate authenticates bearer tokens for every non-public method.
	Gate interceptors.Authenticator
	// Health is the standard health service; a new one is created when nil.
	Health *grpchealth.Server
}

// NewGRPCServer returns a gRPC server with tracing, auth and request logging, and the
// health service registered. Streaming transports register their services on it before Serve.
func NewGRPCServer(deps GRPCDeps) (*grpc.Server, *grpchealth.Server) {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.RequestLogUnary(publicMethods),
			interceptors.AuthUnary(deps.Gate, publicMethods),
		),
		grpc.ChainStreamInterceptor(
			interceptors.RequestLogStream(publicMethods),
			interceptors.AuthStream(deps.Gate, publicMethods),
		),
	)
	hs := deps.Health
	if hs == nil {
		hs = grpchealth.NewServer()
	}
	RegisterServices(s, hs)
	return s, hs
}

// RegisterServices registers the gRPC services with the given registrar.
//
//   - grpc.health.v1.Health → grpc/health (readiness mirrored by health.Checker.Watch)
func RegisterServices(s grpc.ServiceRegistrar, hs healthpb.HealthServer) {
	healthpb.RegisterHealthServer(s, hs)
}
