package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service key for the run pipeline.
const ServiceName = "starstack.Pipeline"

type healthService struct {
	*health.Server
}

func newHealthService() *healthService {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &healthService{Server: hs}
}

func newGRPCServer(hs *healthService) *grpc.Server {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs.Server)
	reflection.Register(srv)
	return srv
}
