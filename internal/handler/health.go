package handler

import (
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RegisterHealthServer registers the standard gRPC health service with s.
// The Store service starts out NOT_SERVING until SetServing reports otherwise.
func RegisterHealthServer(s grpc.ServiceRegistrar) *grpchealth.Server {
	hs := grpchealth.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

// SetServing mirrors the store readiness into the health service
func SetServing(hs *grpchealth.Server, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(ServiceName, status)
	hs.SetServingStatus("", status)
}
