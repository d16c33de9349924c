package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SourceService is the health service name that tracks the PM2 bus
// connection. The empty service name mirrors it.
const SourceService = "pm2.events"

type HealthServer struct {
	*health.Server
}

func NewHealthServer() *HealthServer {
	s := &HealthServer{Server: health.NewServer()}
	s.SetSourceConnected(false)
	return s
}

func (s *HealthServer) SetSourceConnected(connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.SetServingStatus("", status)
	s.SetServingStatus(SourceService, status)
}

func (s *HealthServer) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, s.Server)
}
