package health

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name for the node
const ServiceName = "sinpe.Node"

// GRPCReporter mirrors the monitor's status into the standard gRPC health
// service so orchestrators can probe the node.
type GRPCReporter struct {
	server  *grpchealth.Server
	monitor *Monitor
	logger  *slog.Logger
}

// NewGRPCReporter creates a reporter that starts out NOT_SERVING
func NewGRPCReporter(monitor *Monitor, logger *slog.Logger) *GRPCReporter {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpchealth.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCReporter{server: srv, monitor: monitor, logger: logger}
}

// Register attaches the health service and reflection to s
func (r *GRPCReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.server)
	reflection.Register(s)
}

// Server exposes the underlying health server
func (r *GRPCReporter) Server() healthpb.HealthServer { return r.server }

// Update runs one check and publishes its status
func (r *GRPCReporter) Update(ctx context.Context) Report {
	report := r.monitor.Check(ctx)
	status := servingStatus(report.Status)
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)
	return report
}

// Run updates the status every interval until ctx is done, then marks the
// node NOT_SERVING.
func (r *GRPCReporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Update(ctx)
	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			r.logger.Info("grpc health reporter stopped")
			return
		case <-ticker.C:
			report := r.Update(ctx)
			if report.Status != StatusHealthy {
				r.logger.Warn("node health changed", "status", report.Status, "warnings", report.Warnings)
			}
		}
	}
}

// degraded still serves traffic
func servingStatus(s Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == StatusUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
