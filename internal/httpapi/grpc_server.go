package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"factoryauth.org/internal/obs"
)

// HealthServer publishes readiness through the standard gRPC health service,
// both for the empty service name and for serviceName.
type HealthServer struct {
	srv    *health.Server
	ready  ReadyProbe
	logger obs.Logger
}

// NewHealthServer creates the gRPC health wrapper. A nil probe is always ready.
func NewHealthServer(ready ReadyProbe, logger obs.Logger) *HealthServer {
	if logger == nil {
		logger = obs.Nop()
	}
	return &HealthServer{srv: health.NewServer(), ready: ready, logger: logger}
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Probe checks readiness once and updates the served status.
func (h *HealthServer) Probe(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	if h.ready != nil {
		if err := h.ready.Ping(ctx); err != nil {
			h.logger.Warn("grpc health probe failed", obs.Err(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
	return status == healthpb.HealthCheckResponse_SERVING
}

// Run probes every interval until ctx ends, then marks everything not serving.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			h.Probe(pctx)
			cancel()
		}
	}
}
