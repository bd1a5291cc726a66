package grpc

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// UpdateHealth runs the backing service checks and publishes the result as
// the serving status of the chart hub and of the server as a whole
func (s *Server) UpdateHealth(ctx context.Context) bool {
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			healthy = false
			s.logger.WithError(err).WithField("service", name).Warn("Health check failed")
		}
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return healthy
}

// WatchHealth refreshes the serving status every interval until ctx ends
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.UpdateHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.UpdateHealth(ctx)
		}
	}
}

// Uptime returns how long the server has been running
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
