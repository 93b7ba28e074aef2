package httpapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"centralauth.org/internal/obs"
)

// HealthReporter publishes readiness through grpc.health.v1.Health. The
// status is SERVING only while the probe succeeds.
type HealthReporter struct {
	server *health.Server
	probe  ReadyProbe
	logger *slog.Logger
}

func NewHealthReporter(probe ReadyProbe, logger *slog.Logger) *HealthReporter {
	h := &HealthReporter{
		server: health.NewServer(),
		probe:  probe,
		logger: obs.ResolveLogger(logger),
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to srv.
func (h *HealthReporter) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.server)
}

// Check probes once and publishes the result.
func (h *HealthReporter) Check(ctx context.Context) error {
	var err error
	if h.probe != nil {
		err = h.probe.Check(ctx)
	}
	if err != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		h.logger.WarnContext(ctx, "readiness probe failed", "event", "health", "error", err.Error())
		return err
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return nil
}

// Run probes every interval until ctx is cancelled.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		_ = h.Check(probeCtx)
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown reports NOT_SERVING to every watcher.
func (h *HealthReporter) Shutdown() {
	h.server.Shutdown()
	obs.SetReady(false)
}

func (h *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(serviceName, status)
}
