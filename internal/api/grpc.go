package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nugget/smartfarm-agent/internal/connwatch"
)

// HealthServicePrefix namespaces per-session gRPC health services, e.g.
// "smartfarm.broker".
const HealthServicePrefix = "smartfarm."

// HealthServer exposes session readiness over the standard gRPC health
// protocol. The overall service ("") is SERVING only while every
// tracked session is connected.
type HealthServer struct {
	address  string
	port     int
	sessions *connwatch.Manager
	health   *health.Server
	grpc     *grpc.Server
	logger   *slog.Logger
}

// NewHealthServer creates the server and subscribes it to session
// changes.
func NewHealthServer(address string, port int, sessions *connwatch.Manager, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HealthServer{
		address:  address,
		port:     port,
		sessions: sessions,
		health:   health.NewServer(),
		grpc:     grpc.NewServer(),
		logger:   logger,
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)

	h.refresh()
	sessions.OnChange(func(string, connwatch.State, connwatch.State, error) { h.refresh() })
	return h
}

// refresh recomputes every service status from the session manager.
func (h *HealthServer) refresh() {
	status := h.sessions.Status()
	for _, name := range h.sessions.Names() {
		h.health.SetServingStatus(HealthServicePrefix+name, servingStatus(status[name].Ready))
	}
	h.health.SetServingStatus("", servingStatus(h.sessions.Ready()))
}

func servingStatus(ready bool) healthpb.HealthCheckResponse_ServingStatus {
	if ready {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// check answers a health query in-process, as a remote client would see it.
func (h *HealthServer) check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Start listens and serves until Shutdown.
func (h *HealthServer) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", net.JoinHostPort(h.address, fmt.Sprint(h.port)))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	return h.Serve(lis)
}

// Serve serves on an existing listener.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.logger.Info("starting grpc health server", "address", lis.Addr().String())
	if err := h.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown marks every service NOT_SERVING and stops the server. Open
// Watch streams never finish on their own, so this is a hard stop.
func (h *HealthServer) Shutdown() {
	h.health.Shutdown()
	h.grpc.Stop()
}
