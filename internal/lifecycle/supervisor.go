// Package lifecycle registers the gateway with the service registry and keeps
// its TTL health check passing until shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/aeromesh/skygate/internal/registry"
)

// Supervisor owns the gateway's own registration: register on startup,
// heartbeat periodically, deregister on shutdown.
type Supervisor struct {
	client       *registry.Client
	logger       *slog.Logger
	serviceID    string
	serviceName  string
	address      string
	port         int
	heartbeatTTL time.Duration
}

// NewSupervisor creates the lifecycle supervisor.
func NewSupervisor(client *registry.Client, serviceID, serviceName, address string, port int, heartbeatTTL time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		client:       client,
		logger:       logger,
		serviceID:    serviceID,
		serviceName:  serviceName,
		address:      address,
		port:         port,
		heartbeatTTL: heartbeatTTL,
	}
}

// Run registers the gateway (retrying until the registry accepts it), then
// heartbeats until the context is cancelled, then deregisters.
func (s *Supervisor) Run(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.client.RegisterSelf(ctx, s.serviceID, s.serviceName, s.address, s.port, s.heartbeatTTL)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(time.Minute))
	if err != nil {
		return fmt.Errorf("registering gateway: %w", err)
	}
	s.logger.Info("gateway registered", "service_id", s.serviceID)

	// Mark the check passing immediately; a fresh registration starts critical.
	if err := s.client.Heartbeat(ctx, s.serviceID); err != nil {
		s.logger.Warn("initial heartbeat failed", "error", err)
	}

	ticker := time.NewTicker(s.heartbeatTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The run context is gone; deregister on a fresh one.
			deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.client.Deregister(deregCtx, s.serviceID); err != nil {
				s.logger.Warn("deregistering gateway", "error", err)
			} else {
				s.logger.Info("gateway deregistered", "service_id", s.serviceID)
			}
			return nil
		case <-ticker.C:
			if err := s.client.Heartbeat(ctx, s.serviceID); err != nil {
				s.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
