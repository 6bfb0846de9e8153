package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/aeromesh/skygate/internal/telemetry"
)

// snapshot is an immutable view of the registry. Mutators build a new
// snapshot and publish it; readers load the pointer and never lock.
type snapshot struct {
	instances map[string][]Instance
	fetchedAt map[string]time.Time
}

// Cache holds the per-backend instance lists and implements health-aware
// round-robin selection.
type Cache struct {
	client          *Client
	logger          *slog.Logger
	services        []string
	refreshInterval time.Duration
	staleness       time.Duration

	snap     atomic.Pointer[snapshot]
	counters sync.Map // service name -> *atomic.Uint64
	breakers sync.Map // instance id -> *gobreaker.CircuitBreaker
}

// NewCache creates a registry cache for the given backend names.
func NewCache(client *Client, services []string, refreshInterval, staleness time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		client:          client,
		logger:          logger,
		services:        services,
		refreshInterval: refreshInterval,
		staleness:       staleness,
	}
}

// Pick returns the next healthy instance for the backend, round-robin.
// It is non-blocking: a snapshot lookup plus an atomic counter increment.
// Returns ErrNoInstance when the backend has no usable instance or the cached
// view is stale beyond the bound.
func (c *Cache) Pick(service string) (Instance, error) {
	snap := c.snap.Load()
	if snap == nil {
		return Instance{}, ErrNoInstance
	}

	fetched, ok := snap.fetchedAt[service]
	if !ok || time.Since(fetched) > c.staleness {
		return Instance{}, ErrNoInstance
	}

	all := snap.instances[service]
	candidates := make([]Instance, 0, len(all))
	for _, inst := range all {
		if c.breakerFor(inst.ID).State() == gobreaker.StateOpen {
			continue
		}
		candidates = append(candidates, inst)
	}
	if len(candidates) == 0 {
		return Instance{}, ErrNoInstance
	}

	n := c.counterFor(service).Add(1)
	return candidates[(n-1)%uint64(len(candidates))], nil
}

// ReportOutcome feeds an attempt result back into the instance's circuit
// breaker. Repeated failures open the breaker and remove the instance from
// Pick's candidate set until its half-open probe succeeds.
func (c *Cache) ReportOutcome(inst Instance, ok bool) {
	cb := c.breakerFor(inst.ID)
	_, _ = cb.Execute(func() (any, error) {
		if ok {
			return nil, nil
		}
		return nil, fmt.Errorf("attempt against %s failed", inst.ID)
	})
}

// Refresh queries the registry for every known backend and atomically swaps
// the snapshot. A backend whose query fails keeps its previous list and
// timestamp (stale-but-serving).
func (c *Cache) Refresh(ctx context.Context) error {
	prev := c.snap.Load()

	next := &snapshot{
		instances: make(map[string][]Instance, len(c.services)),
		fetchedAt: make(map[string]time.Time, len(c.services)),
	}

	var firstErr error
	for _, service := range c.services {
		instances, err := c.client.HealthyInstances(ctx, service)
		if err != nil {
			telemetry.RegistryRefreshesTotal.WithLabelValues("error").Inc()
			c.logger.Warn("registry refresh failed, serving stale",
				"service", service, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			if prev != nil {
				if old, ok := prev.instances[service]; ok {
					next.instances[service] = old
					next.fetchedAt[service] = prev.fetchedAt[service]
				}
			}
			continue
		}

		telemetry.RegistryRefreshesTotal.WithLabelValues("ok").Inc()
		next.instances[service] = instances
		next.fetchedAt[service] = time.Now()
	}

	c.snap.Store(next)
	return firstErr
}

// Run performs the initial load (with exponential backoff so a slow registry
// does not fail startup) and then refreshes on the configured interval until
// the context is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.Refresh(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(time.Minute))
	if err != nil {
		c.logger.Warn("initial registry load incomplete, continuing with partial view", "error", err)
	}

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("registry refresh cycle had failures", "error", err)
			}
		}
	}
}

// Services returns the backend names this cache tracks.
func (c *Cache) Services() []string {
	return c.services
}

// View returns the current instance lists and their fetch times, for the
// health introspection endpoints.
func (c *Cache) View() (map[string][]Instance, map[string]time.Time) {
	snap := c.snap.Load()
	if snap == nil {
		return map[string][]Instance{}, map[string]time.Time{}
	}
	return snap.instances, snap.fetchedAt
}

func (c *Cache) counterFor(service string) *atomic.Uint64 {
	if v, ok := c.counters.Load(service); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := c.counters.LoadOrStore(service, &atomic.Uint64{})
	return v.(*atomic.Uint64)
}

func (c *Cache) breakerFor(instanceID string) *gobreaker.CircuitBreaker {
	if v, ok := c.breakers.Load(instanceID); ok {
		return v.(*gobreaker.CircuitBreaker)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        instanceID,
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	v, _ := c.breakers.LoadOrStore(instanceID, cb)
	return v.(*gobreaker.CircuitBreaker)
}
