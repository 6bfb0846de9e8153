package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aeromesh/skygate/internal/registry"
)

// Notifier is told about backend state transitions. Implementations must not
// block; delivery failures are their own problem.
type Notifier interface {
	BackendDown(ctx context.Context, backend, instanceID string, reason string)
	BackendRecovered(ctx context.Context, backend, instanceID string)
}

// Prober runs periodic liveness probes against every known backend instance
// and writes the outcomes into the observation log.
type Prober struct {
	cache    *registry.Cache
	log      *Log
	logger   *slog.Logger
	notifier Notifier
	interval time.Duration
	client   *http.Client

	mu   sync.Mutex
	down map[string]bool // instance id -> last known down state
}

// NewProber creates a prober. notifier may be nil.
func NewProber(cache *registry.Cache, log *Log, notifier Notifier, interval time.Duration, logger *slog.Logger) *Prober {
	return &Prober{
		cache:    cache,
		log:      log,
		logger:   logger,
		notifier: notifier,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		down:     make(map[string]bool),
	}
}

// Run probes on the configured interval until the context is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	instances, _ := p.cache.View()
	for backend, list := range instances {
		for _, inst := range list {
			outcome := p.probe(ctx, inst)
			p.log.Record(Observation{
				Backend:    backend,
				InstanceID: inst.ID,
				Outcome:    outcome,
			})
			p.trackTransition(ctx, backend, inst.ID, outcome)
		}
	}
}

// probe issues one liveness request against an instance's health endpoint.
func (p *Prober) probe(ctx context.Context, inst registry.Instance) Outcome {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.URL()+"/health", nil)
	if err != nil {
		return OutcomeRefused
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeTimeout
		}
		return OutcomeRefused
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Outcome5xx
	}
	return OutcomeOK
}

func (p *Prober) trackTransition(ctx context.Context, backend, instanceID string, outcome Outcome) {
	isDown := outcome != OutcomeOK

	p.mu.Lock()
	wasDown := p.down[instanceID]
	p.down[instanceID] = isDown
	p.mu.Unlock()

	if isDown == wasDown {
		return
	}

	if isDown {
		p.logger.Warn("backend instance down",
			"backend", backend, "instance", instanceID, "outcome", outcome)
		if p.notifier != nil {
			p.notifier.BackendDown(ctx, backend, instanceID, fmt.Sprintf("probe outcome: %s", outcome))
		}
		return
	}

	p.logger.Info("backend instance recovered",
		"backend", backend, "instance", instanceID)
	if p.notifier != nil {
		p.notifier.BackendRecovered(ctx, backend, instanceID)
	}
}
