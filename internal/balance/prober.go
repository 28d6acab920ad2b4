package balance

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/modelgrid/modelgrid/internal/metrics"
	"github.com/modelgrid/modelgrid/pkg/provider"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// ProberConfig controls the background health checker.
type ProberConfig struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// Prober periodically probes every provider and feeds availability into
// the pool's instances, so the balancer sees outages before request
// traffic does.
type Prober struct {
	cfg      ProberConfig
	registry *provider.Registry
	pool     *Pool
	logger   *slog.Logger
	started  atomic.Bool
}

// NewProber creates a prober over the registry and pool.
func NewProber(cfg ProberConfig, registry *provider.Registry, pool *Pool, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{cfg: cfg, registry: registry, pool: pool, logger: logger}
}

// Start launches the probe loop until the context is canceled. Repeated
// calls are no-ops.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		}
	}
}

func (p *Prober) runOnce(ctx context.Context) {
	healthByProvider := make(map[string]provider.Health)
	for _, prov := range p.registry.All() {
		if ctx.Err() != nil {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		healthByProvider[prov.Name()] = prov.Health(probeCtx)
		cancel()
	}

	for _, in := range p.pool.All() {
		h, ok := healthByProvider[in.Provider]
		if !ok {
			continue
		}
		if h.Healthy {
			in.SetAvailability(1.0)
		} else {
			in.SetAvailability(0)
			p.logger.Warn("backend probe failed",
				"instance", in.ID,
				"provider", in.Provider,
				"message", h.Message,
			)
		}
		metrics.BackendHealth.WithLabelValues(in.ID).Set(in.HealthScore())
	}
}
