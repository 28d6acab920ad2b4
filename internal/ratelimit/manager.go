package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelgrid/modelgrid/internal/metrics"
	"github.com/modelgrid/modelgrid/pkg/errors"
	"github.com/modelgrid/modelgrid/pkg/types"
)

// Config holds manager tunables.
type Config struct {
	Enabled     bool
	Algorithm   string
	Distributed bool
	Adaptive    bool
	Tiers       map[types.Tier]types.TierLimits
	Bypass      []string
}

// Manager applies per-tenant admission control. The tier table is swapped
// atomically on config reload; in-flight checks see either the old or the
// new table, never a mix.
type Manager struct {
	cfg       Config
	algorithm Algorithm
	load      LoadFunc

	tiers  atomic.Pointer[map[types.Tier]types.TierLimits]
	mu     sync.RWMutex
	bypass map[string]struct{}
}

// NewManager builds a manager. redisClient may be nil unless Distributed
// is set; load may be nil to disable adaptive scaling.
func NewManager(cfg Config, redisClient redis.UniversalClient, load LoadFunc) (*Manager, error) {
	var algo Algorithm
	switch {
	case cfg.Distributed:
		if redisClient == nil {
			return nil, fmt.Errorf("distributed rate limiting requires a redis client")
		}
		algo = NewRedisWindow(redisClient)
	case cfg.Algorithm == "sliding_window":
		algo = NewSlidingWindow()
	default:
		algo = NewTokenBucket()
	}

	m := &Manager{
		cfg:       cfg,
		algorithm: algo,
		load:      load,
		bypass:    make(map[string]struct{}, len(cfg.Bypass)),
	}
	tiers := cfg.Tiers
	if tiers == nil {
		tiers = types.DefaultTierLimits()
	}
	m.tiers.Store(&tiers)
	for _, id := range cfg.Bypass {
		m.bypass[id] = struct{}{}
	}
	return m, nil
}

// UpdateTiers swaps the tier table, applied on config hot reload.
func (m *Manager) UpdateTiers(tiers map[types.Tier]types.TierLimits) {
	if tiers == nil {
		return
	}
	m.tiers.Store(&tiers)
}

// Bypassed reports whether a tenant skips admission control.
func (m *Manager) Bypassed(tenantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bypass[tenantID]
	return ok
}

// Allow admits or rejects a request for the tenant. A rejection comes back
// as a RateLimited error carrying the retry hint; the Decision is returned
// either way so callers can set response headers.
func (m *Manager) Allow(ctx context.Context, tenant *types.Tenant) (Decision, error) {
	if !m.cfg.Enabled || m.Bypassed(tenant.ID) {
		return Decision{Allowed: true}, nil
	}

	limits := tenant.Limits(*m.tiers.Load())
	limit := limits.RequestsPerMinute
	if m.cfg.Adaptive && m.load != nil {
		limit = int(float64(limit) * adaptiveFactor(m.load()))
		if limit < 1 {
			limit = 1
		}
	}

	d, err := m.algorithm.Allow(ctx, tenant.ID, limit, time.Minute)
	if err != nil {
		// Admission must not hard-fail on limiter backend errors; the
		// request proceeds and the error is surfaced to the caller's logs.
		return Decision{Allowed: true}, err
	}

	if d.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(string(tenant.Tier), "allowed").Inc()
		return d, nil
	}
	metrics.RateLimitDecisions.WithLabelValues(string(tenant.Tier), "rejected").Inc()
	return d, errors.RateLimited(
		fmt.Sprintf("tenant %s exceeded %d requests per minute", tenant.ID, limit),
		d.RetryAfter,
	)
}

// CheckTokenQuota verifies the tenant's daily token budget before a call.
func (m *Manager) CheckTokenQuota(tenant *types.Tenant, estimatedTokens int64) error {
	if !m.cfg.Enabled || m.Bypassed(tenant.ID) {
		return nil
	}
	limits := tenant.Limits(*m.tiers.Load())
	if limits.TokensPerDay <= 0 {
		return nil
	}
	used := tenant.CurrentUsage().Tokens
	if used+estimatedTokens > limits.TokensPerDay {
		metrics.RateLimitDecisions.WithLabelValues(string(tenant.Tier), "quota_rejected").Inc()
		return errors.QuotaExceeded(
			fmt.Sprintf("tenant %s daily token quota exhausted (%d/%d)", tenant.ID, used, limits.TokensPerDay),
		)
	}
	return nil
}
