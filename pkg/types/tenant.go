package types

import (
	"sync"
	"time"
)

// Tier is the tenant plan level.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// TierLimits are the per-tier rate and quota defaults. Individual tenants
// may override them.
type TierLimits struct {
	RequestsPerMinute     int   `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerDay          int64 `json:"tokens_per_day" yaml:"tokens_per_day"`
	ConcurrentConnections int   `json:"concurrent_connections" yaml:"concurrent_connections"`
}

// DefaultTierLimits returns the built-in tier table.
func DefaultTierLimits() map[Tier]TierLimits {
	return map[Tier]TierLimits{
		TierFree:         {RequestsPerMinute: 10, TokensPerDay: 50_000, ConcurrentConnections: 2},
		TierStarter:      {RequestsPerMinute: 60, TokensPerDay: 500_000, ConcurrentConnections: 5},
		TierProfessional: {RequestsPerMinute: 300, TokensPerDay: 5_000_000, ConcurrentConnections: 20},
		TierEnterprise:   {RequestsPerMinute: 1_000, TokensPerDay: 50_000_000, ConcurrentConnections: 100},
	}
}

// UsagePeriod accumulates usage for one billing period. Closed periods are
// immutable; the accessor returns copies.
type UsagePeriod struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Requests   int64     `json:"requests"`
	Tokens     int64     `json:"tokens"`
	CostUSD    float64   `json:"cost_usd"`
	CacheHits  int64     `json:"cache_hits"`
	CacheSaved float64   `json:"cache_saved_usd"`
}

// Tenant carries the identity and entitlements the pipeline needs.
// Usage counters are mutated by the coordinator's accounting step under the
// tenant's own lock.
type Tenant struct {
	ID           string          `json:"id"`
	Tier         Tier            `json:"tier"`
	FeatureFlags map[string]bool `json:"feature_flags,omitempty"`
	Overrides    *TierLimits     `json:"overrides,omitempty"`

	mu      sync.Mutex
	current UsagePeriod
	closed  []UsagePeriod
}

// NewTenant creates a tenant with an open usage period starting now.
func NewTenant(id string, tier Tier) *Tenant {
	return &Tenant{
		ID:      id,
		Tier:    tier,
		current: UsagePeriod{Start: time.Now()},
	}
}

// Flag reports whether the named feature flag is enabled.
func (t *Tenant) Flag(name string) bool {
	return t.FeatureFlags[name]
}

// Limits returns the effective limits: tier defaults unless overridden.
func (t *Tenant) Limits(table map[Tier]TierLimits) TierLimits {
	if t.Overrides != nil {
		return *t.Overrides
	}
	if l, ok := table[t.Tier]; ok {
		return l
	}
	return table[TierFree]
}

// RecordUsage folds one completed request into the open period.
func (t *Tenant) RecordUsage(tokens int64, costUSD float64, cached bool, savedUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.Requests++
	t.current.Tokens += tokens
	t.current.CostUSD += costUSD
	if cached {
		t.current.CacheHits++
		t.current.CacheSaved += savedUSD
	}
}

// CloseBillingPeriod freezes the open period and starts a new one.
func (t *Tenant) CloseBillingPeriod(now time.Time) UsagePeriod {
	t.mu.Lock()
	defer t.mu.Unlock()
	closed := t.current
	closed.End = now
	t.closed = append(t.closed, closed)
	t.current = UsagePeriod{Start: now}
	return closed
}

// CurrentUsage returns a copy of the open period.
func (t *Tenant) CurrentUsage() UsagePeriod {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// ClosedPeriods returns copies of all frozen periods.
func (t *Tenant) ClosedPeriods() []UsagePeriod {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]UsagePeriod, len(t.closed))
	copy(out, t.closed)
	return out
}
