// Package router defines the model selection contract. Concrete strategies
// live in the routers directory and register themselves with the factory.
package router

import (
	"context"
	"time"

	"github.com/modelgrid/modelgrid/pkg/types"
)

// Strategy names accepted in configuration and per-request hints.
const (
	StrategyCost        = "cost"
	StrategyPerformance = "performance"
	StrategyCapability  = "capability"
	StrategyAdaptive    = "adaptive"

	// StrategyAuto picks one of the concrete strategies per request.
	StrategyAuto = "auto"
)

// RequestContext carries everything a strategy may consult when ranking
// candidates. Candidates have already passed capability, tier, and exclusion
// filters.
type RequestContext struct {
	Request    *types.Request
	Tenant     *types.Tenant
	Candidates []*types.ModelProfile

	// EstPromptTokens and EstOutputTokens are the token estimates used for
	// cost projection.
	EstPromptTokens int
	EstOutputTokens int
}

// Decision is the ordered outcome of a routing pass: the primary choice
// followed by fallbacks, best first, with the primary's score and
// projected cost and latency.
type Decision struct {
	Primary   *types.ModelProfile
	Fallbacks []*types.ModelProfile
	Strategy  string
	Reason    string

	// Score is the primary's strategy score, normalized to [0,1].
	Score float64

	// EstimatedCostUSD and EstimatedLatency project the primary's cost
	// and latency for this request.
	EstimatedCostUSD float64
	EstimatedLatency time.Duration
}

// Chain returns primary plus fallbacks as a single ordered slice.
func (d *Decision) Chain() []*types.ModelProfile {
	out := make([]*types.ModelProfile, 0, 1+len(d.Fallbacks))
	if d.Primary != nil {
		out = append(out, d.Primary)
	}
	return append(out, d.Fallbacks...)
}

// Outcome is the post-request feedback a strategy may learn from.
type Outcome struct {
	Profile  *types.ModelProfile
	Latency  time.Duration
	Err      error
	CostUSD  float64
	TaskType string
	Quality  float64
}

// Router ranks candidate models for a request.
type Router interface {
	// Name returns the strategy name.
	Name() string

	// Route orders the candidates. Implementations must not mutate the
	// candidate slice they are given.
	Route(ctx context.Context, rc *RequestContext) (*Decision, error)

	// Feedback reports the outcome of a routed request. Stateless
	// strategies may ignore it.
	Feedback(out *Outcome)
}

// Config holds the tunables shared by routing strategies.
type Config struct {
	Strategy string `json:"strategy" yaml:"strategy"`

	// MaxFallbacks caps the decision chain length after the primary.
	MaxFallbacks int `json:"max_fallbacks" yaml:"max_fallbacks"`

	// HalfLife controls adaptive score decay.
	HalfLife time.Duration `json:"half_life" yaml:"half_life"`

	// ExplorationRate is the fraction of adaptive decisions that pick a
	// non-top candidate to keep scores fresh.
	ExplorationRate float64 `json:"exploration_rate" yaml:"exploration_rate"`
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:        StrategyAuto,
		MaxFallbacks:    3,
		HalfLife:        24 * time.Hour,
		ExplorationRate: 0.05,
	}
}
