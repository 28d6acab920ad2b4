// Package routers implements the model selection strategies: cost,
// performance, capability, and adaptive. Each strategy ranks the
// pre-filtered candidates and returns a primary choice plus fallbacks.
package routers

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/modelgrid/modelgrid/pkg/router"
	"github.com/modelgrid/modelgrid/pkg/types"
)

// ErrNoCandidate is returned when filtering leaves no eligible model.
var ErrNoCandidate = errors.New("no eligible model for request")

// base carries the shared config and RNG for all strategies.
type base struct {
	config router.Config

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newBase(config router.Config) base {
	if config.MaxFallbacks <= 0 {
		config.MaxFallbacks = router.DefaultConfig().MaxFallbacks
	}
	return base{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *base) randShuffle(n int, swap func(i, j int)) {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	b.rng.Shuffle(n, swap)
}

func (b *base) randFloat64() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Float64()
}

func (b *base) randIntn(n int) int {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Intn(n)
}

// decision packs a ranked candidate list into a Decision, capping the
// fallback tail at MaxFallbacks and projecting the primary's cost and
// latency. score is the primary's strategy score, clamped to [0,1].
func (b *base) decision(rc *router.RequestContext, ranked []*types.ModelProfile, score float64, strategy, reason string) (*router.Decision, error) {
	if len(ranked) == 0 {
		return nil, ErrNoCandidate
	}
	tail := ranked[1:]
	if len(tail) > b.config.MaxFallbacks {
		tail = tail[:b.config.MaxFallbacks]
	}
	primary := ranked[0]
	return &router.Decision{
		Primary:          primary,
		Fallbacks:        tail,
		Strategy:         strategy,
		Reason:           reason,
		Score:            clamp01(score),
		EstimatedCostUSD: primary.EstimateCostUSD(rc.EstPromptTokens, rc.EstOutputTokens),
		EstimatedLatency: time.Duration(primary.BaselineLatencyMs()) * time.Millisecond,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// withinBudget filters candidates whose projected cost fits the caller's
// ceiling. A zero ceiling disables the filter.
func withinBudget(candidates []*types.ModelProfile, rc *router.RequestContext) []*types.ModelProfile {
	if rc.Request.Hints.MaxCostUSD <= 0 {
		return candidates
	}
	out := make([]*types.ModelProfile, 0, len(candidates))
	for _, p := range candidates {
		if p.EstimateCostUSD(rc.EstPromptTokens, rc.EstOutputTokens) <= rc.Request.Hints.MaxCostUSD {
			out = append(out, p)
		}
	}
	return out
}

// withinLatency filters candidates whose latency estimate fits the
// caller's ceiling. A zero ceiling disables the filter.
func withinLatency(candidates []*types.ModelProfile, rc *router.RequestContext) []*types.ModelProfile {
	if rc.Request.Hints.MaxLatencyMs <= 0 {
		return candidates
	}
	out := make([]*types.ModelProfile, 0, len(candidates))
	for _, p := range candidates {
		if p.BaselineLatencyMs() <= float64(rc.Request.Hints.MaxLatencyMs) {
			out = append(out, p)
		}
	}
	return out
}
