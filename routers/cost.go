package routers

import (
	"context"
	"sort"

	"github.com/modelgrid/modelgrid/pkg/router"
	"github.com/modelgrid/modelgrid/pkg/types"
)

// unknownCostPer1K deprioritizes models with no configured pricing. It is
// far above any real per-1K price, so unpriced models sort last.
const unknownCostPer1K = 1000.0

// CostRouter orders candidates by projected request cost, cheapest first.
// Candidates are shuffled before the stable sort so equal-cost models
// share traffic evenly.
type CostRouter struct {
	base
}

// NewCostRouter creates a cost router.
func NewCostRouter(config router.Config) *CostRouter {
	return &CostRouter{base: newBase(config)}
}

// Name returns the strategy name.
func (r *CostRouter) Name() string { return router.StrategyCost }

// Route ranks candidates by projected cost.
func (r *CostRouter) Route(_ context.Context, rc *router.RequestContext) (*router.Decision, error) {
	candidates := withinBudget(rc.Candidates, rc)
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}

	type costed struct {
		profile *types.ModelProfile
		cost    float64
	}
	ranked := make([]costed, 0, len(candidates))
	for _, p := range candidates {
		cost := p.EstimateCostUSD(rc.EstPromptTokens, rc.EstOutputTokens)
		if p.InputCostPer1K == 0 && p.OutputCostPer1K == 0 {
			cost = unknownCostPer1K
		}
		ranked = append(ranked, costed{profile: p, cost: cost})
	}

	r.randShuffle(len(ranked), func(i, j int) {
		ranked[i], ranked[j] = ranked[j], ranked[i]
	})
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].cost < ranked[j].cost
	})

	ordered := make([]*types.ModelProfile, len(ranked))
	for i, c := range ranked {
		ordered[i] = c.profile
	}
	// A cheaper primary scores closer to 1.
	score := 1 / (1 + ranked[0].cost)
	return r.decision(rc, ordered, score, r.Name(), "lowest projected cost")
}

// Feedback is a no-op; cost ranking is stateless.
func (r *CostRouter) Feedback(*router.Outcome) {}
