package routers

import (
	"context"
	"sort"
	"strings"

	"github.com/modelgrid/modelgrid/pkg/router"
	"github.com/modelgrid/modelgrid/pkg/types"
)

// CapabilityRouter prefers the highest-quality model whose capability set
// covers what the request appears to need, breaking quality ties by cost.
type CapabilityRouter struct {
	base
}

// NewCapabilityRouter creates a capability router.
func NewCapabilityRouter(config router.Config) *CapabilityRouter {
	return &CapabilityRouter{base: newBase(config)}
}

// Name returns the strategy name.
func (r *CapabilityRouter) Name() string { return router.StrategyCapability }

// Route ranks candidates by quality among those covering the demanded
// capabilities. When the strict filter empties the set, ranking falls
// back to all candidates rather than failing the request.
func (r *CapabilityRouter) Route(_ context.Context, rc *router.RequestContext) (*router.Decision, error) {
	if len(rc.Candidates) == 0 {
		return nil, ErrNoCandidate
	}

	demanded := DemandedCapabilities(rc.Request)
	capable := make([]*types.ModelProfile, 0, len(rc.Candidates))
	for _, p := range rc.Candidates {
		if p.HasAll(demanded) {
			capable = append(capable, p)
		}
	}
	if len(capable) == 0 {
		capable = rc.Candidates
	}

	ordered := make([]*types.ModelProfile, len(capable))
	copy(ordered, capable)

	r.randShuffle(len(ordered), func(i, j int) {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	})
	sort.SliceStable(ordered, func(i, j int) bool {
		qi, qj := ordered[i].Quality(), ordered[j].Quality()
		if qi != qj {
			return qi > qj
		}
		return ordered[i].EstimateCostUSD(rc.EstPromptTokens, rc.EstOutputTokens) <
			ordered[j].EstimateCostUSD(rc.EstPromptTokens, rc.EstOutputTokens)
	})

	return r.decision(rc, ordered, ordered[0].Quality(), r.Name(), "highest quality with required capabilities")
}

// Feedback folds quality signals into the model profile.
func (r *CapabilityRouter) Feedback(out *router.Outcome) {
	if out.Err != nil || out.Profile == nil || out.Quality <= 0 {
		return
	}
	cur := out.Profile.Quality()
	out.Profile.SetQuality(cur*0.9 + out.Quality*0.1)
}

// DemandedCapabilities infers capability requirements from the request
// shape, its detected task type, and prompt content.
func DemandedCapabilities(req *types.Request) []types.Capability {
	caps := []types.Capability{types.CapText}
	if req.Params.Stream {
		caps = append(caps, types.CapStreaming)
	}

	if c, ok := taskCapability(DetectTaskType(req)); ok {
		caps = append(caps, c)
	}

	prompt := strings.ToLower(req.PromptText())
	if containsAny(prompt, "json schema", "structured output", "return json") {
		caps = append(caps, types.CapStructuredOutput)
	}

	// Long inputs need a wide context window.
	if len(prompt) > 32_000 {
		caps = append(caps, types.CapLongContext)
	}
	return caps
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
