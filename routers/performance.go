package routers

import (
	"context"
	"sort"

	"github.com/modelgrid/modelgrid/pkg/router"
	"github.com/modelgrid/modelgrid/pkg/types"
)

const (
	// latencyPenalty weighs the normalized latency term against quality.
	latencyPenalty = 0.5

	// latencyCeilingMs is where the latency term saturates.
	latencyCeilingMs = 5000.0

	// taskBonus rewards models whose capabilities match the detected task.
	taskBonus = 0.1
)

// PerformanceRouter scores candidates by quality discounted by normalized
// latency, with a bonus for models equipped for the detected task type.
// Latency estimates update continuously from execution feedback, so the
// ranking tracks live backend behavior.
type PerformanceRouter struct {
	base
}

// NewPerformanceRouter creates a performance router.
func NewPerformanceRouter(config router.Config) *PerformanceRouter {
	return &PerformanceRouter{base: newBase(config)}
}

// Name returns the strategy name.
func (r *PerformanceRouter) Name() string { return router.StrategyPerformance }

// Route ranks candidates by performance score, best first.
func (r *PerformanceRouter) Route(_ context.Context, rc *router.RequestContext) (*router.Decision, error) {
	candidates := withinLatency(rc.Candidates, rc)
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}

	task := DetectTaskType(rc.Request)

	type scored struct {
		profile *types.ModelProfile
		score   float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, p := range candidates {
		ranked = append(ranked, scored{profile: p, score: performanceScore(p, task)})
	}

	r.randShuffle(len(ranked), func(i, j int) {
		ranked[i], ranked[j] = ranked[j], ranked[i]
	})
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	ordered := make([]*types.ModelProfile, len(ranked))
	for i, s := range ranked {
		ordered[i] = s.profile
	}
	return r.decision(rc, ordered, ranked[0].score, r.Name(), "best quality-latency tradeoff")
}

// performanceScore is quality minus the capped latency penalty, plus a
// bonus when the model carries the capability the task calls for.
func performanceScore(p *types.ModelProfile, task string) float64 {
	norm := p.BaselineLatencyMs() / latencyCeilingMs
	if norm > 1 {
		norm = 1
	}
	score := p.Quality() - latencyPenalty*norm
	if c, ok := taskCapability(task); ok && p.Has(c) {
		score += taskBonus
	}
	return score
}

// taskCapability maps a task type onto the capability that serves it.
func taskCapability(task string) (types.Capability, bool) {
	switch task {
	case TaskCode, TaskCodeReview:
		return types.CapCode, true
	case TaskVision:
		return types.CapVision, true
	default:
		return "", false
	}
}

// Feedback updates the chosen model's latency estimate.
func (r *PerformanceRouter) Feedback(out *router.Outcome) {
	if out.Err != nil || out.Profile == nil || out.Latency <= 0 {
		return
	}
	out.Profile.ObserveLatency(float64(out.Latency.Milliseconds()), 0.1)
}
