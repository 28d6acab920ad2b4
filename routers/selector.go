package routers

import (
	"context"
	"sync/atomic"

	"github.com/modelgrid/modelgrid/pkg/router"
)

// adaptiveWarmup is the outcome count after which the selector trusts the
// adaptive router's learned scores.
const adaptiveWarmup = 100

// SelectorRouter picks a concrete strategy per request. A hint on the
// request wins outright; otherwise adaptive takes over once enough
// outcomes have accumulated, capability handles requests demanding three
// or more capabilities, performance handles demanding task types, and
// everything else routes by cost.
type SelectorRouter struct {
	cost        *CostRouter
	performance *PerformanceRouter
	capability  *CapabilityRouter
	adaptive    *AdaptiveRouter

	observations atomic.Int64
}

// NewSelectorRouter creates a selector over all four strategies.
func NewSelectorRouter(config router.Config) *SelectorRouter {
	return &SelectorRouter{
		cost:        NewCostRouter(config),
		performance: NewPerformanceRouter(config),
		capability:  NewCapabilityRouter(config),
		adaptive:    NewAdaptiveRouter(config),
	}
}

// Name returns the strategy name.
func (r *SelectorRouter) Name() string { return router.StrategyAuto }

// Route delegates to the strategy picked for this request. The decision
// carries the delegate's strategy name, so callers see which one ran.
func (r *SelectorRouter) Route(ctx context.Context, rc *router.RequestContext) (*router.Decision, error) {
	return r.pick(rc).Route(ctx, rc)
}

func (r *SelectorRouter) pick(rc *router.RequestContext) router.Router {
	if sub := r.byName(rc.Request.Hints.Strategy); sub != nil {
		return sub
	}
	if r.observations.Load() > adaptiveWarmup {
		return r.adaptive
	}
	if len(DemandedCapabilities(rc.Request)) >= 3 {
		return r.capability
	}
	switch DetectTaskType(rc.Request) {
	case TaskCode, TaskCodeReview, TaskReasoning, TaskCreative, TaskVision:
		return r.performance
	}
	return r.cost
}

func (r *SelectorRouter) byName(name string) router.Router {
	switch name {
	case router.StrategyCost:
		return r.cost
	case router.StrategyPerformance:
		return r.performance
	case router.StrategyCapability:
		return r.capability
	case router.StrategyAdaptive:
		return r.adaptive
	default:
		return nil
	}
}

// Feedback counts the outcome and forwards it to every learning strategy,
// so whichever one routes the next request starts warm.
func (r *SelectorRouter) Feedback(out *router.Outcome) {
	r.observations.Add(1)
	r.performance.Feedback(out)
	r.capability.Feedback(out)
	r.adaptive.Feedback(out)
}
