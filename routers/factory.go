package routers

import (
	"fmt"

	"github.com/modelgrid/modelgrid/pkg/router"
)

// New builds a router by strategy name. An empty name selects auto.
func New(strategy string, config router.Config) (router.Router, error) {
	switch strategy {
	case router.StrategyCost:
		return NewCostRouter(config), nil
	case router.StrategyPerformance:
		return NewPerformanceRouter(config), nil
	case router.StrategyCapability:
		return NewCapabilityRouter(config), nil
	case router.StrategyAdaptive:
		return NewAdaptiveRouter(config), nil
	case router.StrategyAuto, "":
		return NewSelectorRouter(config), nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", strategy)
	}
}
