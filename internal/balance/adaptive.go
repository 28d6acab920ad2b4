package balance

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// adaptive scores every candidate by health and picks weighted-randomly
// among the top three, so the best instance gets most of the traffic
// without starving the runners-up.
type adaptive struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newAdaptive() *adaptive {
	return &adaptive{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (a *adaptive) Name() string { return StrategyAdaptive }

func (a *adaptive) Pick(_ string, instances []*Instance) (*Instance, error) {
	candidates := available(instances)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableInstance
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	type scored struct {
		in    *Instance
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, in := range candidates {
		ranked = append(ranked, scored{in: in, score: in.HealthScore()})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	top := ranked
	if len(top) > 3 {
		top = top[:3]
	}

	var total float64
	for _, s := range top {
		total += s.score
	}
	if total <= 0 {
		return top[0].in, nil
	}

	a.mu.Lock()
	r := a.rng.Float64() * total
	a.mu.Unlock()

	for _, s := range top {
		r -= s.score
		if r <= 0 {
			return s.in, nil
		}
	}
	return top[len(top)-1].in, nil
}
