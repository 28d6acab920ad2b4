package balance

import (
	"math/rand"
	"sync"
	"time"
)

type roundRobin struct {
	mu   sync.Mutex
	next uint64
}

func newRoundRobin() *roundRobin { return &roundRobin{} }

func (r *roundRobin) Name() string { return StrategyRoundRobin }

func (r *roundRobin) Pick(_ string, instances []*Instance) (*Instance, error) {
	candidates := available(instances)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableInstance
	}
	r.mu.Lock()
	idx := r.next % uint64(len(candidates))
	r.next++
	r.mu.Unlock()
	return candidates[idx], nil
}

// weightedRoundRobin implements smooth weighted round robin: each pick
// raises every current weight by its static weight, selects the largest,
// then subtracts the weight total from the winner.
type weightedRoundRobin struct {
	mu sync.Mutex
}

func newWeightedRoundRobin() *weightedRoundRobin { return &weightedRoundRobin{} }

func (w *weightedRoundRobin) Name() string { return StrategyWeightedRR }

func (w *weightedRoundRobin) Pick(_ string, instances []*Instance) (*Instance, error) {
	candidates := available(instances)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableInstance
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	var best *Instance
	for _, in := range candidates {
		in.currentWeight += in.Weight
		total += in.Weight
		if best == nil || in.currentWeight > best.currentWeight {
			best = in
		}
	}
	best.currentWeight -= total
	return best, nil
}

type leastConnections struct{}

func (l *leastConnections) Name() string { return StrategyLeastConnections }

func (l *leastConnections) Pick(_ string, instances []*Instance) (*Instance, error) {
	candidates := available(instances)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableInstance
	}
	best := candidates[0]
	for _, in := range candidates[1:] {
		if in.Active() < best.Active() {
			best = in
		}
	}
	return best, nil
}

type leastResponseTime struct{}

func (l *leastResponseTime) Name() string { return StrategyLeastResponseTime }

func (l *leastResponseTime) Pick(_ string, instances []*Instance) (*Instance, error) {
	candidates := available(instances)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableInstance
	}
	best := candidates[0]
	bestLat := best.AvgLatencyMs()
	for _, in := range candidates[1:] {
		// Unmeasured instances rank first so new capacity gets traffic.
		lat := in.AvgLatencyMs()
		if lat < bestLat {
			best, bestLat = in, lat
		}
	}
	return best, nil
}

type randomPick struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newRandom() *randomPick {
	return &randomPick{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *randomPick) Name() string { return StrategyRandom }

func (r *randomPick) Pick(_ string, instances []*Instance) (*Instance, error) {
	candidates := available(instances)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableInstance
	}
	r.mu.Lock()
	idx := r.rng.Intn(len(candidates))
	r.mu.Unlock()
	return candidates[idx], nil
}
