package balance

import (
	"errors"
	"fmt"
	"sync"
)

// Strategy names accepted in configuration.
const (
	StrategyRoundRobin        = "round_robin"
	StrategyWeightedRR        = "weighted_round_robin"
	StrategyLeastConnections  = "least_connections"
	StrategyLeastResponseTime = "least_response_time"
	StrategyRandom            = "random"
	StrategyConsistentHash    = "consistent_hash"
	StrategyAdaptive          = "adaptive"
)

// ErrNoAvailableInstance is returned when every instance in the pool is
// below the health floor or the pool is empty.
var ErrNoAvailableInstance = errors.New("no available backend instance")

// Balancer picks one instance from a candidate set. The key is the
// affinity key used by consistent hashing; other strategies ignore it.
type Balancer interface {
	Name() string
	Pick(key string, instances []*Instance) (*Instance, error)
}

// New constructs a balancer by strategy name. VirtualNodes applies to
// consistent hashing only.
func New(strategy string, virtualNodes int) (Balancer, error) {
	switch strategy {
	case StrategyRoundRobin:
		return newRoundRobin(), nil
	case StrategyWeightedRR:
		return newWeightedRoundRobin(), nil
	case StrategyLeastConnections:
		return &leastConnections{}, nil
	case StrategyLeastResponseTime:
		return &leastResponseTime{}, nil
	case StrategyRandom:
		return newRandom(), nil
	case StrategyConsistentHash:
		return newConsistentHash(virtualNodes), nil
	case StrategyAdaptive, "":
		return newAdaptive(), nil
	default:
		return nil, fmt.Errorf("unknown balance strategy %q", strategy)
	}
}

// available filters instances below the health floor. When everything is
// unhealthy the full set comes back so traffic can still probe recovery.
func available(instances []*Instance) []*Instance {
	out := make([]*Instance, 0, len(instances))
	for _, in := range instances {
		if in.Available() {
			out = append(out, in)
		}
	}
	if len(out) == 0 {
		return instances
	}
	return out
}

// Pool groups instances by model group key and applies one balancer
// across all groups.
type Pool struct {
	balancer Balancer

	mu     sync.RWMutex
	groups map[string][]*Instance
}

// NewPool creates a pool using the given balancer.
func NewPool(b Balancer) *Pool {
	return &Pool{
		balancer: b,
		groups:   make(map[string][]*Instance),
	}
}

// Add registers an instance under a group key.
func (p *Pool) Add(group string, in *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[group] = append(p.groups[group], in)
}

// Remove deletes an instance by ID.
func (p *Pool) Remove(group, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	instances := p.groups[group]
	for i, in := range instances {
		if in.ID == id {
			p.groups[group] = append(instances[:i], instances[i+1:]...)
			return
		}
	}
}

// Pick selects an instance from the group.
func (p *Pool) Pick(group, key string) (*Instance, error) {
	p.mu.RLock()
	instances := p.groups[group]
	p.mu.RUnlock()
	if len(instances) == 0 {
		return nil, ErrNoAvailableInstance
	}
	return p.balancer.Pick(key, instances)
}

// Instances returns a snapshot of a group.
func (p *Pool) Instances(group string) []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Instance, len(p.groups[group]))
	copy(out, p.groups[group])
	return out
}

// All returns every instance across groups.
func (p *Pool) All() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Instance
	for _, instances := range p.groups {
		out = append(out, instances...)
	}
	return out
}
