package balance

import (
	"sort"
	"strconv"
	"sync"
)

const defaultVirtualNodes = 150

// consistentHash maps affinity keys onto a hash ring with virtual nodes,
// so the same key lands on the same instance while the set is stable. The
// ring is rebuilt lazily when the instance set changes.
type consistentHash struct {
	virtualNodes int

	mu       sync.Mutex
	ringKeys []uint32
	ring     map[uint32]*Instance
	ids      string
}

func newConsistentHash(virtualNodes int) *consistentHash {
	if virtualNodes <= 0 {
		virtualNodes = defaultVirtualNodes
	}
	return &consistentHash{
		virtualNodes: virtualNodes,
		ring:         make(map[uint32]*Instance),
	}
}

func (c *consistentHash) Name() string { return StrategyConsistentHash }

func (c *consistentHash) Pick(key string, instances []*Instance) (*Instance, error) {
	candidates := available(instances)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableInstance
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildLocked(candidates)

	if len(c.ringKeys) == 0 {
		return nil, ErrNoAvailableInstance
	}

	h := fnv32(key)
	idx := sort.Search(len(c.ringKeys), func(i int) bool {
		return c.ringKeys[i] >= h
	})
	if idx == len(c.ringKeys) {
		idx = 0
	}
	return c.ring[c.ringKeys[idx]], nil
}

func (c *consistentHash) rebuildLocked(candidates []*Instance) {
	ids := ""
	for _, in := range candidates {
		ids += in.ID + ","
	}
	if ids == c.ids {
		return
	}

	c.ids = ids
	c.ringKeys = c.ringKeys[:0]
	c.ring = make(map[uint32]*Instance, len(candidates)*c.virtualNodes)
	for _, in := range candidates {
		for v := 0; v < c.virtualNodes; v++ {
			h := fnv32(in.ID + "#" + strconv.Itoa(v))
			c.ring[h] = in
			c.ringKeys = append(c.ringKeys, h)
		}
	}
	sort.Slice(c.ringKeys, func(i, j int) bool { return c.ringKeys[i] < c.ringKeys[j] })
}

// fnv32 is FNV-1a over the key.
func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
