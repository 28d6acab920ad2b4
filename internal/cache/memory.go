package cache

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is an in-process Store with TTL eviction driven by a
// min-heap over expiration times plus a background janitor.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string]*memoryEntry
	expHeap expHeap

	maxEntries int
	defaultTTL time.Duration

	janitor *time.Ticker
	stop    chan struct{}
	once    sync.Once

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

type memoryEntry struct {
	value      []byte
	expiration int64
}

type expEntry struct {
	key        string
	expiration int64
}

type expHeap []*expEntry

func (h expHeap) Len() int            { return len(h) }
func (h expHeap) Less(i, j int) bool  { return h[i].expiration < h[j].expiration }
func (h expHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expHeap) Push(x any)         { *h = append(*h, x.(*expEntry)) }
func (h *expHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// MemoryStoreConfig holds MemoryStore tunables.
type MemoryStoreConfig struct {
	MaxEntries      int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// NewMemoryStore creates a store and starts its janitor.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	s := &MemoryStore{
		data:       make(map[string]*memoryEntry),
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
		janitor:    time.NewTicker(cfg.CleanupInterval),
		stop:       make(chan struct{}),
	}
	heap.Init(&s.expHeap)
	go s.janitorLoop()
	return s
}

func (s *MemoryStore) janitorLoop() {
	for {
		select {
		case <-s.janitor.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixNano()
	for s.expHeap.Len() > 0 {
		top := s.expHeap[0]
		// Stale heap entries from overwritten keys are discarded.
		if cur, ok := s.data[top.key]; !ok || cur.expiration != top.expiration {
			heap.Pop(&s.expHeap)
			continue
		}
		if top.expiration > now {
			break
		}
		heap.Pop(&s.expHeap)
		delete(s.data, top.key)
	}
}

// Get returns the value, or (nil, nil) on miss or expiry.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return nil, nil
	}
	if entry.expiration > 0 && entry.expiration <= time.Now().UnixNano() {
		s.misses.Add(1)
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, nil
	}

	s.hits.Add(1)
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores a value. A non-positive ttl uses the default.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	expiration := time.Now().Add(ttl).UnixNano()

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.data) >= s.maxEntries {
		s.evictOldestLocked()
	}

	s.data[key] = &memoryEntry{value: valueCopy, expiration: expiration}
	heap.Push(&s.expHeap, &expEntry{key: key, expiration: expiration})
	s.sets.Add(1)
	return nil
}

func (s *MemoryStore) evictOldestLocked() {
	for s.expHeap.Len() > 0 && len(s.data) >= s.maxEntries {
		top := heap.Pop(&s.expHeap).(*expEntry)
		if cur, ok := s.data[top.key]; ok && cur.expiration == top.expiration {
			delete(s.data, top.key)
		}
	}
}

// Delete removes a key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		s.janitor.Stop()
		close(s.stop)
	})
	return nil
}

// Len returns the entry count.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Stats returns cache counters.
func (s *MemoryStore) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Stats{Hits: hits, Misses: misses, Sets: s.sets.Load(), HitRate: rate}
}
