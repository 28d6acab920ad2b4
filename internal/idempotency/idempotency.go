// Package idempotency replays stored responses for repeated requests that
// carry the same idempotency key. Keys are scoped per tenant, so two
// tenants reusing the same key never collide.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/modelgrid/modelgrid/pkg/types"
)

const defaultTTL = 24 * time.Hour

// Store persists completed responses by idempotency key.
type Store interface {
	// Get returns the stored response, or (nil, nil) when absent.
	Get(ctx context.Context, tenantID, key string) (*types.Response, error)

	// Put stores the response under the key if no response is there yet.
	// The first writer wins.
	Put(ctx context.Context, tenantID, key string, resp *types.Response) error
}

func scopedKey(tenantID, key string) string {
	return tenantID + "/" + key
}

// MemoryStore is a single-node Store.
type MemoryStore struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// NewMemoryStore creates a store. A non-positive ttl uses 24 hours.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryStore{ttl: ttl, entries: make(map[string]memoryEntry)}
}

// Get returns the stored response for the key.
func (s *MemoryStore) Get(_ context.Context, tenantID, key string) (*types.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[scopedKey(tenantID, key)]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expires) {
		delete(s.entries, scopedKey(tenantID, key))
		return nil, nil
	}

	var resp types.Response
	if err := json.Unmarshal(entry.data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Put stores the response unless the key is already taken.
func (s *MemoryStore) Put(_ context.Context, tenantID, key string, resp *types.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := scopedKey(tenantID, key)
	if entry, ok := s.entries[k]; ok && time.Now().Before(entry.expires) {
		return nil
	}
	s.entries[k] = memoryEntry{data: data, expires: time.Now().Add(s.ttl)}
	return nil
}

// RedisStore is a Store shared across gateway nodes. Put uses SET NX so
// the first completed response wins cluster-wide.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) redisKey(tenantID, key string) string {
	return "modelgrid:idem:" + scopedKey(tenantID, key)
}

// Get returns the stored response for the key.
func (s *RedisStore) Get(ctx context.Context, tenantID, key string) (*types.Response, error) {
	data, err := s.client.Get(ctx, s.redisKey(tenantID, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp types.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Put stores the response unless the key is already taken.
func (s *RedisStore) Put(ctx context.Context, tenantID, key string, resp *types.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.SetNX(ctx, s.redisKey(tenantID, key), data, s.ttl).Err()
}
