package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "modelgrid:cache:"

// RedisStore is a Store backed by Redis, shared across gateway nodes.
type RedisStore struct {
	client     redis.UniversalClient
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// NewRedisStore wraps an existing client. The client's lifecycle belongs
// to the caller; Close here is a no-op.
func NewRedisStore(client redis.UniversalClient, defaultTTL time.Duration) *RedisStore {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &RedisStore{client: client, defaultTTL: defaultTTL}
}

// Get returns the value, or (nil, nil) on miss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		s.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.hits.Add(1)
	return val, nil
}

// Set stores a value with TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.sets.Add(1)
	return s.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err()
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is owned elsewhere.
func (s *RedisStore) Close() error { return nil }

// Stats returns cache counters.
func (s *RedisStore) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Stats{Hits: hits, Misses: misses, Sets: s.sets.Load(), HitRate: rate}
}
