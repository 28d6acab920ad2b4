package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket keeps one refillable bucket per key. The bucket holds a
// full window's worth of burst and refills continuously, so short spikes
// up to the limit pass while sustained overload is rejected.
type TokenBucket struct {
	mu      sync.RWMutex
	buckets map[string]*bucketEntry
}

type bucketEntry struct {
	limiter *rate.Limiter
	limit   int
}

// NewTokenBucket creates an empty set of buckets.
func NewTokenBucket() *TokenBucket {
	return &TokenBucket{buckets: make(map[string]*bucketEntry)}
}

// Allow consumes one token from the key's bucket.
func (t *TokenBucket) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: false, RetryAfter: window}, nil
	}
	entry := t.bucket(key, limit, window)

	lim := entry.limiter
	if lim.Allow() {
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: int(lim.Tokens()),
			ResetAt:   time.Now().Add(window),
		}, nil
	}

	// Time until one token refills.
	retry := time.Duration(float64(time.Second) / float64(lim.Limit()))
	return Decision{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    time.Now().Add(retry),
		RetryAfter: retry,
	}, nil
}

func (t *TokenBucket) bucket(key string, limit int, window time.Duration) *bucketEntry {
	t.mu.RLock()
	entry, ok := t.buckets[key]
	if ok && entry.limit == limit {
		t.mu.RUnlock()
		return entry
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok = t.buckets[key]; ok {
		if entry.limit != limit {
			// Tier change or adaptive scaling took effect.
			entry.limiter.SetLimit(rate.Limit(float64(limit) / window.Seconds()))
			entry.limiter.SetBurst(limit)
			entry.limit = limit
		}
		return entry
	}
	entry = &bucketEntry{
		limiter: rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit),
		limit:   limit,
	}
	t.buckets[key] = entry
	return entry
}
