package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow tracks exact request timestamps per key and admits while
// fewer than limit requests fall inside the trailing window. Memory per
// key is bounded by the limit itself.
type SlidingWindow struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

// NewSlidingWindow creates an empty window set.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{logs: make(map[string][]time.Time)}
}

// Allow records the request if it fits the window.
func (s *SlidingWindow) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: false, RetryAfter: window}, nil
	}

	now := time.Now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[key]
	live := log[:0]
	for _, t := range log {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= limit {
		s.logs[key] = live
		// The window frees a slot when the oldest entry ages out.
		retry := live[0].Add(window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    live[0].Add(window),
			RetryAfter: retry,
		}, nil
	}

	live = append(live, now)
	s.logs[key] = live
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(live),
		ResetAt:   live[0].Add(window),
	}, nil
}
