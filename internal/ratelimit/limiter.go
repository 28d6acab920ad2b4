// Package ratelimit admits or rejects requests per tenant before any
// routing work happens. It supports local token bucket and sliding window
// algorithms, a Redis-backed distributed window, and adaptive tightening
// under load.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Decision is the admission outcome for one request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Headers writes the standard rate limit response headers. Retry-After is
// set only on rejection.
func (d Decision) Headers(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed && d.RetryAfter > 0 {
		secs := int(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}
}

// Algorithm checks one key against a request-per-window limit. The limit
// is passed per call so tier changes and adaptive scaling apply without
// rebuilding limiter state.
type Algorithm interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// LoadFunc reports current system utilization in [0,1] for adaptive
// scaling.
type LoadFunc func() float64

// adaptiveFactor shrinks effective limits as the system saturates.
func adaptiveFactor(load float64) float64 {
	switch {
	case load >= 0.8:
		return 0.5
	case load >= 0.6:
		return 0.75
	default:
		return 1.0
	}
}
