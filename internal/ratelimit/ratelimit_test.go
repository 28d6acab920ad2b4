package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/modelgrid/modelgrid/pkg/errors"
	"github.com/modelgrid/modelgrid/pkg/types"
)

func TestTokenBucketBurstThenReject(t *testing.T) {
	tb := NewTokenBucket()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := tb.Allow(ctx, "t1", 10, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d, err := tb.Allow(ctx, "t1", 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Error("11th request should be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Error("rejection should carry a retry hint")
	}
}

func TestTokenBucketPerKey(t *testing.T) {
	tb := NewTokenBucket()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tb.Allow(ctx, "t1", 10, time.Minute)
	}
	d, _ := tb.Allow(ctx, "t2", 10, time.Minute)
	if !d.Allowed {
		t.Error("another tenant's bucket should be untouched")
	}
}

func TestTokenBucketZeroLimit(t *testing.T) {
	tb := NewTokenBucket()
	d, err := tb.Allow(context.Background(), "t1", 0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Error("zero limit should reject everything")
	}
}

func TestTokenBucketConcurrentLimitChange(t *testing.T) {
	tb := NewTokenBucket()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		limit := 10
		if i%2 == 0 {
			limit = 20
		}
		wg.Add(1)
		go func(limit int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := tb.Allow(ctx, "t1", limit, time.Minute); err != nil {
					t.Error(err)
					return
				}
			}
		}(limit)
	}
	wg.Wait()

	tb.mu.RLock()
	entry := tb.buckets["t1"]
	tb.mu.RUnlock()
	if entry.limit != 10 && entry.limit != 20 {
		t.Errorf("limit = %d, want one of the applied limits", entry.limit)
	}
}

func TestSlidingWindowLimit(t *testing.T) {
	sw := NewSlidingWindow()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := sw.Allow(ctx, "t1", 5, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != 5-(i+1) {
			t.Errorf("Remaining after %d = %d", i+1, d.Remaining)
		}
	}

	d, _ := sw.Allow(ctx, "t1", 5, time.Minute)
	if d.Allowed {
		t.Error("6th request should be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v", d.RetryAfter)
	}
}

func TestSlidingWindowRecovers(t *testing.T) {
	sw := NewSlidingWindow()
	ctx := context.Background()

	sw.Allow(ctx, "t1", 1, 20*time.Millisecond)
	if d, _ := sw.Allow(ctx, "t1", 1, 20*time.Millisecond); d.Allowed {
		t.Fatal("second request inside the window should be rejected")
	}

	time.Sleep(30 * time.Millisecond)
	if d, _ := sw.Allow(ctx, "t1", 1, 20*time.Millisecond); !d.Allowed {
		t.Error("a slot should free once the oldest request ages out")
	}
}

func TestAdaptiveFactor(t *testing.T) {
	cases := []struct {
		load float64
		want float64
	}{
		{0.0, 1.0},
		{0.59, 1.0},
		{0.6, 0.75},
		{0.79, 0.75},
		{0.8, 0.5},
		{1.0, 0.5},
	}
	for _, c := range cases {
		if got := adaptiveFactor(c.load); got != c.want {
			t.Errorf("adaptiveFactor(%f) = %f, want %f", c.load, got, c.want)
		}
	}
}

func TestDecisionHeaders(t *testing.T) {
	h := make(http.Header)
	d := Decision{
		Allowed:    false,
		Limit:      10,
		Remaining:  0,
		ResetAt:    time.Unix(1_700_000_000, 0),
		RetryAfter: 500 * time.Millisecond,
	}
	d.Headers(h)

	if h.Get("X-RateLimit-Limit") != "10" {
		t.Errorf("limit header = %q", h.Get("X-RateLimit-Limit"))
	}
	if h.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining header = %q", h.Get("X-RateLimit-Remaining"))
	}
	if h.Get("Retry-After") != "1" {
		t.Errorf("retry header should round up to 1, got %q", h.Get("Retry-After"))
	}
}

func TestManagerAllowAndReject(t *testing.T) {
	m, err := NewManager(Config{Enabled: true}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tenant := types.NewTenant("t1", types.TierFree)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := m.Allow(ctx, tenant); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}

	d, err := m.Allow(ctx, tenant)
	if err == nil {
		t.Fatal("11th request should be rejected for the free tier")
	}
	if d.Allowed {
		t.Error("decision should report rejection")
	}
	if errors.KindOf(err) != errors.KindRateLimited {
		t.Errorf("Kind = %s", errors.KindOf(err))
	}
}

func TestManagerDisabled(t *testing.T) {
	m, err := NewManager(Config{Enabled: false}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tenant := types.NewTenant("t1", types.TierFree)
	for i := 0; i < 100; i++ {
		if _, err := m.Allow(context.Background(), tenant); err != nil {
			t.Fatal("disabled manager should admit everything")
		}
	}
}

func TestManagerBypass(t *testing.T) {
	m, err := NewManager(Config{Enabled: true, Bypass: []string{"internal"}}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tenant := types.NewTenant("internal", types.TierFree)
	for i := 0; i < 100; i++ {
		if _, err := m.Allow(context.Background(), tenant); err != nil {
			t.Fatal("bypassed tenant should never be limited")
		}
	}
}

func TestManagerAdaptiveTightensLimit(t *testing.T) {
	load := 0.9
	m, err := NewManager(Config{Enabled: true, Adaptive: true}, nil, func() float64 { return load })
	if err != nil {
		t.Fatal(err)
	}
	tenant := types.NewTenant("t1", types.TierFree)
	ctx := context.Background()

	// Free tier allows 10 rpm; at 0.9 load the effective limit halves.
	allowed := 0
	for i := 0; i < 10; i++ {
		if _, err := m.Allow(ctx, tenant); err == nil {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed %d requests under load, want 5", allowed)
	}
}

func TestManagerTokenQuota(t *testing.T) {
	m, err := NewManager(Config{Enabled: true}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tenant := types.NewTenant("t1", types.TierFree)

	if err := m.CheckTokenQuota(tenant, 1000); err != nil {
		t.Fatalf("fresh tenant should pass: %v", err)
	}

	tenant.RecordUsage(49_900, 0, false, 0)
	if err := m.CheckTokenQuota(tenant, 50); err != nil {
		t.Fatalf("under the quota should pass: %v", err)
	}
	err = m.CheckTokenQuota(tenant, 500)
	if err == nil {
		t.Fatal("over the quota should fail")
	}
	if errors.KindOf(err) != errors.KindQuotaExceeded {
		t.Errorf("Kind = %s", errors.KindOf(err))
	}
}

func TestManagerUpdateTiers(t *testing.T) {
	m, err := NewManager(Config{Enabled: true}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tenant := types.NewTenant("t1", types.TierFree)
	ctx := context.Background()

	m.UpdateTiers(map[types.Tier]types.TierLimits{
		types.TierFree: {RequestsPerMinute: 2, TokensPerDay: 100},
	})

	m.Allow(ctx, tenant)
	m.Allow(ctx, tenant)
	if _, err := m.Allow(ctx, tenant); err == nil {
		t.Error("the reloaded limit should apply immediately")
	}
}
