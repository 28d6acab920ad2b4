package balance

import (
	"math"
	"testing"
	"time"
)

func healthy(id string, weight int) *Instance {
	return NewInstance(id, "openai", "gpt-4o", weight, 0)
}

func TestHealthScoreFresh(t *testing.T) {
	in := healthy("a", 1)
	// availability 1, latency 0, no outcomes, no recent failure.
	want := 0.5*(0.5+1*0.5) + 0.3*1.0
	if got := in.HealthScore(); math.Abs(got-want) > 1e-9 {
		t.Errorf("HealthScore = %f, want %f", got, want)
	}
	if !in.Available() {
		t.Error("fresh instance should be available")
	}
}

func TestHealthScoreRecentFailurePenalty(t *testing.T) {
	in := healthy("a", 1)
	before := in.HealthScore()
	in.ReportFailure()
	after := in.HealthScore()
	// Availability decays, error rate hits 1, recency halves the rest.
	if after >= before/2 {
		t.Errorf("recent failure should discount the score, before=%f after=%f", before, after)
	}
}

func TestErrorRateWindow(t *testing.T) {
	in := healthy("a", 1)
	for i := 0; i < 3; i++ {
		in.ReportSuccess(10 * time.Millisecond)
	}
	in.ReportFailure()
	if got := in.ErrorRate(); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("ErrorRate = %f, want 0.25", got)
	}
}

func TestReportSuccessLatencyEMA(t *testing.T) {
	in := healthy("a", 1)
	in.ReportSuccess(100 * time.Millisecond)
	if got := in.AvgLatencyMs(); got != 100 {
		t.Errorf("first latency should seed, got %f", got)
	}
	in.ReportSuccess(200 * time.Millisecond)
	want := 100*0.9 + 200*0.1
	if got := in.AvgLatencyMs(); math.Abs(got-want) > 1e-9 {
		t.Errorf("latency EMA = %f, want %f", got, want)
	}
}

func TestAcquireRelease(t *testing.T) {
	in := healthy("a", 1)
	if !in.Acquire() || !in.Acquire() {
		t.Fatal("instance with headroom should admit")
	}
	if in.Active() != 2 {
		t.Errorf("Active = %d", in.Active())
	}
	in.Release()
	in.Release()
	in.Release() // extra release must not go negative
	if in.Active() != 0 {
		t.Errorf("Active after over-release = %d", in.Active())
	}
}

func TestAcquireBoundedByMaxConcurrent(t *testing.T) {
	in := NewInstance("a", "openai", "gpt-4o", 1, 2)
	if !in.Acquire() || !in.Acquire() {
		t.Fatal("first two acquires should succeed")
	}
	if in.Acquire() {
		t.Error("acquire at the declared cap should be rejected")
	}
	if in.Active() != 2 {
		t.Errorf("rejected acquire must not leak, Active = %d", in.Active())
	}
	in.Release()
	if !in.Acquire() {
		t.Error("a freed slot should admit again")
	}
}

func TestHealthScoreDropsWhenSaturated(t *testing.T) {
	idle := NewInstance("idle", "openai", "gpt-4o", 1, 4)
	busy := NewInstance("busy", "openai", "gpt-4o", 1, 4)
	for i := 0; i < 4; i++ {
		busy.Acquire()
	}
	// No free capacity leaves only the 0.5 base of the connection factor.
	want := 0.5*0.5 + 0.3*1.0
	if got := busy.HealthScore(); math.Abs(got-want) > 1e-9 {
		t.Errorf("saturated HealthScore = %f, want %f", got, want)
	}
	if busy.HealthScore() >= idle.HealthScore() {
		t.Error("a saturated instance should score below an idle one")
	}
}

func TestRoundRobinCycles(t *testing.T) {
	b, err := New(StrategyRoundRobin, 0)
	if err != nil {
		t.Fatal(err)
	}
	instances := []*Instance{healthy("a", 1), healthy("b", 1), healthy("c", 1)}

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		in, err := b.Pick("", instances)
		if err != nil {
			t.Fatal(err)
		}
		seen[in.ID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 2 {
			t.Errorf("instance %s picked %d times, want 2", id, seen[id])
		}
	}
}

func TestWeightedRoundRobinProportions(t *testing.T) {
	b, err := New(StrategyWeightedRR, 0)
	if err != nil {
		t.Fatal(err)
	}
	instances := []*Instance{healthy("a", 3), healthy("b", 1)}

	seen := make(map[string]int)
	for i := 0; i < 8; i++ {
		in, err := b.Pick("", instances)
		if err != nil {
			t.Fatal(err)
		}
		seen[in.ID]++
	}
	if seen["a"] != 6 || seen["b"] != 2 {
		t.Errorf("weighted picks = %v, want a:6 b:2", seen)
	}
}

func TestLeastConnections(t *testing.T) {
	b, err := New(StrategyLeastConnections, 0)
	if err != nil {
		t.Fatal(err)
	}
	a, c := healthy("a", 1), healthy("c", 1)
	a.Acquire()
	a.Acquire()
	c.Acquire()

	in, err := b.Pick("", []*Instance{a, c})
	if err != nil {
		t.Fatal(err)
	}
	if in.ID != "c" {
		t.Errorf("picked %s, want c", in.ID)
	}
}

func TestLeastResponseTime(t *testing.T) {
	b, err := New(StrategyLeastResponseTime, 0)
	if err != nil {
		t.Fatal(err)
	}
	slow, fast := healthy("slow", 1), healthy("fast", 1)
	slow.ReportSuccess(500 * time.Millisecond)
	fast.ReportSuccess(50 * time.Millisecond)

	in, err := b.Pick("", []*Instance{slow, fast})
	if err != nil {
		t.Fatal(err)
	}
	if in.ID != "fast" {
		t.Errorf("picked %s, want fast", in.ID)
	}
}

func TestConsistentHashDeterministic(t *testing.T) {
	b, err := New(StrategyConsistentHash, 100)
	if err != nil {
		t.Fatal(err)
	}
	instances := []*Instance{healthy("a", 1), healthy("b", 1), healthy("c", 1)}

	first, err := b.Pick("tenant-42", instances)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		in, err := b.Pick("tenant-42", instances)
		if err != nil {
			t.Fatal(err)
		}
		if in.ID != first.ID {
			t.Fatalf("pick %d returned %s, want %s", i, in.ID, first.ID)
		}
	}
}

func TestUnknownStrategy(t *testing.T) {
	if _, err := New("bogus", 0); err == nil {
		t.Error("unknown strategy should error")
	}
}

func TestPoolPickEmptyGroup(t *testing.T) {
	b, _ := New(StrategyRoundRobin, 0)
	p := NewPool(b)
	if _, err := p.Pick("gpt-4o", ""); err != ErrNoAvailableInstance {
		t.Errorf("empty group err = %v", err)
	}
}

func TestPoolAddRemove(t *testing.T) {
	b, _ := New(StrategyRoundRobin, 0)
	p := NewPool(b)
	p.Add("gpt-4o", healthy("a", 1))
	p.Add("gpt-4o", healthy("b", 1))
	p.Add("claude", healthy("c", 1))

	if got := len(p.Instances("gpt-4o")); got != 2 {
		t.Errorf("group size = %d", got)
	}
	if got := len(p.All()); got != 3 {
		t.Errorf("All = %d", got)
	}

	p.Remove("gpt-4o", "a")
	if got := len(p.Instances("gpt-4o")); got != 1 {
		t.Errorf("group size after remove = %d", got)
	}
	in, err := p.Pick("gpt-4o", "")
	if err != nil {
		t.Fatal(err)
	}
	if in.ID != "b" {
		t.Errorf("picked %s after remove", in.ID)
	}
}

func TestAvailableFallsBackToFullSet(t *testing.T) {
	sick := healthy("sick", 1)
	for i := 0; i < 10; i++ {
		sick.ReportFailure()
	}
	if sick.Available() {
		t.Fatal("instance should be below the health floor")
	}
	got := available([]*Instance{sick})
	if len(got) != 1 {
		t.Error("an all-unhealthy set should come back whole so traffic can probe recovery")
	}
}
