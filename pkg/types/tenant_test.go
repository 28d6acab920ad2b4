package types

import (
	"testing"
	"time"
)

func TestLimitsTierDefaultsAndOverrides(t *testing.T) {
	table := DefaultTierLimits()

	free := NewTenant("t-free", TierFree)
	l := free.Limits(table)
	if l.RequestsPerMinute != 10 || l.TokensPerDay != 50_000 || l.ConcurrentConnections != 2 {
		t.Errorf("free limits = %+v", l)
	}

	ent := NewTenant("t-ent", TierEnterprise)
	if ent.Limits(table).RequestsPerMinute != 1_000 {
		t.Errorf("enterprise rpm = %d", ent.Limits(table).RequestsPerMinute)
	}

	over := NewTenant("t-over", TierFree)
	over.Overrides = &TierLimits{RequestsPerMinute: 42, TokensPerDay: 7, ConcurrentConnections: 1}
	if over.Limits(table).RequestsPerMinute != 42 {
		t.Error("overrides should win over tier defaults")
	}

	unknown := NewTenant("t-x", Tier("mystery"))
	if unknown.Limits(table).RequestsPerMinute != 10 {
		t.Error("unknown tier should fall back to free limits")
	}
}

func TestRecordUsage(t *testing.T) {
	tn := NewTenant("t1", TierStarter)
	tn.RecordUsage(120, 0.004, false, 0)
	tn.RecordUsage(0, 0, true, 0.004)

	u := tn.CurrentUsage()
	if u.Requests != 2 {
		t.Errorf("Requests = %d", u.Requests)
	}
	if u.Tokens != 120 {
		t.Errorf("Tokens = %d", u.Tokens)
	}
	if u.CacheHits != 1 {
		t.Errorf("CacheHits = %d", u.CacheHits)
	}
	if u.CacheSaved != 0.004 {
		t.Errorf("CacheSaved = %f", u.CacheSaved)
	}
}

func TestCloseBillingPeriod(t *testing.T) {
	tn := NewTenant("t1", TierFree)
	tn.RecordUsage(50, 0.001, false, 0)

	now := time.Now()
	closed := tn.CloseBillingPeriod(now)
	if closed.Tokens != 50 || !closed.End.Equal(now) {
		t.Errorf("closed period = %+v", closed)
	}

	fresh := tn.CurrentUsage()
	if fresh.Requests != 0 || fresh.Tokens != 0 {
		t.Errorf("new period should start empty, got %+v", fresh)
	}
	if len(tn.ClosedPeriods()) != 1 {
		t.Errorf("ClosedPeriods = %d", len(tn.ClosedPeriods()))
	}
}

func TestFlag(t *testing.T) {
	tn := NewTenant("t1", TierFree)
	tn.FeatureFlags = map[string]bool{"semantic_cache": true}
	if !tn.Flag("semantic_cache") {
		t.Error("enabled flag should report true")
	}
	if tn.Flag("missing") {
		t.Error("missing flag should report false")
	}
}
