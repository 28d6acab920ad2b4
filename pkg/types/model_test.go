package types

import (
	"math"
	"testing"
)

func TestEstimateCostUSD(t *testing.T) {
	p := &ModelProfile{InputCostPer1K: 0.01, OutputCostPer1K: 0.03}
	got := p.EstimateCostUSD(2000, 1000)
	want := 0.02 + 0.03
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("EstimateCostUSD = %f, want %f", got, want)
	}
}

func TestPermitsTier(t *testing.T) {
	open := &ModelProfile{}
	if !open.PermitsTier(TierFree) {
		t.Error("empty allow list should permit every tier")
	}

	gated := &ModelProfile{AllowedTiers: []Tier{TierProfessional, TierEnterprise}}
	if gated.PermitsTier(TierFree) {
		t.Error("free tier should be rejected")
	}
	if !gated.PermitsTier(TierEnterprise) {
		t.Error("enterprise tier should be permitted")
	}
}

func TestCapabilities(t *testing.T) {
	p := &ModelProfile{Capabilities: []Capability{CapText, CapCode}}
	if !p.Has(CapCode) {
		t.Error("Has(code) should be true")
	}
	if p.Has(CapVision) {
		t.Error("Has(vision) should be false")
	}
	if !p.HasAll([]Capability{CapText, CapCode}) {
		t.Error("HasAll should be true when every capability is present")
	}
	if p.HasAll([]Capability{CapText, CapVision}) {
		t.Error("HasAll should be false when any capability is missing")
	}
}

func TestObserveLatencyEMA(t *testing.T) {
	p := NewModelProfile("openai", "gpt-4o", 0, 0.9)
	p.ObserveLatency(100, 0.1)
	if got := p.BaselineLatencyMs(); got != 100 {
		t.Errorf("first observation should seed the baseline, got %f", got)
	}
	p.ObserveLatency(200, 0.1)
	want := 100*0.9 + 200*0.1
	if got := p.BaselineLatencyMs(); math.Abs(got-want) > 1e-9 {
		t.Errorf("EMA = %f, want %f", got, want)
	}
}

func TestSetQualityClamped(t *testing.T) {
	p := NewModelProfile("openai", "gpt-4o", 100, 0.5)
	p.SetQuality(1.5)
	if p.Quality() != 1 {
		t.Errorf("quality should clamp to 1, got %f", p.Quality())
	}
	p.SetQuality(-0.2)
	if p.Quality() != 0 {
		t.Errorf("quality should clamp to 0, got %f", p.Quality())
	}
}

func TestKey(t *testing.T) {
	p := &ModelProfile{Provider: "anthropic", Model: "claude-sonnet"}
	if p.Key() != "anthropic/claude-sonnet" {
		t.Errorf("Key = %q", p.Key())
	}
}
