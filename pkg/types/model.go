package types

import (
	"math"
	"sync/atomic"
)

// Capability flags advertised by a model profile and demanded by requests.
type Capability string

const (
	CapText             Capability = "text"
	CapCode             Capability = "code"
	CapVision           Capability = "vision"
	CapFunctionCalling  Capability = "function_calling"
	CapLongContext      Capability = "long_context"
	CapStreaming        Capability = "streaming"
	CapStructuredOutput Capability = "structured_output"
)

// ModelProfile is the static descriptor of a backend model. Latency and
// quality fields are updated in place by router feedback via exponential
// moving averages; both use atomic bit-pattern stores so readers never see
// torn values.
type ModelProfile struct {
	Provider       string       `json:"provider"`
	Model          string       `json:"model"`
	Capabilities   []Capability `json:"capabilities"`
	ContextWindow  int          `json:"context_window"`
	MaxOutput      int          `json:"max_output_tokens"`
	InputCostPer1K float64      `json:"input_cost_per_1k"`
	OutputCostPer1K float64     `json:"output_cost_per_1k"`
	MaxConcurrent  int          `json:"max_concurrent"`
	AllowedTiers   []Tier       `json:"allowed_tiers"`

	// baselineLatencyMs and qualityScore hold float64 bit patterns.
	baselineLatencyMs atomic.Uint64
	qualityScore      atomic.Uint64
}

// NewModelProfile builds a profile with initial latency and quality values.
func NewModelProfile(provider, model string, latencyMs, quality float64) *ModelProfile {
	p := &ModelProfile{Provider: provider, Model: model}
	p.SetBaselineLatencyMs(latencyMs)
	p.SetQuality(quality)
	return p
}

// Key returns the (provider, model) identity used across the router,
// executor, and balancer.
func (p *ModelProfile) Key() string {
	return p.Provider + "/" + p.Model
}

// BaselineLatencyMs returns the current latency estimate.
func (p *ModelProfile) BaselineLatencyMs() float64 {
	return floatFromBits(p.baselineLatencyMs.Load())
}

// SetBaselineLatencyMs stores a latency estimate.
func (p *ModelProfile) SetBaselineLatencyMs(v float64) {
	p.baselineLatencyMs.Store(floatToBits(v))
}

// Quality returns the quality score in [0,1].
func (p *ModelProfile) Quality() float64 {
	return floatFromBits(p.qualityScore.Load())
}

// SetQuality stores a quality score.
func (p *ModelProfile) SetQuality(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.qualityScore.Store(floatToBits(v))
}

// ObserveLatency folds a measured latency into the baseline with the given
// smoothing factor.
func (p *ModelProfile) ObserveLatency(latencyMs, alpha float64) {
	for {
		old := p.baselineLatencyMs.Load()
		cur := floatFromBits(old)
		var next float64
		if cur == 0 {
			next = latencyMs
		} else {
			next = cur*(1-alpha) + latencyMs*alpha
		}
		if p.baselineLatencyMs.CompareAndSwap(old, floatToBits(next)) {
			return
		}
	}
}

// Has reports whether the profile advertises the capability.
func (p *ModelProfile) Has(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HasAll reports whether every demanded capability is present.
func (p *ModelProfile) HasAll(caps []Capability) bool {
	for _, c := range caps {
		if !p.Has(c) {
			return false
		}
	}
	return true
}

// PermitsTier reports whether the tenant tier may use this model.
// An empty AllowedTiers list permits every tier.
func (p *ModelProfile) PermitsTier(t Tier) bool {
	if len(p.AllowedTiers) == 0 {
		return true
	}
	for _, allowed := range p.AllowedTiers {
		if allowed == t {
			return true
		}
	}
	return false
}

// EstimateCostUSD computes the cost of a hypothetical call.
func (p *ModelProfile) EstimateCostUSD(promptTokens, outputTokens int) float64 {
	return float64(promptTokens)/1000*p.InputCostPer1K +
		float64(outputTokens)/1000*p.OutputCostPer1K
}

func floatToBits(f float64) uint64 {
	return math.Float64bits(f)
}

func floatFromBits(b uint64) float64 {
	return math.Float64frombits(b)
}
