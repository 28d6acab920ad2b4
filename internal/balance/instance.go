// Package balance distributes requests across backend instances serving
// the same model group. Strategies range from stateless round robin to an
// adaptive health-scored pick.
package balance

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// healthFloor is the score below which an instance is excluded from
	// selection entirely.
	healthFloor = 0.2

	// errorWindow bounds the rolling outcome window used for error rate.
	errorWindow = 50

	latencyAlpha      = 0.1
	availabilityAlpha = 0.1

	// defaultMaxConcurrent bounds in-flight requests when the model
	// declares no cap of its own.
	defaultMaxConcurrent = 32
)

// Instance is one selectable backend endpoint. Callers must pair a
// successful Acquire with Release around each in-flight request.
type Instance struct {
	ID            string
	Provider      string
	Model         string
	Weight        int
	MaxConcurrent int64

	active atomic.Int64

	mu            sync.Mutex
	latencyMs     float64
	availability  float64
	outcomes      []bool
	outcomeIdx    int
	lastFailure   time.Time
	currentWeight int
}

// NewInstance creates an instance with full availability. Weight defaults
// to 1 and maxConcurrent to 32 when non-positive.
func NewInstance(id, providerName, model string, weight, maxConcurrent int) *Instance {
	if weight <= 0 {
		weight = 1
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Instance{
		ID:            id,
		Provider:      providerName,
		Model:         model,
		Weight:        weight,
		MaxConcurrent: int64(maxConcurrent),
		availability:  1.0,
	}
}

// Acquire reserves an in-flight slot. It reports false when the instance
// is already at its declared concurrency cap.
func (in *Instance) Acquire() bool {
	if in.active.Add(1) > in.MaxConcurrent {
		in.active.Add(-1)
		return false
	}
	return true
}

// Release decrements the in-flight counter.
func (in *Instance) Release() {
	if in.active.Add(-1) < 0 {
		in.active.Store(0)
	}
}

// Active returns the current in-flight count.
func (in *Instance) Active() int64 { return in.active.Load() }

// ReportSuccess folds one successful call into the stats.
func (in *Instance) ReportSuccess(latency time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.observeLatency(float64(latency.Milliseconds()))
	in.availability = in.availability*(1-availabilityAlpha) + availabilityAlpha
	in.recordOutcome(true)
}

// ReportFailure folds one failed call into the stats.
func (in *Instance) ReportFailure() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.availability = in.availability * (1 - availabilityAlpha)
	in.recordOutcome(false)
	in.lastFailure = time.Now()
}

// SetAvailability overrides availability, used by the health prober.
func (in *Instance) SetAvailability(v float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	in.availability = v
}

// AvgLatencyMs returns the smoothed latency estimate.
func (in *Instance) AvgLatencyMs() float64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.latencyMs
}

// ErrorRate returns the failure fraction over the rolling window.
func (in *Instance) ErrorRate() float64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.errorRateLocked()
}

// HealthScore combines connection headroom, latency, availability, error
// rate, and failure recency into a single score in [0,1]. Free capacity
// contributes half the score on a 0.5 base, latency contributes via
// 1000/(1000+ms), the result is scaled by the success fraction and probe
// availability, then discounted after recent failures.
func (in *Instance) HealthScore() float64 {
	connAvail := 1 - float64(in.active.Load())/float64(in.MaxConcurrent)
	if connAvail < 0 {
		connAvail = 0
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	score := 0.5*(0.5+connAvail*0.5) + 0.3*(1000.0/(1000.0+in.latencyMs))
	score *= 1 - in.errorRateLocked()
	score *= in.availability

	if !in.lastFailure.IsZero() {
		since := time.Since(in.lastFailure)
		switch {
		case since < time.Minute:
			score *= 0.5
		case since < 5*time.Minute:
			score *= 0.8
		}
	}
	return score
}

// Available reports whether the instance may receive traffic.
func (in *Instance) Available() bool {
	return in.HealthScore() >= healthFloor
}

func (in *Instance) observeLatency(ms float64) {
	if in.latencyMs == 0 {
		in.latencyMs = ms
		return
	}
	in.latencyMs = in.latencyMs*(1-latencyAlpha) + ms*latencyAlpha
}

func (in *Instance) recordOutcome(ok bool) {
	if len(in.outcomes) < errorWindow {
		in.outcomes = append(in.outcomes, ok)
		return
	}
	in.outcomes[in.outcomeIdx] = ok
	in.outcomeIdx = (in.outcomeIdx + 1) % errorWindow
}

func (in *Instance) errorRateLocked() float64 {
	if len(in.outcomes) == 0 {
		return 0
	}
	var failures int
	for _, ok := range in.outcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(in.outcomes))
}
