package execute

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/modelgrid/modelgrid/internal/metrics"
	"github.com/modelgrid/modelgrid/pkg/errors"
	"github.com/modelgrid/modelgrid/pkg/provider"
	"github.com/modelgrid/modelgrid/pkg/types"
)

// Config contains fallback executor tunables.
type Config struct {
	// MaxAttempts caps total backend attempts per request.
	MaxAttempts int

	// BackoffBase is the delay before the second attempt; each further
	// attempt doubles it.
	BackoffBase time.Duration
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 4, BackoffBase: 200 * time.Millisecond}
}

// FallbackEvent records one chain advance for audit and debugging.
type FallbackEvent struct {
	RequestID string        `json:"request_id"`
	Attempt   int           `json:"attempt"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Reason    errors.Reason `json:"reason"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// Result is a successful execution outcome plus its attempt trail.
type Result struct {
	Response *types.Response
	Profile  *types.ModelProfile
	Events   []FallbackEvent
}

// StreamResult is a successful stream open plus its attempt trail. Release
// frees the reserved backend slot and must be called once the stream ends.
type StreamResult struct {
	Chunks  <-chan *types.Chunk
	Profile *types.ModelProfile
	Events  []FallbackEvent
	Release func()
}

// AttemptGate reserves per-target concurrency around each backend attempt.
// A nil gate admits everything.
type AttemptGate interface {
	// Acquire reserves a slot on the target. It returns the paired release
	// and false when the target is at capacity.
	Acquire(key string) (release func(), ok bool)
}

// ErrTargetSaturated is returned when the attempt gate rejects a target.
var ErrTargetSaturated = stderrors.New("target is at its concurrency limit")

// Executor walks a routing decision's chain until a backend succeeds.
type Executor struct {
	cfg      Config
	registry *provider.Registry
	breakers *BreakerSet
	gate     AttemptGate
	logger   *slog.Logger
}

// New creates an executor.
func New(cfg Config, registry *provider.Registry, breakers *BreakerSet, gate AttemptGate, logger *slog.Logger) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, registry: registry, breakers: breakers, gate: gate, logger: logger}
}

// acquire reserves a slot on the target through the gate, if one is set.
func (e *Executor) acquire(key string) (func(), bool) {
	if e.gate == nil {
		return func() {}, true
	}
	return e.gate.Acquire(key)
}

// Execute tries each profile in the chain in order. Between attempts it
// sleeps an exponentially growing backoff, cut short by context or request
// deadline. Non-retryable failures abort the chain immediately.
func (e *Executor) Execute(ctx context.Context, req *types.Request, chain []*types.ModelProfile) (*Result, error) {
	if len(chain) == 0 {
		return nil, errors.Internal("empty fallback chain", nil)
	}

	var events []FallbackEvent
	lastReason := errors.ReasonProviderError
	attempts := 0

	for i, profile := range chain {
		if attempts >= e.cfg.MaxAttempts {
			break
		}

		if i > 0 {
			if err := e.backoff(ctx, req, attempts); err != nil {
				return nil, err
			}
		}

		attempts++
		resp, err := e.attempt(ctx, req, profile)
		if err == nil {
			return &Result{Response: resp, Profile: profile, Events: events}, nil
		}

		reason := errors.ReasonOf(err)
		lastReason = reason
		events = append(events, FallbackEvent{
			RequestID: req.ID,
			Attempt:   attempts,
			Provider:  profile.Provider,
			Model:     profile.Model,
			Reason:    reason,
			Error:     err.Error(),
			At:        time.Now(),
		})
		metrics.FallbackAttempts.WithLabelValues(profile.Provider, string(reason)).Inc()
		e.logger.Warn("backend attempt failed",
			"request_id", req.ID,
			"provider", profile.Provider,
			"model", profile.Model,
			"reason", string(reason),
			"attempt", attempts,
		)

		if !errors.IsRetryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, errors.DeadlineExceeded("request deadline exceeded during fallback")
		}
	}

	return nil, errors.UpstreamUnavailable(lastReason, attempts)
}

// ExecuteStream opens a stream, falling back across the chain until the
// first backend accepts. Once chunks flow, failures surface on the stream
// itself rather than triggering another fallback.
func (e *Executor) ExecuteStream(ctx context.Context, req *types.Request, chain []*types.ModelProfile) (*StreamResult, error) {
	if len(chain) == 0 {
		return nil, errors.Internal("empty fallback chain", nil)
	}

	var events []FallbackEvent
	lastReason := errors.ReasonProviderError
	attempts := 0

	for i, profile := range chain {
		if attempts >= e.cfg.MaxAttempts {
			break
		}
		if i > 0 {
			if err := e.backoff(ctx, req, attempts); err != nil {
				return nil, err
			}
		}

		attempts++
		breaker := e.breakers.Get(profile.Key())
		if !breaker.Allow() {
			lastReason = errors.ReasonModelUnavailable
			events = append(events, FallbackEvent{
				RequestID: req.ID, Attempt: attempts,
				Provider: profile.Provider, Model: profile.Model,
				Reason: lastReason, Error: ErrCircuitOpen.Error(), At: time.Now(),
			})
			continue
		}

		prov, ok := e.registry.Resolve(profile)
		if !ok {
			lastReason = errors.ReasonModelUnavailable
			continue
		}

		release, ok := e.acquire(profile.Key())
		if !ok {
			lastReason = errors.ReasonModelUnavailable
			events = append(events, FallbackEvent{
				RequestID: req.ID, Attempt: attempts,
				Provider: profile.Provider, Model: profile.Model,
				Reason: lastReason, Error: ErrTargetSaturated.Error(), At: time.Now(),
			})
			continue
		}

		chunks, err := prov.CompleteStream(ctx, req)
		if err != nil {
			release()
			breaker.RecordFailure()
			reason := classify(err)
			lastReason = reason
			events = append(events, FallbackEvent{
				RequestID: req.ID, Attempt: attempts,
				Provider: profile.Provider, Model: profile.Model,
				Reason: reason, Error: err.Error(), At: time.Now(),
			})
			metrics.FallbackAttempts.WithLabelValues(profile.Provider, string(reason)).Inc()
			if !errors.IsRetryable(errors.Upstream(profile.Provider, profile.Model, reason, err)) {
				return nil, errors.Upstream(profile.Provider, profile.Model, reason, err)
			}
			continue
		}

		breaker.RecordSuccess()
		return &StreamResult{Chunks: chunks, Profile: profile, Events: events, Release: release}, nil
	}

	return nil, errors.UpstreamUnavailable(lastReason, attempts)
}

func (e *Executor) attempt(ctx context.Context, req *types.Request, profile *types.ModelProfile) (*types.Response, error) {
	breaker := e.breakers.Get(profile.Key())
	if !breaker.Allow() {
		return nil, errors.Upstream(profile.Provider, profile.Model, errors.ReasonModelUnavailable, ErrCircuitOpen)
	}

	prov, ok := e.registry.Resolve(profile)
	if !ok {
		return nil, errors.Upstream(profile.Provider, profile.Model, errors.ReasonModelUnavailable, nil)
	}

	release, ok := e.acquire(profile.Key())
	if !ok {
		return nil, errors.Upstream(profile.Provider, profile.Model, errors.ReasonModelUnavailable, ErrTargetSaturated)
	}
	defer release()

	start := time.Now()
	resp, err := prov.Complete(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		breaker.RecordFailure()
		reason := classify(err)
		if reason == errors.ReasonTimeout {
			// Timeouts still count toward the latency estimate.
			profile.ObserveLatency(float64(elapsed.Milliseconds()), 0.1)
		}
		return nil, errors.Upstream(profile.Provider, profile.Model, reason, err)
	}

	breaker.RecordSuccess()
	profile.ObserveLatency(float64(elapsed.Milliseconds()), 0.1)
	metrics.BackendLatency.WithLabelValues(profile.Provider, profile.Model).Observe(elapsed.Seconds())
	resp.Latency = elapsed
	return resp, nil
}

// backoff sleeps base*2^(attempts-1), preempted by context cancellation.
// When the remaining deadline budget is smaller than the next delay, the
// chain stops instead of retrying with a shortened sleep.
func (e *Executor) backoff(ctx context.Context, req *types.Request, attempts int) error {
	if attempts < 1 {
		return nil
	}
	delay := e.cfg.BackoffBase << (attempts - 1)

	if !req.Deadline.IsZero() && req.RemainingBudget(0) < delay {
		return errors.DeadlineExceeded("remaining deadline is smaller than the next retry delay")
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.DeadlineExceeded("request canceled during backoff")
	case <-timer.C:
		return nil
	}
}

// classify maps a raw backend error onto a reason class.
func classify(err error) errors.Reason {
	if err == nil {
		return errors.ReasonProviderError
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ReasonTimeout
	}

	var ge *errors.GatewayError
	if stderrors.As(err, &ge) {
		if ge.Reason != "" {
			return ge.Reason
		}
		switch ge.Kind {
		case errors.KindRateLimited:
			return errors.ReasonRateLimit
		case errors.KindQuotaExceeded:
			return errors.ReasonQuotaExceeded
		case errors.KindDeadlineExceeded:
			return errors.ReasonTimeout
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return errors.ReasonTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return errors.ReasonRateLimit
	case strings.Contains(msg, "quota"):
		return errors.ReasonQuotaExceeded
	case strings.Contains(msg, "not found") || strings.Contains(msg, "unavailable"):
		return errors.ReasonModelUnavailable
	default:
		return errors.ReasonProviderError
	}
}
