// Package execute runs routing decisions against backends: it walks the
// fallback chain, classifies failures, applies backoff, and tracks
// per-target circuit breakers.
package execute

import (
	"errors"
	"sync"
	"time"

	"github.com/modelgrid/modelgrid/internal/metrics"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a target's breaker rejects the attempt.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig contains circuit breaker tunables.
type BreakerConfig struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		RecoveryTimeout:     60 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// Breaker is a three-state circuit breaker guarding one backend target.
// Consecutive failures open it; after the recovery timeout it admits a
// limited number of trial requests. A single trial success closes it, a
// single trial failure reopens it.
type Breaker struct {
	mu            sync.Mutex
	target        string
	state         BreakerState
	failureCount  int
	halfOpenCount int
	lastFailure   time.Time
	config        BreakerConfig
	onStateChange func(target string, from, to BreakerState)
}

// NewBreaker creates a closed breaker for the target.
func NewBreaker(target string, cfg BreakerConfig) *Breaker {
	return &Breaker{target: target, state: StateClosed, config: cfg}
}

// OnStateChange sets a transition callback, invoked on its own goroutine.
func (b *Breaker) OnStateChange(fn func(target string, from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether an attempt may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.halfOpenCount = 1
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenCount < b.config.HalfOpenMaxRequests {
			b.halfOpenCount++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.transitionTo(StateClosed)
		b.failureCount = 0
		b.halfOpenCount = 0
	}
}

// RecordFailure records a failed attempt. Any half-open failure reopens
// the breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failureCount = 0
	b.halfOpenCount = 0
}

func (b *Breaker) transitionTo(newState BreakerState) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState
	metrics.CircuitBreakerState.WithLabelValues(b.target).Set(float64(newState))

	if b.onStateChange != nil {
		go b.onStateChange(b.target, oldState, newState)
	}
}

// BreakerSet lazily creates one breaker per target key.
type BreakerSet struct {
	mu       sync.RWMutex
	config   BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set using cfg for new breakers. Zero
// fields fall back to the defaults.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	return &BreakerSet{config: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a target, creating it on first use.
func (s *BreakerSet) Get(target string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[target]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[target]; ok {
		return b
	}
	b = NewBreaker(target, s.config)
	s.breakers[target] = b
	return b
}
