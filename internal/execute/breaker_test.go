package execute

import (
	"testing"
	"time"
)

func testConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		RecoveryTimeout:     50 * time.Millisecond,
		HalfOpenMaxRequests: 3,
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("openai/gpt-4o", testConfig())
	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("breaker should open after 5 consecutive failures")
	}
	if b.Allow() {
		t.Error("open breaker should reject attempts")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("t", testConfig())
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Error("success should reset the consecutive failure count")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker("t", testConfig())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("breaker should admit a trial after the recovery timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Error("one trial success should close the breaker")
	}
	if !b.Allow() {
		t.Error("closed breaker should admit attempts")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("t", testConfig())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("trial should be admitted")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Error("a half-open failure should reopen immediately")
	}
	if b.Allow() {
		t.Error("reopened breaker should reject attempts")
	}
}

func TestBreakerHalfOpenAdmissionCap(t *testing.T) {
	b := NewBreaker("t", testConfig())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	admitted := 0
	for i := 0; i < 5; i++ {
		if b.Allow() {
			admitted++
		}
	}
	if admitted != 3 {
		t.Errorf("half-open admitted %d attempts, want 3", admitted)
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker("t", testConfig())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Error("Reset should force the breaker closed")
	}
	if !b.Allow() {
		t.Error("reset breaker should admit attempts")
	}
}

func TestBreakerSetDefaults(t *testing.T) {
	s := NewBreakerSet(BreakerConfig{})
	if s.config.FailureThreshold != 5 ||
		s.config.RecoveryTimeout != 60*time.Second || s.config.HalfOpenMaxRequests != 3 {
		t.Errorf("zero config should fall back to defaults, got %+v", s.config)
	}
}

func TestBreakerSetPerTarget(t *testing.T) {
	s := NewBreakerSet(testConfig())
	a := s.Get("openai/gpt-4o")
	b := s.Get("anthropic/claude")
	if a == b {
		t.Error("targets should get independent breakers")
	}
	if s.Get("openai/gpt-4o") != a {
		t.Error("same target should return the same breaker")
	}

	for i := 0; i < 5; i++ {
		a.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Error("one target's failures should not affect another")
	}
}
