package errors

import (
	stderrors "errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindUpstreamTransient, true},
		{KindRateLimited, true},
		{KindQuotaExceeded, false},
		{KindUnauthorized, false},
		{KindBadRequest, false},
		{KindDeadlineExceeded, false},
		{KindUpstreamUnavailable, false},
		{KindInternal, false},
	}
	for _, c := range cases {
		e := New(c.kind, "x")
		if got := e.Retryable(); got != c.want {
			t.Errorf("Retryable() for %s = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindRateLimited, http.StatusTooManyRequests},
		{KindQuotaExceeded, http.StatusPaymentRequired},
		{KindUnauthorized, http.StatusForbidden},
		{KindBadRequest, http.StatusBadRequest},
		{KindDeadlineExceeded, http.StatusGatewayTimeout},
		{KindUpstreamUnavailable, http.StatusBadGateway},
		{KindUpstreamTransient, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := New(c.kind, "x").HTTPStatus(); got != c.want {
			t.Errorf("HTTPStatus() for %s = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestUpstreamReasonMapping(t *testing.T) {
	if e := Upstream("p", "m", ReasonTimeout, nil); e.Kind != KindUpstreamTransient {
		t.Errorf("timeout should map to transient, got %s", e.Kind)
	}
	if e := Upstream("p", "m", ReasonQuotaExceeded, nil); e.Kind != KindQuotaExceeded {
		t.Errorf("quota_exceeded should map to quota kind, got %s", e.Kind)
	}
	if e := Upstream("p", "m", ReasonCostLimit, nil); e.Kind != KindBadRequest {
		t.Errorf("cost_limit should map to bad_request, got %s", e.Kind)
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	e := Wrap(KindInternal, "wrapped", cause)
	if !stderrors.Is(e, cause) {
		t.Error("errors.Is should see through GatewayError")
	}

	var ge *GatewayError
	if !stderrors.As(e, &ge) {
		t.Fatal("errors.As should extract *GatewayError")
	}
	if ge.Kind != KindInternal {
		t.Errorf("Kind = %s, want internal", ge.Kind)
	}
}

func TestKindOfAndReasonOf(t *testing.T) {
	e := Upstream("openai", "gpt-4o", ReasonRateLimit, nil)
	if KindOf(e) != KindUpstreamTransient {
		t.Errorf("KindOf = %s", KindOf(e))
	}
	if ReasonOf(e) != ReasonRateLimit {
		t.Errorf("ReasonOf = %s", ReasonOf(e))
	}

	plain := stderrors.New("network down")
	if KindOf(plain) != KindInternal {
		t.Errorf("KindOf(plain) = %s, want internal", KindOf(plain))
	}
	if ReasonOf(plain) != ReasonProviderError {
		t.Errorf("ReasonOf(plain) = %s, want provider_error", ReasonOf(plain))
	}
}

func TestIsRetryableUnclassified(t *testing.T) {
	if !IsRetryable(stderrors.New("connection reset")) {
		t.Error("unclassified errors should be retryable")
	}
	if IsRetryable(BadRequest("no")) {
		t.Error("bad_request should not be retryable")
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	e := RateLimited("slow down", 2*time.Second)
	if e.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %v", e.RetryAfter)
	}
	if e.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d", e.HTTPStatus())
	}
}

func TestUpstreamUnavailableMessage(t *testing.T) {
	e := UpstreamUnavailable(ReasonTimeout, 3)
	if e.Kind != KindUpstreamUnavailable {
		t.Errorf("Kind = %s", e.Kind)
	}
	if e.Reason != ReasonTimeout {
		t.Errorf("Reason = %s", e.Reason)
	}
}
