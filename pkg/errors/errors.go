// Package errors defines the unified error taxonomy for gateway operations.
// All backend-specific failures are mapped onto these kinds before they
// cross a component boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a gateway error for propagation decisions.
type Kind string

const (
	KindRateLimited         Kind = "rate_limited"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindUnauthorized        Kind = "unauthorized"
	KindBadRequest          Kind = "bad_request"
	KindDeadlineExceeded    Kind = "deadline_exceeded"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamTransient   Kind = "upstream_transient"
	KindInternal            Kind = "internal"
)

// Reason classifies why a single backend attempt failed. The executor uses
// it to decide retryability and the next delay.
type Reason string

const (
	ReasonTimeout          Reason = "timeout"
	ReasonRateLimit        Reason = "rate_limit"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonQuality          Reason = "quality"
	ReasonCostLimit        Reason = "cost_limit"
	ReasonProviderError    Reason = "provider_error"
)

// GatewayError is the structured error surfaced to the front door and
// passed between pipeline components.
type GatewayError struct {
	Kind       Kind          `json:"code"`
	Message    string        `json:"message"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`
	Reason     Reason        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	TraceID    string        `json:"trace_id,omitempty"`
	cause      error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, model=%s)", e.Kind, e.Message, e.Provider, e.Model)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *GatewayError) Unwrap() error { return e.cause }

// Retryable reports whether the executor may advance the chain after this
// error rather than aborting.
func (e *GatewayError) Retryable() bool {
	switch e.Kind {
	case KindUpstreamTransient:
		return true
	case KindRateLimited:
		// A backend 429 is retryable against a different deployment; the
		// tenant-level variant never reaches the executor.
		return true
	default:
		return false
	}
}

// HTTPStatus maps the kind onto an HTTP status for the front door.
func (e *GatewayError) HTTPStatus() int {
	switch e.Kind {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindUnauthorized:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case KindUpstreamUnavailable, KindUpstreamTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithTrace attaches a trace id and returns the error for chaining.
func (e *GatewayError) WithTrace(traceID string) *GatewayError {
	e.TraceID = traceID
	return e
}

// New builds a GatewayError of the given kind.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Wrap builds a GatewayError preserving the cause.
func Wrap(kind Kind, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, cause: cause}
}

// RateLimited builds the admission-denied error with a retry hint.
func RateLimited(message string, retryAfter time.Duration) *GatewayError {
	return &GatewayError{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// QuotaExceeded builds the tenant-quota error. Not retryable.
func QuotaExceeded(message string) *GatewayError {
	return &GatewayError{Kind: KindQuotaExceeded, Message: message}
}

// Unauthorized builds a tier/feature permission error.
func Unauthorized(message string) *GatewayError {
	return &GatewayError{Kind: KindUnauthorized, Message: message}
}

// BadRequest builds a validation error.
func BadRequest(message string) *GatewayError {
	return &GatewayError{Kind: KindBadRequest, Message: message}
}

// DeadlineExceeded builds the deadline expiry error.
func DeadlineExceeded(message string) *GatewayError {
	return &GatewayError{Kind: KindDeadlineExceeded, Message: message}
}

// Upstream builds a backend attempt error tagged with its reason class.
func Upstream(provider, model string, reason Reason, cause error) *GatewayError {
	kind := KindUpstreamTransient
	switch reason {
	case ReasonQuotaExceeded:
		kind = KindQuotaExceeded
	case ReasonCostLimit:
		kind = KindBadRequest
	}
	msg := string(reason)
	if cause != nil {
		msg = cause.Error()
	}
	return &GatewayError{
		Kind:     kind,
		Message:  msg,
		Provider: provider,
		Model:    model,
		Reason:   reason,
		cause:    cause,
	}
}

// UpstreamUnavailable builds the all-attempts-exhausted error carrying the
// last classified reason.
func UpstreamUnavailable(lastReason Reason, attempts int) *GatewayError {
	return &GatewayError{
		Kind:    KindUpstreamUnavailable,
		Message: fmt.Sprintf("all %d fallback attempts failed (last reason: %s)", attempts, lastReason),
		Reason:  lastReason,
	}
}

// Internal builds an invariant-violation error.
func Internal(message string, cause error) *GatewayError {
	return &GatewayError{Kind: KindInternal, Message: message, cause: cause}
}

// KindOf extracts the kind from any error, defaulting to Internal.
func KindOf(err error) Kind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// ReasonOf extracts the attempt reason from any error, defaulting to
// provider_error.
func ReasonOf(err error) Reason {
	var ge *GatewayError
	if errors.As(err, &ge) && ge.Reason != "" {
		return ge.Reason
	}
	return ReasonProviderError
}

// IsRetryable reports whether the chain may advance past this error.
func IsRetryable(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable()
	}
	// Unclassified transport faults are treated as transient.
	return true
}
