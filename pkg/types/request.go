// Package types defines the core data structures exchanged across the
// gateway pipeline: request envelopes, responses, stream chunks, model
// profiles, and tenant descriptors.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Role identifies the author of a conversation message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Params holds generation parameters forwarded to the backend.
type Params struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// Hints carries optional caller preferences the router may honor.
type Hints struct {
	PreferredModels []string `json:"preferred_models,omitempty"`
	ExcludedModels  []string `json:"excluded_models,omitempty"`
	MaxCostUSD      float64  `json:"max_cost_usd,omitempty"`
	MaxLatencyMs    int64    `json:"max_latency_ms,omitempty"`
	Strategy        string   `json:"strategy,omitempty"`
}

// Request is the immutable envelope that traverses the pipeline once.
// The fingerprint is computed lazily from the canonicalized body and is
// stable across field ordering.
type Request struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	Model          string            `json:"model,omitempty"`
	Messages       []Message         `json:"messages"`
	Params         Params            `json:"params"`
	Hints          Hints             `json:"hints,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Deadline       time.Time         `json:"deadline"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	fingerprint string
}

// LastUserContent returns the content of the most recent user turn.
// Used as the semantic cache key source.
func (r *Request) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// PromptText concatenates all message content for token estimation and
// task-type detection.
func (r *Request) PromptText() string {
	var sb strings.Builder
	for _, m := range r.Messages {
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Fingerprint returns the stable hash over the canonicalized request body.
// Messages are serialized in order; parameter fields are serialized in a
// fixed sequence so two requests that differ only in map ordering or
// unrelated metadata share a fingerprint.
func (r *Request) Fingerprint() string {
	if r.fingerprint != "" {
		return r.fingerprint
	}

	var sb strings.Builder
	sb.WriteString("model:")
	sb.WriteString(r.Model)

	msgs, _ := json.Marshal(r.Messages)
	sb.WriteString("|messages:")
	sb.Write(msgs)

	if r.Params.Temperature != nil {
		sb.WriteString("|temp:")
		b, _ := json.Marshal(*r.Params.Temperature)
		sb.Write(b)
	}
	if r.Params.MaxTokens > 0 {
		sb.WriteString("|max_tokens:")
		b, _ := json.Marshal(r.Params.MaxTokens)
		sb.Write(b)
	}
	if r.Params.TopP != nil {
		sb.WriteString("|top_p:")
		b, _ := json.Marshal(*r.Params.TopP)
		sb.Write(b)
	}
	if len(r.Params.Stop) > 0 {
		stop := make([]string, len(r.Params.Stop))
		copy(stop, r.Params.Stop)
		sort.Strings(stop)
		sb.WriteString("|stop:")
		b, _ := json.Marshal(stop)
		sb.Write(b)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	r.fingerprint = hex.EncodeToString(sum[:])
	return r.fingerprint
}

// RemainingBudget returns the time left before the request deadline, or the
// fallback when no deadline is set.
func (r *Request) RemainingBudget(fallback time.Duration) time.Duration {
	if r.Deadline.IsZero() {
		return fallback
	}
	return time.Until(r.Deadline)
}
