// Package provider defines the capability interface every model backend
// implements and the registry the gateway resolves backends from.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelgrid/modelgrid/pkg/types"
)

// Health describes the current state of one backend instance.
type Health struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Provider is the uniform capability surface for a model backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the stable provider identifier, e.g. "openai".
	Name() string

	// Models returns the profiles of models this backend serves.
	Models() []*types.ModelProfile

	// Complete performs a full request/response call against the backend.
	Complete(ctx context.Context, req *types.Request) (*types.Response, error)

	// CompleteStream opens a streaming call. The returned channel is closed
	// after the final chunk. Errors surface as a chunk with Err set.
	CompleteStream(ctx context.Context, req *types.Request) (<-chan *types.Chunk, error)

	// Health probes the backend.
	Health(ctx context.Context) Health

	// Supports reports whether the named model with the demanded
	// capabilities can be served here.
	Supports(model string, caps []types.Capability) bool

	// CountTokens estimates the token count of the given text for the model.
	CountTokens(model, text string) int
}

// Config is the declarative configuration for one provider instance.
type Config struct {
	Name       string        `json:"name" yaml:"name"`
	Type       string        `json:"type" yaml:"type"`
	BaseURL    string        `json:"base_url" yaml:"base_url"`
	APIKey     string        `json:"api_key" yaml:"api_key"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	Weight     int           `json:"weight" yaml:"weight"`

	Models []ModelConfig `json:"models" yaml:"models"`
}

// ModelConfig declares one model served by a provider instance.
type ModelConfig struct {
	Name            string             `json:"name" yaml:"name"`
	Capabilities    []types.Capability `json:"capabilities" yaml:"capabilities"`
	ContextWindow   int                `json:"context_window" yaml:"context_window"`
	MaxOutput       int                `json:"max_output_tokens" yaml:"max_output_tokens"`
	InputCostPer1K  float64            `json:"input_cost_per_1k" yaml:"input_cost_per_1k"`
	OutputCostPer1K float64            `json:"output_cost_per_1k" yaml:"output_cost_per_1k"`
	LatencyMs       float64            `json:"baseline_latency_ms" yaml:"baseline_latency_ms"`
	Quality         float64            `json:"quality" yaml:"quality"`
	MaxConcurrent   int                `json:"max_concurrent" yaml:"max_concurrent"`
	AllowedTiers    []types.Tier       `json:"allowed_tiers" yaml:"allowed_tiers"`
}

// Profile converts the declaration into a live profile.
func (m ModelConfig) Profile(providerName string) *types.ModelProfile {
	p := types.NewModelProfile(providerName, m.Name, m.LatencyMs, m.Quality)
	p.Capabilities = m.Capabilities
	p.ContextWindow = m.ContextWindow
	p.MaxOutput = m.MaxOutput
	p.InputCostPer1K = m.InputCostPer1K
	p.OutputCostPer1K = m.OutputCostPer1K
	p.MaxConcurrent = m.MaxConcurrent
	p.AllowedTiers = m.AllowedTiers
	return p
}

// Factory builds a Provider from its configuration.
type Factory func(cfg Config) (Provider, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory installs a factory under a provider type name.
// Called from provider package init functions.
func RegisterFactory(typ string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typ] = f
}

// Build constructs a provider from config using the registered factory.
func Build(cfg Config) (Provider, error) {
	factoryMu.RLock()
	f, ok := factories[cfg.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	return f(cfg)
}

// Registry holds the live provider set, keyed by provider name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Remove deletes a provider by name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// All returns a snapshot of the registered providers.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Profiles returns every model profile across all providers.
func (r *Registry) Profiles() []*types.ModelProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.ModelProfile
	for _, p := range r.providers {
		out = append(out, p.Models()...)
	}
	return out
}

// Resolve finds the provider serving the given profile key ("provider/model").
func (r *Registry) Resolve(profile *types.ModelProfile) (Provider, bool) {
	return r.Get(profile.Provider)
}
