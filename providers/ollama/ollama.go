// Package ollama provides the adapter for local Ollama backends, which
// expose an OpenAI-compatible endpoint.
package ollama

import (
	"github.com/modelgrid/modelgrid/pkg/provider"
	"github.com/modelgrid/modelgrid/providers/openailike"
)

const (
	ProviderType   = "ollama"
	DefaultBaseURL = "http://localhost:11434/v1"
)

var info = openailike.Info{
	Name:           ProviderType,
	DefaultBaseURL: DefaultBaseURL,
	ModelPrefixes:  []string{"llama", "mistral", "qwen", "gemma", "phi"},
}

// New builds an Ollama provider from config.
func New(cfg provider.Config) (provider.Provider, error) {
	i := info
	if cfg.Name != "" {
		i.Name = cfg.Name
	}
	return openailike.New(i, cfg)
}

func init() {
	provider.RegisterFactory(ProviderType, New)
}
