// Package openai provides the OpenAI backend adapter.
package openai

import (
	"github.com/modelgrid/modelgrid/pkg/provider"
	"github.com/modelgrid/modelgrid/providers/openailike"
)

const (
	ProviderType   = "openai"
	DefaultBaseURL = "https://api.openai.com/v1"
)

var info = openailike.Info{
	Name:           ProviderType,
	DefaultBaseURL: DefaultBaseURL,
	ModelPrefixes:  []string{"gpt-", "o1-", "o3-"},
}

// New builds an OpenAI provider from config.
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
