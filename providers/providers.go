// Package providers installs the built-in backend adapters. Importing it
// registers every adapter's factory with the provider registry.
package providers

import (
	_ "github.com/modelgrid/modelgrid/providers/anthropic"
	_ "github.com/modelgrid/modelgrid/providers/ollama"
	_ "github.com/modelgrid/modelgrid/providers/openai"
)
