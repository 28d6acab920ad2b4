package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelgrid/modelgrid/pkg/provider"
	"github.com/modelgrid/modelgrid/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
server:
  port: 9090
providers:
  - name: openai-main
    type: openai
    api_key: sk-test
    models:
      - name: gpt-4o
        context_window: 128000
        input_cost_per_1k: 0.0025
        output_cost_per_1k: 0.01
routing:
  strategy: cost
cache:
  ttl: 10m
`

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "openai-main" {
		t.Fatalf("Providers = %+v", cfg.Providers)
	}
	if cfg.Providers[0].Models[0].ContextWindow != 128000 {
		t.Errorf("ContextWindow = %d", cfg.Providers[0].Models[0].ContextWindow)
	}
	if cfg.Routing.Strategy != "cost" {
		t.Errorf("Strategy = %q", cfg.Routing.Strategy)
	}
	if cfg.Cache.TTL != 10*time.Minute {
		t.Errorf("TTL = %v", cfg.Cache.TTL)
	}

	// Unset sections keep their defaults.
	if cfg.Fallback.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d", cfg.Fallback.MaxAttempts)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("rate limiting should default on")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
  read_timeot: 5s
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Error("misspelled keys should fail to parse")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_MODELGRID_KEY", "sk-from-env")
	path := writeConfig(t, `
providers:
  - name: openai-main
    type: openai
    api_key: ${TEST_MODELGRID_KEY}
    models:
      - name: gpt-4o
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers[0].APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q", cfg.Providers[0].APIKey)
	}
}

func TestValidateErrors(t *testing.T) {
	mutations := map[string]func(*Config){
		"bad port":          func(c *Config) { c.Server.Port = -1 },
		"zero attempts":     func(c *Config) { c.Fallback.MaxAttempts = 0 },
		"bad threshold":     func(c *Config) { c.Cache.SemanticThreshold = 1.5 },
		"bad algorithm":     func(c *Config) { c.RateLimit.Algorithm = "leaky_bucket" },
		"zero stream queue": func(c *Config) { c.Stream.QueueSize = 0 },
		"provider no type": func(c *Config) {
			c.Providers = []provider.Config{{Name: "x", Models: []provider.ModelConfig{{Name: "m"}}}}
		},
		"provider no models": func(c *Config) {
			c.Providers = []provider.Config{{Name: "x", Type: "openai"}}
		},
	}
	for name, mutate := range mutations {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected a validation error", name)
		}
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestStaticManager(t *testing.T) {
	cfg := DefaultConfig()
	m := NewStaticManager(cfg, nil)
	if m.Get() != cfg {
		t.Error("Get should return the stored config")
	}
	if err := m.Watch(context.Background()); err != nil {
		t.Errorf("Watch on a static manager should be a no-op: %v", err)
	}
}

func TestManagerHotReload(t *testing.T) {
	path := writeConfig(t, validYAML)
	m, err := NewManager(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	reloaded := make(chan *Config, 1)
	m.OnChange(func(c *Config) { reloaded <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatal(err)
	}

	updated := `
server:
  port: 7070
providers:
  - name: openai-main
    type: openai
    models:
      - name: gpt-4o
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Server.Port != 7070 {
			t.Errorf("reloaded Port = %d", cfg.Server.Port)
		}
		if m.Get().Server.Port != 7070 {
			t.Error("Get should see the new snapshot")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload did not fire")
	}
}

func TestManagerKeepsConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, validYAML)
	m, err := NewManager(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("server: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Second)

	if m.Get().Server.Port != 9090 {
		t.Error("a failed reload must keep the previous snapshot")
	}
}

func TestDefaultTiersPresent(t *testing.T) {
	cfg := DefaultConfig()
	free, ok := cfg.RateLimit.Tiers[types.TierFree]
	if !ok {
		t.Fatal("free tier missing from defaults")
	}
	if free.RequestsPerMinute != 10 || free.TokensPerDay != 50_000 || free.ConcurrentConnections != 2 {
		t.Errorf("free tier = %+v", free)
	}
}
