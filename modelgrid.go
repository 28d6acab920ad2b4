// Package modelgrid provides a multi-tenant LLM gateway as a Go library.
// It routes completion requests across model backends with cost, latency,
// capability, and adaptive strategies, and layers caching, rate limiting,
// circuit breaking, and fallback execution around every call.
//
// Basic usage:
//
//	gw, err := modelgrid.New(
//	    modelgrid.WithProvider(provider.Config{
//	        Name:   "openai",
//	        Type:   "openai",
//	        APIKey: os.Getenv("OPENAI_API_KEY"),
//	        Models: []provider.ModelConfig{{Name: "gpt-4o"}},
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Close()
//
//	resp, err := gw.Complete(ctx, &modelgrid.Request{
//	    TenantID: "acme",
//	    Messages: []modelgrid.Message{{Role: "user", Content: "Hello!"}},
//	})
package modelgrid

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/modelgrid/modelgrid/internal/balance"
	"github.com/modelgrid/modelgrid/internal/cache"
	"github.com/modelgrid/modelgrid/internal/config"
	"github.com/modelgrid/modelgrid/internal/execute"
	"github.com/modelgrid/modelgrid/internal/idempotency"
	"github.com/modelgrid/modelgrid/internal/observability"
	"github.com/modelgrid/modelgrid/internal/ratelimit"
	"github.com/modelgrid/modelgrid/internal/streamhub"
	"github.com/modelgrid/modelgrid/pkg/provider"
	"github.com/modelgrid/modelgrid/pkg/router"
	"github.com/modelgrid/modelgrid/pkg/types"
	_ "github.com/modelgrid/modelgrid/providers"
	"github.com/modelgrid/modelgrid/routers"
)

// Version is the current gateway version.
const Version = "1.0.0"

// Re-export the core pipeline types for convenience.
type (
	Request  = types.Request
	Response = types.Response
	Chunk    = types.Chunk
	Message  = types.Message
	Usage    = types.Usage
	Tenant   = types.Tenant
)

// inflightCapacity is the load reference for adaptive rate limiting: the
// limiter starts shedding when concurrent requests approach it.
const inflightCapacity = 512

// Gateway is the main entry point. It is safe for concurrent use.
type Gateway struct {
	confMgr  *config.Manager
	logger   *observability.Logger
	registry *provider.Registry
	router   router.Router
	pool     *balance.Pool
	prober   *balance.Prober
	breakers *execute.BreakerSet
	executor *execute.Executor
	cache    *cache.Handler
	store    cache.Store
	limiter  *ratelimit.Manager
	idem     idempotency.Store
	hub      *streamhub.Hub

	redis     redis.UniversalClient
	ownsRedis bool

	instMu    sync.RWMutex
	instances map[string]*balance.Instance

	tenantMu    sync.RWMutex
	tenants     map[string]*types.Tenant
	autoTenants bool

	inflight atomic.Int64

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a gateway from the given options and starts its background
// loops (health probing, stream hub, config watching).
func New(opts ...Option) (*Gateway, error) {
	var o gatewayOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := resolveConfig(&o)
	if err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = newLoggerFromConfig(cfg.Logging).Slog()
	}

	g := &Gateway{
		logger:      observability.WrapSlog(logger),
		registry:    provider.NewRegistry(),
		instances:   make(map[string]*balance.Instance),
		tenants:     make(map[string]*types.Tenant),
		autoTenants: !o.disableAutoTenants,
	}

	if o.configPath != "" {
		g.confMgr, err = config.NewManager(o.configPath, logger)
		if err != nil {
			return nil, err
		}
	} else {
		g.confMgr = config.NewStaticManager(cfg, logger)
	}

	if err := g.initRedis(&o, cfg); err != nil {
		return nil, err
	}
	if err := g.initProviders(&o, cfg); err != nil {
		return nil, err
	}
	if err := g.initRouting(&o, cfg); err != nil {
		return nil, err
	}
	g.initExecution(cfg, logger)
	g.initCache(&o, cfg, logger)
	if err := g.initRateLimit(cfg); err != nil {
		return nil, err
	}
	g.initIdempotency(&o, cfg)
	g.initHub(&o, cfg, logger)

	for _, t := range o.tenants {
		g.RegisterTenant(t)
	}

	g.confMgr.OnChange(func(c *config.Config) {
		if g.limiter != nil {
			g.limiter.UpdateTiers(c.RateLimit.Tiers)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	if g.hub != nil {
		if err := g.hub.Start(ctx); err != nil {
			cancel()
			return nil, fmt.Errorf("start stream hub: %w", err)
		}
	}
	if g.prober != nil {
		g.prober.Start(ctx)
	}
	if o.configPath != "" {
		if err := g.confMgr.Watch(ctx); err != nil {
			g.logger.Slog().Warn("config watch unavailable", "error", err)
		}
	}

	g.logger.Slog().Info("gateway initialized",
		"version", Version,
		"providers", len(g.registry.All()),
		"strategy", cfg.Routing.Strategy,
		"cache_enabled", g.cache != nil,
		"rate_limit_enabled", g.limiter != nil,
	)
	return g, nil
}

func resolveConfig(o *gatewayOptions) (*config.Config, error) {
	switch {
	case o.configPath != "":
		return config.LoadFromFile(o.configPath)
	case o.config != nil:
		if err := o.config.Validate(); err != nil {
			return nil, err
		}
		return o.config, nil
	default:
		return config.DefaultConfig(), nil
	}
}

func newLoggerFromConfig(lc config.LoggingConfig) *observability.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return observability.NewLogger(observability.LoggerConfig{
		Level:      level,
		JSONFormat: lc.Format != "text",
	}, observability.NewRedactor())
}

func (g *Gateway) initRedis(o *gatewayOptions, cfg *config.Config) error {
	if o.redisClient != nil {
		g.redis = o.redisClient
		return nil
	}
	if cfg.Redis.Addr == "" {
		return nil
	}
	g.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	g.ownsRedis = true
	return nil
}

func (g *Gateway) initProviders(o *gatewayOptions, cfg *config.Config) error {
	configs := append([]provider.Config{}, cfg.Providers...)
	configs = append(configs, o.providers...)

	for _, pc := range configs {
		prov, err := provider.Build(pc)
		if err != nil {
			return fmt.Errorf("build provider %q: %w", pc.Name, err)
		}
		g.addProvider(prov, pc.Weight)
	}
	for _, prov := range o.providerInstances {
		g.addProvider(prov, 1)
	}
	if len(g.registry.All()) == 0 {
		return fmt.Errorf("no providers configured")
	}
	return nil
}

func (g *Gateway) addProvider(prov provider.Provider, weight int) {
	g.registry.Register(prov)
	if weight < 1 {
		weight = 1
	}
	g.instMu.Lock()
	defer g.instMu.Unlock()
	for _, profile := range prov.Models() {
		inst := balance.NewInstance(profile.Key(), profile.Provider, profile.Model, weight, profile.MaxConcurrent)
		g.instances[profile.Key()] = inst
		if g.pool != nil {
			g.pool.Add(profile.Model, inst)
		}
	}
}

func (g *Gateway) initRouting(o *gatewayOptions, cfg *config.Config) error {
	balancer, err := balance.New(cfg.Balancer.Strategy, cfg.Balancer.VirtualNodes)
	if err != nil {
		return err
	}
	g.pool = balance.NewPool(balancer)
	g.instMu.RLock()
	for _, inst := range g.instances {
		g.pool.Add(inst.Model, inst)
	}
	g.instMu.RUnlock()

	g.prober = balance.NewProber(balance.ProberConfig{
		Enabled:  cfg.Balancer.HealthCheckInterval > 0,
		Interval: cfg.Balancer.HealthCheckInterval,
	}, g.registry, g.pool, g.logger.Slog())

	if o.router != nil {
		g.router = o.router
		return nil
	}
	g.router, err = routers.New(cfg.Routing.Strategy, cfg.Routing)
	return err
}

func (g *Gateway) initExecution(cfg *config.Config, logger *slog.Logger) {
	g.breakers = execute.NewBreakerSet(execute.BreakerConfig{
		FailureThreshold: cfg.Fallback.FailureThreshold,
		RecoveryTimeout:  cfg.Fallback.RecoveryTimeout,
	})
	g.executor = execute.New(execute.Config{
		MaxAttempts: cfg.Fallback.MaxAttempts,
		BackoffBase: cfg.Fallback.BackoffBase,
	}, g.registry, g.breakers, instanceGate{g}, logger)
}

// instanceGate reserves balancer instance slots around executor attempts,
// so in-flight accounting covers every attempt in the fallback chain.
type instanceGate struct{ g *Gateway }

func (ig instanceGate) Acquire(key string) (func(), bool) {
	inst := ig.g.instanceFor(key)
	if inst == nil {
		return func() {}, true
	}
	if !inst.Acquire() {
		return nil, false
	}
	return inst.Release, true
}

func (g *Gateway) initCache(o *gatewayOptions, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Cache.Enabled {
		return
	}
	switch {
	case o.cacheStore != nil:
		g.store = o.cacheStore
	case g.redis != nil:
		g.store = cache.NewRedisStore(g.redis, cfg.Cache.TTL)
	default:
		g.store = cache.NewMemoryStore(cache.MemoryStoreConfig{
			MaxEntries: cfg.Cache.MaxEntries,
			DefaultTTL: cfg.Cache.TTL,
		})
	}

	var semantic *cache.SemanticIndex
	if cfg.Cache.SemanticEnabled && o.embedder != nil {
		semantic = cache.NewSemanticIndex(o.embedder, cfg.Cache.SemanticThreshold, cfg.Cache.MaxEntries)
	}
	g.cache = cache.NewHandler(g.store, semantic, cache.HandlerConfig{
		TTL:             cfg.Cache.TTL,
		SemanticEnabled: semantic != nil,
	}, logger)
}

func (g *Gateway) initRateLimit(cfg *config.Config) error {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	limiter, err := ratelimit.NewManager(ratelimit.Config{
		Enabled:     true,
		Algorithm:   cfg.RateLimit.Algorithm,
		Distributed: cfg.RateLimit.Distributed,
		Adaptive:    cfg.RateLimit.Adaptive,
		Tiers:       cfg.RateLimit.Tiers,
		Bypass:      cfg.RateLimit.Bypass,
	}, g.redis, g.loadFactor)
	if err != nil {
		return err
	}
	g.limiter = limiter
	return nil
}

func (g *Gateway) initIdempotency(o *gatewayOptions, cfg *config.Config) {
	switch {
	case o.idemStore != nil:
		g.idem = o.idemStore
	case g.redis != nil:
		g.idem = idempotency.NewRedisStore(g.redis, 0)
	default:
		g.idem = idempotency.NewMemoryStore(0)
	}
}

func (g *Gateway) initHub(o *gatewayOptions, cfg *config.Config, logger *slog.Logger) {
	bus := o.bus
	if bus == nil {
		if g.redis != nil {
			bus = streamhub.NewRedisBus(g.redis)
		} else {
			bus = streamhub.NewMemoryBus()
		}
	}
	hubCfg := streamhub.DefaultConfig()
	if cfg.Stream.HeartbeatInterval > 0 {
		hubCfg.HeartbeatInterval = cfg.Stream.HeartbeatInterval
	}
	if cfg.Stream.IdleTimeout > 0 {
		hubCfg.IdleTimeout = cfg.Stream.IdleTimeout
	}
	if cfg.Stream.QueueSize > 0 {
		hubCfg.QueueSize = cfg.Stream.QueueSize
	}
	if cfg.Stream.ReconnectWindow > 0 {
		hubCfg.ReconnectWindow = cfg.Stream.ReconnectWindow
	}
	g.hub = streamhub.NewHub(hubCfg, bus, g.connectionLimit, logger)
}

// loadFactor reports current load for adaptive rate limiting.
func (g *Gateway) loadFactor() float64 {
	return float64(g.inflight.Load()) / inflightCapacity
}

// connectionLimit returns the tenant's concurrent stream connection cap.
func (g *Gateway) connectionLimit(tenantID string) int {
	tenant := g.lookupTenant(tenantID)
	if tenant == nil {
		return 0
	}
	return tenant.Limits(g.tierTable()).ConcurrentConnections
}

func (g *Gateway) tierTable() map[types.Tier]types.TierLimits {
	tiers := g.confMgr.Get().RateLimit.Tiers
	if len(tiers) == 0 {
		return types.DefaultTierLimits()
	}
	return tiers
}

// RegisterTenant adds or replaces a tenant.
func (g *Gateway) RegisterTenant(t *types.Tenant) {
	g.tenantMu.Lock()
	defer g.tenantMu.Unlock()
	g.tenants[t.ID] = t
}

// TenantUsage returns the tenant's open billing period, if the tenant
// exists.
func (g *Gateway) TenantUsage(tenantID string) (types.UsagePeriod, bool) {
	t := g.lookupTenant(tenantID)
	if t == nil {
		return types.UsagePeriod{}, false
	}
	return t.CurrentUsage(), true
}

func (g *Gateway) lookupTenant(id string) *types.Tenant {
	g.tenantMu.RLock()
	defer g.tenantMu.RUnlock()
	return g.tenants[id]
}

// tenant resolves the tenant, creating a free-tier record on first sight
// unless auto registration is disabled.
func (g *Gateway) tenant(id string) (*types.Tenant, error) {
	if t := g.lookupTenant(id); t != nil {
		return t, nil
	}
	if !g.autoTenants {
		return nil, gwUnknownTenant(id)
	}
	g.tenantMu.Lock()
	defer g.tenantMu.Unlock()
	if t, ok := g.tenants[id]; ok {
		return t, nil
	}
	t := types.NewTenant(id, types.TierFree)
	g.tenants[id] = t
	return t, nil
}

// Hub exposes the stream hub for the HTTP front door.
func (g *Gateway) Hub() *streamhub.Hub { return g.hub }

// Registry exposes the provider registry.
func (g *Gateway) Registry() *provider.Registry { return g.registry }

// Close stops background loops and releases owned resources.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.confMgr.Close()
		if g.store != nil {
			g.store.Close()
		}
		if g.ownsRedis && g.redis != nil {
			g.redis.Close()
		}
	})
	return nil
}
