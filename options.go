package modelgrid

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/modelgrid/modelgrid/internal/cache"
	"github.com/modelgrid/modelgrid/internal/config"
	"github.com/modelgrid/modelgrid/internal/idempotency"
	"github.com/modelgrid/modelgrid/internal/streamhub"
	"github.com/modelgrid/modelgrid/pkg/provider"
	"github.com/modelgrid/modelgrid/pkg/router"
	"github.com/modelgrid/modelgrid/pkg/types"
)

// gatewayOptions collects everything New can be configured with. Most
// deployments set a config file and providers; the injection points exist
// for embedding and tests.
type gatewayOptions struct {
	configPath string
	config     *config.Config

	providers         []provider.Config
	providerInstances []provider.Provider

	logger *slog.Logger

	redisClient redis.UniversalClient

	router     router.Router
	cacheStore cache.Store
	embedder   cache.Embedder
	idemStore  idempotency.Store
	bus        streamhub.Bus

	tenants            []*types.Tenant
	disableAutoTenants bool
}

// Option configures the gateway.
type Option func(*gatewayOptions)

// WithConfigFile loads configuration from a YAML file and watches it for
// changes.
func WithConfigFile(path string) Option {
	return func(o *gatewayOptions) { o.configPath = path }
}

// WithConfig supplies a complete configuration, bypassing file loading.
func WithConfig(cfg *config.Config) Option {
	return func(o *gatewayOptions) { o.config = cfg }
}

// WithProvider adds a provider built from declarative config. May be
// repeated.
func WithProvider(cfg provider.Config) Option {
	return func(o *gatewayOptions) { o.providers = append(o.providers, cfg) }
}

// WithProviderInstance registers a pre-built provider. May be repeated.
func WithProviderInstance(p provider.Provider) Option {
	return func(o *gatewayOptions) { o.providerInstances = append(o.providerInstances, p) }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *gatewayOptions) { o.logger = logger }
}

// WithRedis supplies a Redis client for distributed rate limiting, shared
// caching, idempotency storage, and cross-node stream fan-out. The caller
// keeps ownership and closes it.
func WithRedis(client redis.UniversalClient) Option {
	return func(o *gatewayOptions) { o.redisClient = client }
}

// WithRouter overrides the configured routing strategy with a custom router.
func WithRouter(r router.Router) Option {
	return func(o *gatewayOptions) { o.router = r }
}

// WithCacheStore overrides the response cache backend.
func WithCacheStore(s cache.Store) Option {
	return func(o *gatewayOptions) { o.cacheStore = s }
}

// WithEmbedder enables semantic cache lookups using the given embedder.
func WithEmbedder(e cache.Embedder) Option {
	return func(o *gatewayOptions) { o.embedder = e }
}

// WithIdempotencyStore overrides the idempotency record backend.
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(o *gatewayOptions) { o.idemStore = s }
}

// WithStreamBus overrides the stream fan-out bus.
func WithStreamBus(b streamhub.Bus) Option {
	return func(o *gatewayOptions) { o.bus = b }
}

// WithTenant registers a tenant at startup. May be repeated.
func WithTenant(t *types.Tenant) Option {
	return func(o *gatewayOptions) { o.tenants = append(o.tenants, t) }
}

// WithoutAutoTenants rejects requests from tenants that were never
// registered instead of creating them on the free tier.
func WithoutAutoTenants() Option {
	return func(o *gatewayOptions) { o.disableAutoTenants = true }
}
