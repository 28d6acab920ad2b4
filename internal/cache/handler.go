package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/modelgrid/modelgrid/internal/metrics"
	"github.com/modelgrid/modelgrid/pkg/types"
)

// ComputeFunc produces a fresh response on cache miss.
type ComputeFunc func(ctx context.Context) (*types.Response, error)

// HandlerConfig holds cache handler tunables.
type HandlerConfig struct {
	TTL             time.Duration
	SemanticEnabled bool
}

// Handler layers exact-key and semantic lookup over a Store, collapsing
// concurrent identical misses into a single backend call.
type Handler struct {
	store    Store
	semantic *SemanticIndex
	cfg      HandlerConfig
	logger   *slog.Logger
	group    singleflight.Group

	flightMu sync.Mutex
	flights  map[string]*flight
}

// flight is the shared compute context for one in-progress key. It is
// canceled once every waiting caller has gone away.
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// NewHandler creates a handler. semantic may be nil.
func NewHandler(store Store, semantic *SemanticIndex, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, semantic: semantic, cfg: cfg, logger: logger, flights: make(map[string]*flight)}
}

func (h *Handler) join(key string) *flight {
	h.flightMu.Lock()
	defer h.flightMu.Unlock()
	f, ok := h.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		f = &flight{ctx: ctx, cancel: cancel}
		h.flights[key] = f
	}
	f.refs++
	return f
}

func (h *Handler) leave(key string, f *flight) {
	h.flightMu.Lock()
	defer h.flightMu.Unlock()
	f.refs--
	if f.refs == 0 {
		f.cancel()
		delete(h.flights, key)
	}
}

// Do resolves the request from cache or computes it once. The bool result
// reports whether the response came from cache. Requests from different
// tenants never share entries.
func (h *Handler) Do(ctx context.Context, req *types.Request, compute ComputeFunc) (*types.Response, bool, error) {
	key := req.TenantID + ":" + req.Fingerprint()

	if resp := h.lookupExact(ctx, key); resp != nil {
		metrics.CacheEvents.WithLabelValues("exact", "hit").Inc()
		metrics.CacheCostSavedUSD.Add(resp.Usage.CostUSD)
		return h.asCached(resp, req), true, nil
	}
	metrics.CacheEvents.WithLabelValues("exact", "miss").Inc()

	if h.cfg.SemanticEnabled && h.semantic != nil {
		if prompt := req.LastUserContent(); prompt != "" {
			if resp := h.lookupSemantic(ctx, req.TenantID, prompt); resp != nil {
				metrics.CacheEvents.WithLabelValues("semantic", "hit").Inc()
				metrics.CacheCostSavedUSD.Add(resp.Usage.CostUSD)
				// Record the hit under this request's exact key so the
				// paraphrase resolves without the embedder next time.
				h.promote(ctx, key, resp)
				return h.asCached(resp, req), true, nil
			}
			metrics.CacheEvents.WithLabelValues("semantic", "miss").Inc()
		}
	}

	f := h.join(key)
	defer h.leave(key, f)

	ch := h.group.DoChan(key, func() (any, error) {
		resp, err := compute(f.ctx)
		if err != nil {
			return nil, err
		}
		h.store1(f.ctx, key, req, resp)
		return resp, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		resp := res.Val.(*types.Response)
		if res.Shared {
			return h.asCached(resp, req), true, nil
		}
		return resp, false, nil
	}
}

// Invalidate drops the entry for a request.
func (h *Handler) Invalidate(ctx context.Context, req *types.Request) error {
	return h.store.Delete(ctx, req.TenantID+":"+req.Fingerprint())
}

func (h *Handler) lookupExact(ctx context.Context, key string) *types.Response {
	data, err := h.store.Get(ctx, key)
	if err != nil {
		h.logger.Warn("cache read failed", "error", err)
		return nil
	}
	if data == nil {
		return nil
	}
	var resp types.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		h.logger.Warn("cache entry corrupt, dropping", "key", key)
		_ = h.store.Delete(ctx, key)
		return nil
	}
	return &resp
}

func (h *Handler) lookupSemantic(ctx context.Context, tenantID, prompt string) *types.Response {
	key, _, ok, err := h.semantic.Lookup(ctx, prompt)
	if err != nil {
		h.logger.Warn("semantic lookup failed", "error", err)
		return nil
	}
	// Entries are keyed per tenant; a near-match from another tenant is
	// never served.
	if !ok || !strings.HasPrefix(key, tenantID+":") {
		return nil
	}
	return h.lookupExact(ctx, key)
}

// promote writes an existing entry under a new exact key.
func (h *Handler) promote(ctx context.Context, key string, resp *types.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := h.store.Set(ctx, key, data, h.cfg.TTL); err != nil {
		h.logger.Warn("cache write failed", "error", err)
	}
}

func (h *Handler) store1(ctx context.Context, key string, req *types.Request, resp *types.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := h.store.Set(ctx, key, data, h.cfg.TTL); err != nil {
		h.logger.Warn("cache write failed", "error", err)
		return
	}
	if h.cfg.SemanticEnabled && h.semantic != nil {
		if prompt := req.LastUserContent(); prompt != "" {
			if err := h.semantic.Add(ctx, key, prompt, h.cfg.TTL); err != nil {
				h.logger.Warn("semantic index write failed", "error", err)
			}
		}
	}
}

// asCached returns a copy flagged as a cache hit, re-keyed to the current
// request. Usage totals stay, cost is already paid.
func (h *Handler) asCached(resp *types.Response, req *types.Request) *types.Response {
	out := *resp
	out.RequestID = req.ID
	out.Cached = true
	return &out
}
