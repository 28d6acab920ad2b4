package modelgrid

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/modelgrid/modelgrid/internal/balance"
	"github.com/modelgrid/modelgrid/internal/execute"
	"github.com/modelgrid/modelgrid/internal/metrics"
	"github.com/modelgrid/modelgrid/internal/observability"
	"github.com/modelgrid/modelgrid/internal/tokenizer"
	gwerrors "github.com/modelgrid/modelgrid/pkg/errors"
	"github.com/modelgrid/modelgrid/pkg/router"
	"github.com/modelgrid/modelgrid/pkg/types"
	"github.com/modelgrid/modelgrid/routers"
)

const defaultEstOutputTokens = 512

// Complete runs one request through the full pipeline: validation,
// idempotent replay, admission control, cache lookup, routing, and
// fallback execution, with usage accounting on success.
func (g *Gateway) Complete(ctx context.Context, req *types.Request) (*types.Response, error) {
	start := time.Now()
	g.inflight.Add(1)
	defer g.inflight.Add(-1)

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = observability.GenerateRequestID()
	}
	ctx = observability.ContextWithRequestID(ctx, req.ID)

	tenant, err := g.tenant(req.TenantID)
	if err != nil {
		return nil, err
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	if req.IdempotencyKey != "" {
		stored, err := g.idem.Get(ctx, req.TenantID, req.IdempotencyKey)
		if err != nil {
			g.logger.Slog().Warn("idempotency lookup failed", "request_id", req.ID, "error", err)
		}
		if stored != nil {
			replay := *stored
			replay.RequestID = req.ID
			replay.Cached = true
			return &replay, nil
		}
	}

	if err := g.admit(ctx, tenant, req); err != nil {
		metrics.RequestsTotal.WithLabelValues("", req.Model, "rejected").Inc()
		return nil, err
	}

	compute := func(cctx context.Context) (*types.Response, error) {
		return g.dispatch(cctx, req, tenant)
	}

	var resp *types.Response
	cached := false
	if g.cache != nil {
		resp, cached, err = g.cache.Do(ctx, req, compute)
	} else {
		resp, err = compute(ctx)
	}
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("", req.Model, "error").Inc()
		return nil, wrapForCaller(err, req.ID)
	}

	g.account(tenant, resp, cached, start)

	if req.IdempotencyKey != "" {
		if perr := g.idem.Put(ctx, req.TenantID, req.IdempotencyKey, resp); perr != nil {
			g.logger.Slog().Warn("idempotency store failed", "request_id", req.ID, "error", perr)
		}
	}
	g.notify(ctx, req, resp, cached)
	return resp, nil
}

// CompleteStream runs the pipeline for a streaming request. Caching and
// idempotent replay do not apply; accounting happens when the stream ends.
func (g *Gateway) CompleteStream(ctx context.Context, req *types.Request) (<-chan *types.Chunk, error) {
	start := time.Now()
	g.inflight.Add(1)

	release := func() { g.inflight.Add(-1) }
	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = observability.GenerateRequestID()
	}
	ctx = observability.ContextWithRequestID(ctx, req.ID)
	req.Params.Stream = true

	tenant, err := g.tenant(req.TenantID)
	if err != nil {
		return nil, err
	}

	var cancel context.CancelFunc = func() {}
	if !req.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
	}

	if err := g.admit(ctx, tenant, req); err != nil {
		cancel()
		metrics.RequestsTotal.WithLabelValues("", req.Model, "rejected").Inc()
		return nil, err
	}

	chain, strategy, err := g.buildChain(ctx, req, tenant)
	if err != nil {
		cancel()
		return nil, wrapForCaller(err, req.ID)
	}
	metrics.RoutingDecisions.WithLabelValues(strategy, chain[0].Provider, chain[0].Model).Inc()

	sr, err := g.executor.ExecuteStream(ctx, req, chain)
	if err != nil {
		cancel()
		metrics.RequestsTotal.WithLabelValues("", req.Model, "error").Inc()
		return nil, wrapForCaller(err, req.ID)
	}
	g.reportFailures(sr.Events, sr.Profile)

	inst := g.instanceFor(sr.Profile.Key())

	out := make(chan *types.Chunk, 16)
	go func() {
		defer close(out)
		defer cancel()
		defer release()
		if sr.Release != nil {
			defer sr.Release()
		}

		first := true
		failed := false
		var usage types.Usage

		for chunk := range sr.Chunks {
			if first && chunk.Delta != "" {
				metrics.TimeToFirstToken.WithLabelValues(sr.Profile.Provider, sr.Profile.Model).
					Observe(time.Since(start).Seconds())
				first = false
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if chunk.Err != nil {
				failed = true
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Err != nil {
				break
			}
		}

		elapsed := time.Since(start)
		task := routers.DetectTaskType(req)
		if failed {
			if inst != nil {
				inst.ReportFailure()
			}
			g.router.Feedback(&router.Outcome{Profile: sr.Profile, Err: context.Canceled, TaskType: task})
			metrics.RequestsTotal.WithLabelValues(sr.Profile.Provider, sr.Profile.Model, "error").Inc()
			return
		}

		if inst != nil {
			inst.ReportSuccess(elapsed)
		}
		g.router.Feedback(&router.Outcome{
			Profile:  sr.Profile,
			Latency:  elapsed,
			CostUSD:  usage.CostUSD,
			TaskType: task,
		})
		tenant.RecordUsage(int64(usage.TotalTokens), usage.CostUSD, false, 0)
		metrics.RequestsTotal.WithLabelValues(sr.Profile.Provider, sr.Profile.Model, "success").Inc()
		metrics.RequestLatency.WithLabelValues(sr.Profile.Provider, sr.Profile.Model).Observe(elapsed.Seconds())
		metrics.TokensProcessed.WithLabelValues(sr.Profile.Provider, sr.Profile.Model, "prompt").Add(float64(usage.PromptTokens))
		metrics.TokensProcessed.WithLabelValues(sr.Profile.Provider, sr.Profile.Model, "completion").Add(float64(usage.CompletionTokens))
		metrics.SpendUSD.WithLabelValues(sr.Profile.Provider, sr.Profile.Model).Add(usage.CostUSD)
	}()

	ok = true
	return out, nil
}

// admit applies tenant rate limiting and quota checks.
func (g *Gateway) admit(ctx context.Context, tenant *types.Tenant, req *types.Request) error {
	if g.limiter == nil || g.limiter.Bypassed(tenant.ID) {
		return nil
	}
	decision, err := g.limiter.Allow(ctx, tenant)
	if !decision.Allowed {
		return err
	}
	if err != nil {
		g.logger.Slog().Warn("rate limiter backend error, failing open", "tenant", tenant.ID, "error", err)
	}
	return g.limiter.CheckTokenQuota(tenant, int64(estimatePromptTokens(req)+estimateOutputTokens(req)))
}

// dispatch routes the request and walks the fallback chain.
func (g *Gateway) dispatch(ctx context.Context, req *types.Request, tenant *types.Tenant) (*types.Response, error) {
	chain, strategy, err := g.buildChain(ctx, req, tenant)
	if err != nil {
		return nil, err
	}
	primary := chain[0]
	metrics.RoutingDecisions.WithLabelValues(strategy, primary.Provider, primary.Model).Inc()

	task := routers.DetectTaskType(req)
	result, err := g.executor.Execute(ctx, req, chain)
	if err != nil {
		if inst := g.instanceFor(primary.Key()); inst != nil {
			inst.ReportFailure()
		}
		g.router.Feedback(&router.Outcome{Profile: primary, Err: err, TaskType: task})
		return nil, err
	}
	g.reportFailures(result.Events, result.Profile)

	resp := result.Response
	if used := g.instanceFor(result.Profile.Key()); used != nil {
		used.ReportSuccess(resp.Latency)
	}
	g.router.Feedback(&router.Outcome{
		Profile:  result.Profile,
		Latency:  resp.Latency,
		CostUSD:  resp.Usage.CostUSD,
		TaskType: task,
	})
	return resp, nil
}

// buildChain assembles the ordered profile chain. Requests pinned to a
// model are spread across its deployments by the load balancer; open
// requests go through the routing strategy.
func (g *Gateway) buildChain(ctx context.Context, req *types.Request, tenant *types.Tenant) ([]*types.ModelProfile, string, error) {
	candidates := g.candidates(req, tenant)
	if len(candidates) == 0 {
		if req.Model != "" && g.modelExists(req.Model) {
			return nil, "", gwerrors.Unauthorized("model " + req.Model + " is not available on the " + string(tenant.Tier) + " tier")
		}
		return nil, "", gwerrors.BadRequest("no eligible model for request")
	}

	// Drop models whose context window the prompt already exceeds.
	est := estimatePromptTokens(req)
	fitting := candidates[:0:0]
	for _, p := range candidates {
		if p.ContextWindow > 0 && est > p.ContextWindow {
			continue
		}
		fitting = append(fitting, p)
	}
	if len(fitting) == 0 {
		return nil, "", gwerrors.BadRequest("prompt exceeds the context window of every eligible model")
	}
	candidates = fitting

	if req.Model != "" {
		return g.balancedChain(req, candidates), "balancer", nil
	}

	rc := &router.RequestContext{
		Request:         req,
		Tenant:          tenant,
		Candidates:      candidates,
		EstPromptTokens: est,
		EstOutputTokens: estimateOutputTokens(req),
	}
	decision, err := g.router.Route(ctx, rc)
	if err != nil {
		return nil, "", err
	}
	return decision.Chain(), decision.Strategy, nil
}

func (g *Gateway) modelExists(model string) bool {
	for _, p := range g.registry.Profiles() {
		if p.Model == model {
			return true
		}
	}
	return false
}

// candidates filters the live profile set by tenant tier and router hints.
func (g *Gateway) candidates(req *types.Request, tenant *types.Tenant) []*types.ModelProfile {
	excluded := make(map[string]bool, len(req.Hints.ExcludedModels))
	for _, m := range req.Hints.ExcludedModels {
		excluded[m] = true
	}
	preferred := make(map[string]bool, len(req.Hints.PreferredModels))
	for _, m := range req.Hints.PreferredModels {
		preferred[m] = true
	}

	all := g.registry.Profiles()
	out := make([]*types.ModelProfile, 0, len(all))
	for _, p := range all {
		if !p.PermitsTier(tenant.Tier) || excluded[p.Model] {
			continue
		}
		if req.Model != "" && p.Model != req.Model {
			continue
		}
		out = append(out, p)
	}

	// Preferred models narrow the set only when at least one survives the
	// other filters.
	if len(preferred) > 0 {
		narrowed := make([]*types.ModelProfile, 0, len(out))
		for _, p := range out {
			if preferred[p.Model] {
				narrowed = append(narrowed, p)
			}
		}
		if len(narrowed) > 0 {
			out = narrowed
		}
	}
	return out
}

// balancedChain picks the primary deployment via the load balancer and
// orders the rest by health score.
func (g *Gateway) balancedChain(req *types.Request, candidates []*types.ModelProfile) []*types.ModelProfile {
	byKey := make(map[string]*types.ModelProfile, len(candidates))
	for _, p := range candidates {
		byKey[p.Key()] = p
	}

	chain := make([]*types.ModelProfile, 0, len(candidates))
	if inst, err := g.pool.Pick(req.Model, req.TenantID); err == nil {
		if primary, ok := byKey[inst.ID]; ok {
			chain = append(chain, primary)
			delete(byKey, inst.ID)
		}
	}

	rest := make([]*types.ModelProfile, 0, len(byKey))
	for _, p := range byKey {
		rest = append(rest, p)
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return g.healthOf(rest[i].Key()) > g.healthOf(rest[j].Key())
	})
	chain = append(chain, rest...)

	maxLen := g.confMgr.Get().Routing.MaxFallbacks + 1
	if maxLen > 0 && len(chain) > maxLen {
		chain = chain[:maxLen]
	}
	return chain
}

func (g *Gateway) healthOf(key string) float64 {
	if inst := g.instanceFor(key); inst != nil {
		return inst.HealthScore()
	}
	return 0
}

func (g *Gateway) instanceFor(key string) *balance.Instance {
	g.instMu.RLock()
	defer g.instMu.RUnlock()
	return g.instances[key]
}

// reportFailures marks the instances behind failed attempts. The winning
// profile is skipped; its success report follows separately.
func (g *Gateway) reportFailures(events []execute.FallbackEvent, winner *types.ModelProfile) {
	for _, ev := range events {
		key := ev.Provider + "/" + ev.Model
		if winner != nil && key == winner.Key() {
			continue
		}
		if inst := g.instanceFor(key); inst != nil {
			inst.ReportFailure()
		}
	}
}

// account folds a completed request into tenant usage and metrics.
func (g *Gateway) account(tenant *types.Tenant, resp *types.Response, cached bool, start time.Time) {
	elapsed := time.Since(start)
	if cached {
		tenant.RecordUsage(0, 0, true, resp.Usage.CostUSD)
		metrics.RequestsTotal.WithLabelValues(resp.Provider, resp.Model, "cache_hit").Inc()
		metrics.RequestLatency.WithLabelValues(resp.Provider, resp.Model).Observe(elapsed.Seconds())
		return
	}
	tenant.RecordUsage(int64(resp.Usage.TotalTokens), resp.Usage.CostUSD, false, 0)
	metrics.RequestsTotal.WithLabelValues(resp.Provider, resp.Model, "success").Inc()
	metrics.RequestLatency.WithLabelValues(resp.Provider, resp.Model).Observe(elapsed.Seconds())
	metrics.TokensProcessed.WithLabelValues(resp.Provider, resp.Model, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.TokensProcessed.WithLabelValues(resp.Provider, resp.Model, "completion").Add(float64(resp.Usage.CompletionTokens))
	metrics.SpendUSD.WithLabelValues(resp.Provider, resp.Model).Add(resp.Usage.CostUSD)
}

// notify publishes a completion event on the tenant's stream channel.
func (g *Gateway) notify(ctx context.Context, req *types.Request, resp *types.Response, cached bool) {
	if g.hub == nil {
		return
	}
	err := g.hub.Publish(ctx, "tenant:"+req.TenantID, "request.completed", map[string]any{
		"request_id": req.ID,
		"provider":   resp.Provider,
		"model":      resp.Model,
		"cached":     cached,
		"cost_usd":   resp.Usage.CostUSD,
		"tokens":     resp.Usage.TotalTokens,
	})
	if err != nil {
		g.logger.Slog().Warn("stream publish failed", "request_id", req.ID, "error", err)
	}
}

func validateRequest(req *types.Request) error {
	if req == nil {
		return gwerrors.BadRequest("request is nil")
	}
	if req.TenantID == "" {
		return gwerrors.BadRequest("tenant_id is required")
	}
	if len(req.Messages) == 0 {
		return gwerrors.BadRequest("messages must not be empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem, types.RoleUser, types.RoleAssistant:
		default:
			return gwerrors.BadRequest("messages[" + strconv.Itoa(i) + "] has invalid role " + m.Role)
		}
	}
	if !req.Deadline.IsZero() && time.Until(req.Deadline) <= 0 {
		return gwerrors.DeadlineExceeded("request deadline already passed")
	}
	return nil
}

// wrapForCaller stamps the request ID on gateway errors before they leave
// the pipeline.
func wrapForCaller(err error, requestID string) error {
	if ge, ok := err.(*gwerrors.GatewayError); ok {
		return ge.WithTrace(requestID)
	}
	return err
}

func gwUnknownTenant(id string) error {
	return gwerrors.Unauthorized("unknown tenant " + id)
}

func estimatePromptTokens(req *types.Request) int {
	return tokenizer.EstimatePrompt(req.Model, req)
}

func estimateOutputTokens(req *types.Request) int {
	if req.Params.MaxTokens > 0 {
		return req.Params.MaxTokens
	}
	return defaultEstOutputTokens
}

