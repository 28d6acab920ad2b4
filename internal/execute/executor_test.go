package execute

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	gwerrors "github.com/modelgrid/modelgrid/pkg/errors"
	"github.com/modelgrid/modelgrid/pkg/provider"
	"github.com/modelgrid/modelgrid/pkg/types"
)

type fakeProvider struct {
	name    string
	err     error
	content string

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string                 { return f.name }
func (f *fakeProvider) Models() []*types.ModelProfile { return nil }

func (f *fakeProvider) Complete(_ context.Context, req *types.Request) (*types.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &types.Response{
		ID:        "resp-1",
		RequestID: req.ID,
		Provider:  f.name,
		Content:   f.content,
		Usage:     types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeProvider) CompleteStream(_ context.Context, _ *types.Request) (<-chan *types.Chunk, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan *types.Chunk, 2)
	ch <- &types.Chunk{ID: "s-1", Delta: f.content}
	ch <- &types.Chunk{ID: "s-1", FinishReason: types.FinishStop}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Health(context.Context) provider.Health {
	return provider.Health{Healthy: true}
}

func (f *fakeProvider) Supports(string, []types.Capability) bool { return true }
func (f *fakeProvider) CountTokens(_, text string) int           { return len(text) / 4 }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newExecutor(t *testing.T, providers ...*fakeProvider) (*Executor, []*types.ModelProfile) {
	t.Helper()
	registry := provider.NewRegistry()
	var chain []*types.ModelProfile
	for _, p := range providers {
		registry.Register(p)
		chain = append(chain, types.NewModelProfile(p.name, "m", 100, 0.8))
	}
	cfg := Config{MaxAttempts: 4, BackoffBase: time.Millisecond}
	return New(cfg, registry, NewBreakerSet(DefaultBreakerConfig()), nil, nil), chain
}

func testRequest() *types.Request {
	return &types.Request{
		ID:       "req-1",
		TenantID: "t1",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}
}

func TestExecuteFirstAttemptSucceeds(t *testing.T) {
	p := &fakeProvider{name: "primary", content: "hello"}
	e, chain := newExecutor(t, p)

	res, err := e.Execute(context.Background(), testRequest(), chain)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Content != "hello" {
		t.Errorf("Content = %q", res.Response.Content)
	}
	if res.Profile.Provider != "primary" {
		t.Errorf("Profile.Provider = %s", res.Profile.Provider)
	}
	if len(res.Events) != 0 {
		t.Errorf("Events = %d, want 0", len(res.Events))
	}
	if res.Response.Latency <= 0 {
		t.Error("Latency should be stamped")
	}
}

func TestExecuteFallsBackOnTransientError(t *testing.T) {
	bad := &fakeProvider{name: "primary", err: stderrors.New("connection timeout")}
	good := &fakeProvider{name: "secondary", content: "fallback"}
	e, chain := newExecutor(t, bad, good)

	res, err := e.Execute(context.Background(), testRequest(), chain)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Content != "fallback" {
		t.Errorf("Content = %q", res.Response.Content)
	}
	if len(res.Events) != 1 {
		t.Fatalf("Events = %d, want 1", len(res.Events))
	}
	if res.Events[0].Provider != "primary" || res.Events[0].Reason != gwerrors.ReasonTimeout {
		t.Errorf("event = %+v", res.Events[0])
	}
}

func TestExecuteAbortsOnNonRetryable(t *testing.T) {
	bad := &fakeProvider{name: "primary", err: gwerrors.QuotaExceeded("monthly quota exhausted")}
	second := &fakeProvider{name: "secondary", content: "never"}
	e, chain := newExecutor(t, bad, second)

	_, err := e.Execute(context.Background(), testRequest(), chain)
	if err == nil {
		t.Fatal("expected error")
	}
	if gwerrors.KindOf(err) != gwerrors.KindQuotaExceeded {
		t.Errorf("Kind = %s", gwerrors.KindOf(err))
	}
	if second.callCount() != 0 {
		t.Error("chain should abort before the second provider")
	}
}

func TestExecuteExhaustsChain(t *testing.T) {
	a := &fakeProvider{name: "a", err: stderrors.New("503 unavailable")}
	b := &fakeProvider{name: "b", err: stderrors.New("503 unavailable")}
	c := &fakeProvider{name: "c", err: stderrors.New("503 unavailable")}
	e, chain := newExecutor(t, a, b, c)

	_, err := e.Execute(context.Background(), testRequest(), chain)
	if gwerrors.KindOf(err) != gwerrors.KindUpstreamUnavailable {
		t.Fatalf("Kind = %s, err = %v", gwerrors.KindOf(err), err)
	}
	var ge *gwerrors.GatewayError
	if !stderrors.As(err, &ge) {
		t.Fatal("expected GatewayError")
	}
	if ge.Reason != gwerrors.ReasonModelUnavailable {
		t.Errorf("last reason = %s", ge.Reason)
	}
}

func TestExecuteRespectsMaxAttempts(t *testing.T) {
	a := &fakeProvider{name: "a", err: stderrors.New("boom")}
	b := &fakeProvider{name: "b", err: stderrors.New("boom")}
	c := &fakeProvider{name: "c", err: stderrors.New("boom")}
	registry := provider.NewRegistry()
	chain := make([]*types.ModelProfile, 0, 3)
	for _, p := range []*fakeProvider{a, b, c} {
		registry.Register(p)
		chain = append(chain, types.NewModelProfile(p.name, "m", 100, 0.8))
	}
	e := New(Config{MaxAttempts: 2, BackoffBase: time.Millisecond},
		registry, NewBreakerSet(DefaultBreakerConfig()), nil, nil)

	_, err := e.Execute(context.Background(), testRequest(), chain)
	if err == nil {
		t.Fatal("expected error")
	}
	if c.callCount() != 0 {
		t.Error("third provider should never be attempted")
	}
}

func TestExecuteSkipsOpenBreaker(t *testing.T) {
	bad := &fakeProvider{name: "primary", content: "unused"}
	good := &fakeProvider{name: "secondary", content: "ok"}
	e, chain := newExecutor(t, bad, good)

	breaker := e.breakers.Get(chain[0].Key())
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}

	res, err := e.Execute(context.Background(), testRequest(), chain)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Provider != "secondary" {
		t.Errorf("Provider = %s", res.Response.Provider)
	}
	if bad.callCount() != 0 {
		t.Error("open breaker should short-circuit the call")
	}
}

func TestExecuteEmptyChain(t *testing.T) {
	e, _ := newExecutor(t, &fakeProvider{name: "p"})
	if _, err := e.Execute(context.Background(), testRequest(), nil); err == nil {
		t.Error("empty chain should error")
	}
}

func TestExecuteDeadlinePreemptsBackoff(t *testing.T) {
	a := &fakeProvider{name: "a", err: stderrors.New("boom")}
	b := &fakeProvider{name: "b", content: "never"}
	e, chain := newExecutor(t, a, b)

	req := testRequest()
	req.Deadline = time.Now().Add(-time.Second)

	_, err := e.Execute(context.Background(), req, chain)
	if gwerrors.KindOf(err) != gwerrors.KindDeadlineExceeded {
		t.Errorf("Kind = %s", gwerrors.KindOf(err))
	}
	if b.callCount() != 0 {
		t.Error("expired deadline should stop the chain before the retry")
	}
}

func TestExecuteStopsWhenBudgetBelowBackoff(t *testing.T) {
	a := &fakeProvider{name: "a", err: stderrors.New("boom")}
	b := &fakeProvider{name: "b", content: "never"}
	registry := provider.NewRegistry()
	var chain []*types.ModelProfile
	for _, p := range []*fakeProvider{a, b} {
		registry.Register(p)
		chain = append(chain, types.NewModelProfile(p.name, "m", 100, 0.8))
	}
	e := New(Config{MaxAttempts: 4, BackoffBase: 200 * time.Millisecond},
		registry, NewBreakerSet(DefaultBreakerConfig()), nil, nil)

	req := testRequest()
	req.Deadline = time.Now().Add(50 * time.Millisecond)

	_, err := e.Execute(context.Background(), req, chain)
	if gwerrors.KindOf(err) != gwerrors.KindDeadlineExceeded {
		t.Errorf("Kind = %s", gwerrors.KindOf(err))
	}
	if a.callCount() != 1 {
		t.Errorf("primary calls = %d, want 1", a.callCount())
	}
	if b.callCount() != 0 {
		t.Error("a budget smaller than the retry delay should end the chain")
	}
}

type saturatedGate struct {
	mu       sync.Mutex
	rejected []string
	released int
	full     map[string]bool
}

func (g *saturatedGate) Acquire(key string) (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.full[key] {
		g.rejected = append(g.rejected, key)
		return nil, false
	}
	return func() {
		g.mu.Lock()
		g.released++
		g.mu.Unlock()
	}, true
}

func TestExecuteGateSkipsSaturatedTarget(t *testing.T) {
	a := &fakeProvider{name: "a", content: "unused"}
	b := &fakeProvider{name: "b", content: "ok"}
	registry := provider.NewRegistry()
	var chain []*types.ModelProfile
	for _, p := range []*fakeProvider{a, b} {
		registry.Register(p)
		chain = append(chain, types.NewModelProfile(p.name, "m", 100, 0.8))
	}
	gate := &saturatedGate{full: map[string]bool{chain[0].Key(): true}}
	e := New(Config{MaxAttempts: 4, BackoffBase: time.Millisecond},
		registry, NewBreakerSet(DefaultBreakerConfig()), gate, nil)

	res, err := e.Execute(context.Background(), testRequest(), chain)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Provider != "b" {
		t.Errorf("Provider = %s, want b", res.Response.Provider)
	}
	if a.callCount() != 0 {
		t.Error("a saturated target must not receive the call")
	}
	if len(gate.rejected) != 1 || gate.rejected[0] != chain[0].Key() {
		t.Errorf("rejected = %v", gate.rejected)
	}
	if gate.released != 1 {
		t.Errorf("released = %d, want 1", gate.released)
	}
	if len(res.Events) != 1 || res.Events[0].Reason != gwerrors.ReasonModelUnavailable {
		t.Errorf("events = %+v", res.Events)
	}
}

func TestExecuteStreamHoldsSlotUntilRelease(t *testing.T) {
	p := &fakeProvider{name: "p", content: "streamed"}
	registry := provider.NewRegistry()
	registry.Register(p)
	chain := []*types.ModelProfile{types.NewModelProfile("p", "m", 100, 0.8)}
	gate := &saturatedGate{full: map[string]bool{}}
	e := New(Config{MaxAttempts: 4, BackoffBase: time.Millisecond},
		registry, NewBreakerSet(DefaultBreakerConfig()), gate, nil)

	res, err := e.ExecuteStream(context.Background(), testRequest(), chain)
	if err != nil {
		t.Fatal(err)
	}
	for range res.Chunks {
	}
	if gate.released != 0 {
		t.Error("the slot should stay held while the stream is open")
	}
	res.Release()
	if gate.released != 1 {
		t.Errorf("released = %d, want 1 after Release", gate.released)
	}
}

func TestExecuteCanceledContext(t *testing.T) {
	a := &fakeProvider{name: "a", err: stderrors.New("boom")}
	b := &fakeProvider{name: "b", content: "never"}
	e, chain := newExecutor(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, testRequest(), chain)
	if gwerrors.KindOf(err) != gwerrors.KindDeadlineExceeded {
		t.Errorf("Kind = %s", gwerrors.KindOf(err))
	}
}

func TestExecuteStreamFallsBack(t *testing.T) {
	bad := &fakeProvider{name: "primary", err: stderrors.New("connection refused, unavailable")}
	good := &fakeProvider{name: "secondary", content: "streamed"}
	e, chain := newExecutor(t, bad, good)

	res, err := e.ExecuteStream(context.Background(), testRequest(), chain)
	if err != nil {
		t.Fatal(err)
	}
	if res.Profile.Provider != "secondary" {
		t.Errorf("Profile.Provider = %s", res.Profile.Provider)
	}

	var deltas string
	for c := range res.Chunks {
		deltas += c.Delta
	}
	if deltas != "streamed" {
		t.Errorf("deltas = %q", deltas)
	}
	if len(res.Events) != 1 {
		t.Errorf("Events = %d, want 1", len(res.Events))
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want gwerrors.Reason
	}{
		{context.DeadlineExceeded, gwerrors.ReasonTimeout},
		{stderrors.New("i/o timeout"), gwerrors.ReasonTimeout},
		{stderrors.New("429 too many requests"), gwerrors.ReasonRateLimit},
		{stderrors.New("quota exhausted"), gwerrors.ReasonQuotaExceeded},
		{stderrors.New("model not found"), gwerrors.ReasonModelUnavailable},
		{stderrors.New("mystery"), gwerrors.ReasonProviderError},
		{gwerrors.RateLimited("slow", time.Second), gwerrors.ReasonRateLimit},
		{gwerrors.Upstream("p", "m", gwerrors.ReasonQuality, nil), gwerrors.ReasonQuality},
	}
	for _, c := range cases {
		if got := classify(c.err); got != c.want {
			t.Errorf("classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}
