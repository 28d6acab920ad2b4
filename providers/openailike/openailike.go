// Package openailike implements the shared backend adapter for providers
// that speak the OpenAI chat completions wire format. Concrete providers
// wrap it with their endpoint defaults.
package openailike

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelgrid/modelgrid/internal/httputil"
	"github.com/modelgrid/modelgrid/internal/tokenizer"
	gwerrors "github.com/modelgrid/modelgrid/pkg/errors"
	"github.com/modelgrid/modelgrid/pkg/provider"
	"github.com/modelgrid/modelgrid/pkg/types"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultChatPath = "/chat/completions"
	healthPath      = "/models"
)

// Info carries the per-provider constants a wrapper supplies.
type Info struct {
	Name           string
	DefaultBaseURL string
	ModelPrefixes  []string
}

// Provider is an OpenAI-wire-format backend adapter.
type Provider struct {
	info     Info
	baseURL  string
	apiKey   string
	client   *http.Client
	profiles []*types.ModelProfile
	byModel  map[string]*types.ModelProfile
}

// New builds a provider from its declarative config.
func New(info Info, cfg provider.Config) (*Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = info.DefaultBaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%s: base_url is required", info.Name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	p := &Provider{
		info:    info,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		byModel: make(map[string]*types.ModelProfile, len(cfg.Models)),
	}
	for _, mc := range cfg.Models {
		profile := mc.Profile(cfg.Name)
		p.profiles = append(p.profiles, profile)
		p.byModel[mc.Name] = profile
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.info.Name }

// Models returns the configured model profiles.
func (p *Provider) Models() []*types.ModelProfile { return p.profiles }

// Supports reports whether the model is served here with the demanded
// capabilities. Unconfigured models match by prefix with no capability
// guarantee beyond text.
func (p *Provider) Supports(model string, caps []types.Capability) bool {
	if profile, ok := p.byModel[model]; ok {
		return profile.HasAll(caps)
	}
	for _, prefix := range p.info.ModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return len(caps) == 0 || (len(caps) == 1 && caps[0] == types.CapText)
		}
	}
	return false
}

// CountTokens estimates tokens for the model. Backends report exact usage
// after the call.
func (p *Provider) CountTokens(model, text string) int {
	return tokenizer.CountText(model, text)
}

// Wire format structs. Field names follow the chat completions API.

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireRequest struct {
	Model         string             `json:"model"`
	Messages      []wireMessage      `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	Stop          []string           `json:"stop,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
	User          string             `json:"user,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

func (p *Provider) buildWireRequest(req *types.Request, stream bool) *wireRequest {
	wr := &wireRequest{
		Model:       req.Model,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxTokens,
		TopP:        req.Params.TopP,
		Stop:        req.Params.Stop,
		Stream:      stream,
		User:        req.TenantID,
	}
	if stream {
		wr.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	return wr
}

func (p *Provider) send(ctx context.Context, wr *wireRequest) (*http.Response, error) {
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, gwerrors.Internal("marshal backend request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+defaultChatPath, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.Internal("create backend request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		reason := gwerrors.ReasonProviderError
		if ctx.Err() != nil {
			reason = gwerrors.ReasonTimeout
		}
		return nil, gwerrors.Upstream(p.info.Name, wr.Model, reason, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, p.mapError(resp, wr.Model, raw)
	}
	return resp, nil
}

// Complete performs a blocking chat completion call.
func (p *Provider) Complete(ctx context.Context, req *types.Request) (*types.Response, error) {
	resp, err := p.send(ctx, p.buildWireRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		return nil, gwerrors.Upstream(p.info.Name, req.Model, gwerrors.ReasonProviderError, err)
	}
	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, gwerrors.Upstream(p.info.Name, req.Model, gwerrors.ReasonProviderError,
			fmt.Errorf("decode backend response: %w", err))
	}
	if len(wr.Choices) == 0 {
		return nil, gwerrors.Upstream(p.info.Name, req.Model, gwerrors.ReasonProviderError,
			fmt.Errorf("backend returned no choices"))
	}

	out := &types.Response{
		ID:           wr.ID,
		RequestID:    req.ID,
		Provider:     p.info.Name,
		Model:        req.Model,
		Content:      wr.Choices[0].Message.Content,
		FinishReason: wr.Choices[0].FinishReason,
		CreatedAt:    wr.Created,
	}
	if wr.Usage != nil {
		out.Usage = p.usage(req.Model, wr.Usage)
	}
	return out, nil
}

// CompleteStream opens a streaming chat completion call. The channel is
// closed after the final chunk; the final chunk carries the finish reason
// and usage when the backend reports it.
func (p *Provider) CompleteStream(ctx context.Context, req *types.Request) (<-chan *types.Chunk, error) {
	resp, err := p.send(ctx, p.buildWireRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan *types.Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var finish string
		var usage *types.Usage

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			payload := bytes.TrimPrefix(line, []byte("data: "))
			if bytes.Equal(payload, []byte("[DONE]")) {
				break
			}

			var wc wireChunk
			if err := json.Unmarshal(payload, &wc); err != nil {
				continue
			}
			if wc.Usage != nil {
				u := p.usage(req.Model, wc.Usage)
				usage = &u
			}
			if len(wc.Choices) == 0 {
				continue
			}
			choice := wc.Choices[0]
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				select {
				case ch <- &types.Chunk{ID: wc.ID, Delta: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			reason := gwerrors.ReasonProviderError
			if ctx.Err() != nil {
				reason = gwerrors.ReasonTimeout
			}
			ch <- &types.Chunk{Err: gwerrors.Upstream(p.info.Name, req.Model, reason, err)}
			return
		}
		if finish == "" {
			finish = types.FinishStop
		}
		ch <- &types.Chunk{FinishReason: finish, Usage: usage}
	}()
	return ch, nil
}

// Health probes the models listing endpoint.
func (p *Provider) Health(ctx context.Context) provider.Health {
	started := time.Now()
	h := provider.Health{CheckedAt: started}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+healthPath, nil)
	if err != nil {
		h.Message = err.Error()
		return h
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	h.Latency = time.Since(started)
	if err != nil {
		h.Message = err.Error()
		return h
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= http.StatusInternalServerError {
		h.Message = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
		return h
	}
	h.Healthy = true
	return h
}

func (p *Provider) usage(model string, wu *wireUsage) types.Usage {
	u := types.Usage{
		PromptTokens:     wu.PromptTokens,
		CompletionTokens: wu.CompletionTokens,
		TotalTokens:      wu.TotalTokens,
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if profile, ok := p.byModel[model]; ok {
		u.CostUSD = profile.EstimateCostUSD(u.PromptTokens, u.CompletionTokens)
	}
	return u
}

func (p *Provider) mapError(resp *http.Response, model string, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	message := http.StatusText(resp.StatusCode)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	cause := fmt.Errorf("%s: %s", p.info.Name, message)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		if strings.Contains(strings.ToLower(errResp.Error.Type), "quota") ||
			strings.Contains(strings.ToLower(errResp.Error.Code), "insufficient_quota") {
			return gwerrors.Upstream(p.info.Name, model, gwerrors.ReasonQuotaExceeded, cause)
		}
		ge := gwerrors.Upstream(p.info.Name, model, gwerrors.ReasonRateLimit, cause)
		ge.RetryAfter = retryAfter(resp.Header)
		return ge
	case http.StatusPaymentRequired:
		return gwerrors.Upstream(p.info.Name, model, gwerrors.ReasonQuotaExceeded, cause)
	case http.StatusUnauthorized, http.StatusForbidden:
		return gwerrors.Wrap(gwerrors.KindUnauthorized, message, cause)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return gwerrors.Wrap(gwerrors.KindBadRequest, message, cause)
	case http.StatusNotFound:
		return gwerrors.Upstream(p.info.Name, model, gwerrors.ReasonModelUnavailable, cause)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return gwerrors.Upstream(p.info.Name, model, gwerrors.ReasonTimeout, cause)
	default:
		return gwerrors.Upstream(p.info.Name, model, gwerrors.ReasonProviderError, cause)
	}
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
