// Package anthropic provides the Anthropic Messages API backend adapter.
// Conversation turns and stream events are translated to and from the
// gateway's unified shapes.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
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
	ProviderType   = "anthropic"
	DefaultBaseURL = "https://api.anthropic.com"

	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
	defaultTimeout   = 60 * time.Second
)

// Provider implements the Anthropic Messages API adapter.
type Provider struct {
	name     string
	baseURL  string
	apiKey   string
	client   *http.Client
	profiles []*types.ModelProfile
	byModel  map[string]*types.ModelProfile
}

// New builds an Anthropic provider from config.
func New(cfg provider.Config) (provider.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	name := cfg.Name
	if name == "" {
		name = ProviderType
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	p := &Provider{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		byModel: make(map[string]*types.ModelProfile, len(cfg.Models)),
	}
	for _, mc := range cfg.Models {
		profile := mc.Profile(name)
		p.profiles = append(p.profiles, profile)
		p.byModel[mc.Name] = profile
	}
	return p, nil
}

func init() {
	provider.RegisterFactory(ProviderType, New)
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.name }

// Models returns the configured model profiles.
func (p *Provider) Models() []*types.ModelProfile { return p.profiles }

// Supports reports whether the model is served here with the demanded
// capabilities.
func (p *Provider) Supports(model string, caps []types.Capability) bool {
	if profile, ok := p.byModel[model]; ok {
		return profile.HasAll(caps)
	}
	if strings.HasPrefix(model, "claude-") {
		return len(caps) == 0 || (len(caps) == 1 && caps[0] == types.CapText)
	}
	return false
}

// CountTokens estimates tokens for the model.
func (p *Provider) CountTokens(model, text string) int {
	return tokenizer.CountText(model, text)
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	System        string        `json:"system,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string    `json:"stop_reason"`
	Usage      wireUsage `json:"usage"`
}

// streamEvent is the union of the SSE event payloads the adapter reads.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string    `json:"id"`
		Usage wireUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *wireUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) buildWireRequest(req *types.Request, stream bool) *wireRequest {
	wr := &wireRequest{
		Model:         req.Model,
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		StopSequences: req.Params.Stop,
		Stream:        stream,
	}
	if req.Params.MaxTokens > 0 {
		wr.MaxTokens = req.Params.MaxTokens
	}

	// System turns move to the dedicated field; consecutive duplicates of
	// the same role are forwarded as-is, the API tolerates them.
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			if wr.System != "" {
				wr.System += "\n"
			}
			wr.System += m.Content
			continue
		}
		wr.Messages = append(wr.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	return wr
}

func (p *Provider) send(ctx context.Context, wr *wireRequest) (*http.Response, error) {
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, gwerrors.Internal("marshal backend request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.Internal("create backend request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		reason := gwerrors.ReasonProviderError
		if ctx.Err() != nil {
			reason = gwerrors.ReasonTimeout
		}
		return nil, gwerrors.Upstream(p.name, wr.Model, reason, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, p.mapError(resp.StatusCode, wr.Model, raw)
	}
	return resp, nil
}

// Complete performs a blocking messages call.
func (p *Provider) Complete(ctx context.Context, req *types.Request) (*types.Response, error) {
	resp, err := p.send(ctx, p.buildWireRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		return nil, gwerrors.Upstream(p.name, req.Model, gwerrors.ReasonProviderError, err)
	}
	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, gwerrors.Upstream(p.name, req.Model, gwerrors.ReasonProviderError,
			fmt.Errorf("decode backend response: %w", err))
	}

	var content strings.Builder
	for _, block := range wr.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &types.Response{
		ID:           wr.ID,
		RequestID:    req.ID,
		Provider:     p.name,
		Model:        req.Model,
		Content:      content.String(),
		FinishReason: mapStopReason(wr.StopReason),
		Usage:        p.usage(req.Model, wr.Usage.InputTokens, wr.Usage.OutputTokens),
		CreatedAt:    time.Now().Unix(),
	}, nil
}

// CompleteStream opens a streaming messages call and translates the event
// stream into unified chunks.
func (p *Provider) CompleteStream(ctx context.Context, req *types.Request) (<-chan *types.Chunk, error) {
	resp, err := p.send(ctx, p.buildWireRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan *types.Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var id, finish string
		var inputTokens, outputTokens int

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			payload := bytes.TrimPrefix(line, []byte("data: "))

			var ev streamEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					id = ev.Message.ID
					inputTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if ev.Delta == nil || ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
					continue
				}
				select {
				case ch <- &types.Chunk{ID: id, Delta: ev.Delta.Text}:
				case <-ctx.Done():
					return
				}
			case "message_delta":
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					finish = mapStopReason(ev.Delta.StopReason)
				}
				if ev.Usage != nil {
					outputTokens = ev.Usage.OutputTokens
				}
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				ch <- &types.Chunk{Err: gwerrors.Upstream(p.name, req.Model,
					gwerrors.ReasonProviderError, fmt.Errorf("%s", msg))}
				return
			case "message_stop":
				if finish == "" {
					finish = types.FinishStop
				}
				usage := p.usage(req.Model, inputTokens, outputTokens)
				ch <- &types.Chunk{ID: id, FinishReason: finish, Usage: &usage}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			reason := gwerrors.ReasonProviderError
			if ctx.Err() != nil {
				reason = gwerrors.ReasonTimeout
			}
			ch <- &types.Chunk{Err: gwerrors.Upstream(p.name, req.Model, reason, err)}
			return
		}
		if finish == "" {
			finish = types.FinishStop
		}
		usage := p.usage(req.Model, inputTokens, outputTokens)
		ch <- &types.Chunk{ID: id, FinishReason: finish, Usage: &usage}
	}()
	return ch, nil
}

// Health probes the messages endpoint with a zero-token request. A 400 on
// the probe body still proves the backend is reachable and authenticated.
func (p *Provider) Health(ctx context.Context) provider.Health {
	started := time.Now()
	h := provider.Health{CheckedAt: started}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		h.Message = err.Error()
		return h
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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

func (p *Provider) usage(model string, inputTokens, outputTokens int) types.Usage {
	u := types.Usage{
		PromptTokens:     inputTokens,
		CompletionTokens: outputTokens,
		TotalTokens:      inputTokens + outputTokens,
	}
	if profile, ok := p.byModel[model]; ok {
		u.CostUSD = profile.EstimateCostUSD(inputTokens, outputTokens)
	}
	return u
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return types.FinishStop
	case "max_tokens":
		return types.FinishLength
	default:
		return reason
	}
}

func (p *Provider) mapError(statusCode int, model string, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := http.StatusText(statusCode)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	cause := fmt.Errorf("%s: %s", p.name, message)

	switch statusCode {
	case http.StatusTooManyRequests:
		return gwerrors.Upstream(p.name, model, gwerrors.ReasonRateLimit, cause)
	case http.StatusUnauthorized, http.StatusForbidden:
		return gwerrors.Wrap(gwerrors.KindUnauthorized, message, cause)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return gwerrors.Wrap(gwerrors.KindBadRequest, message, cause)
	case http.StatusNotFound:
		return gwerrors.Upstream(p.name, model, gwerrors.ReasonModelUnavailable, cause)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return gwerrors.Upstream(p.name, model, gwerrors.ReasonTimeout, cause)
	default:
		return gwerrors.Upstream(p.name, model, gwerrors.ReasonProviderError, cause)
	}
}
