package types

import "time"

// FinishReason values reported on the final chunk or full response.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// Usage contains token accounting for a single backend call.
// Cache hits retain the original call's usage but report zero new cost.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Response is the assembled result of one pipeline traversal.
type Response struct {
	ID           string        `json:"id"`
	RequestID    string        `json:"request_id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"latency_ms"`
	Cached       bool          `json:"cached"`
	CreatedAt    int64         `json:"created_at"`
}

// Chunk is one increment of a streamed response. The final chunk carries
// the finish reason and, when the backend reports it, usage totals.
type Chunk struct {
	ID           string `json:"id"`
	Delta        string `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Err          error  `json:"-"`
}

// Final reports whether this chunk terminates the stream.
func (c *Chunk) Final() bool {
	return c.FinishReason != "" || c.Err != nil
}
