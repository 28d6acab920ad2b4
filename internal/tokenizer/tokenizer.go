// Package tokenizer estimates token counts for prompts and completions.
// It uses tiktoken encodings when one is available for the model and falls
// back to a conservative four-characters-per-token estimate.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/modelgrid/modelgrid/pkg/types"
)

const (
	// perMessageOverhead covers role and framing tokens in chat formats.
	perMessageOverhead = 2

	// replyPrimerOverhead covers the assistant reply primer.
	replyPrimerOverhead = 3
)

var encodings sync.Map // model name -> *tiktoken.Tiktoken (nil when unavailable)

// CountText returns the token count of text for the model.
func CountText(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// EstimatePrompt estimates prompt tokens for a chat request, including
// per-message formatting overhead.
func EstimatePrompt(model string, req *types.Request) int {
	if req == nil {
		return 0
	}
	total := replyPrimerOverhead
	for _, m := range req.Messages {
		total += CountText(model, m.Role)
		total += CountText(model, m.Content)
		total += CountText(model, m.Name)
		total += perMessageOverhead
	}
	return total
}

func encodingFor(model string) *tiktoken.Tiktoken {
	if v, ok := encodings.Load(model); ok {
		enc, _ := v.(*tiktoken.Tiktoken)
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	encodings.Store(model, enc)
	return enc
}
