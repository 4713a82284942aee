package usage

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/zrelay/zrelay/internal/ir"
	log "github.com/zrelay/zrelay/internal/logging"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// tokenCodec lazily loads the cl100k_base encoding. The upstream does not
// publish its tokenizer, so this is an approximation for accounting only.
func tokenCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Errorf("usage: tokenizer init failed: %v", err)
			return
		}
		codec = c
	})
	return codec
}

// countTokens tokenizes text, falling back to a bytes/4 heuristic when the
// codec is unavailable.
func countTokens(text string) int64 {
	if text == "" {
		return 0
	}
	if c := tokenCodec(); c != nil {
		if ids, _, err := c.Encode(text); err == nil {
			return int64(len(ids))
		}
	}
	return int64(len(text) / 4)
}

// EstimateUsage derives a token count for exchanges where the upstream
// reported none: the prompt side from the request messages, the completion
// side from the streamed text.
func EstimateUsage(req *ir.ChatRequest, completion string) *ir.Usage {
	var prompt int64
	if req != nil {
		for _, m := range req.Messages {
			prompt += countTokens(m.ContentText())
		}
	}
	out := countTokens(completion)
	return &ir.Usage{
		PromptTokens:     int(prompt),
		CompletionTokens: int(out),
		TotalTokens:      int(prompt + out),
	}
}
