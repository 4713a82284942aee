package usage

import (
	"testing"

	"github.com/zrelay/zrelay/internal/ir"
)

func TestEstimateUsage(t *testing.T) {
	req := &ir.ChatRequest{
		Messages: []ir.ChatMessage{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "What is the capital of Norway?"},
		},
	}
	u := EstimateUsage(req, "The capital of Norway is Oslo.")

	if u.PromptTokens <= 0 {
		t.Errorf("prompt tokens = %d, want > 0", u.PromptTokens)
	}
	if u.CompletionTokens <= 0 {
		t.Errorf("completion tokens = %d, want > 0", u.CompletionTokens)
	}
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		t.Errorf("total = %d, want %d", u.TotalTokens, u.PromptTokens+u.CompletionTokens)
	}
}

func TestEstimateUsageEmpty(t *testing.T) {
	u := EstimateUsage(nil, "")
	if u.TotalTokens != 0 {
		t.Errorf("empty estimate = %+v, want zero", u)
	}
}
