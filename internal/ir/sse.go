// SSE chunk builders for the OpenAI streaming surface. Typed structs plus
// sync.Pool keep the per-token path low-allocation.
package ir

import (
	"sync"

	"github.com/zrelay/zrelay/internal/json"
)

// DoneSSE is the stream-terminating marker record.
var DoneSSE = []byte("data: [DONE]\n\n")

const chunkObject = "chat.completion.chunk"

// BuildSSEChunk frames a JSON payload as one SSE data record.
func BuildSSEChunk(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, "\n\n"...)
	return out
}

// -----------------------------------------------------------------------------
// Text delta (hot path)
// -----------------------------------------------------------------------------

// TextDelta is a streaming chunk carrying a content delta.
type TextDelta struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []TextDeltaChoice `json:"choices"`
}

type TextDeltaChoice struct {
	Index        int              `json:"index"`
	Delta        TextDeltaContent `json:"delta"`
	FinishReason *FinishReason    `json:"finish_reason"`
}

type TextDeltaContent struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

var textDeltaPool = sync.Pool{
	New: func() any {
		return &TextDelta{
			Object:  chunkObject,
			Choices: make([]TextDeltaChoice, 1),
		}
	},
}

func getTextDelta() *TextDelta {
	return textDeltaPool.Get().(*TextDelta)
}

func putTextDelta(d *TextDelta) {
	d.ID = ""
	d.Model = ""
	d.Created = 0
	if len(d.Choices) > 0 {
		d.Choices[0].Index = 0
		d.Choices[0].Delta.Role = ""
		d.Choices[0].Delta.Content = ""
		d.Choices[0].FinishReason = nil
	}
	textDeltaPool.Put(d)
}

// BuildTextDeltaSSE builds one content-delta record. Called per token.
func BuildTextDeltaSSE(id, model string, created int64, content string) []byte {
	d := getTextDelta()
	defer putTextDelta(d)

	d.ID = id
	d.Model = model
	d.Created = created
	d.Choices[0].Delta.Content = content

	jb, _ := json.Marshal(d)
	return BuildSSEChunk(jb)
}

// BuildRoleSSE builds the turn-opening record carrying the assistant role.
func BuildRoleSSE(id, model string, created int64) []byte {
	d := getTextDelta()
	defer putTextDelta(d)

	d.ID = id
	d.Model = model
	d.Created = created
	d.Choices[0].Delta.Role = "assistant"

	jb, _ := json.Marshal(d)
	return BuildSSEChunk(jb)
}

// -----------------------------------------------------------------------------
// Tool call delta
// -----------------------------------------------------------------------------

// ToolCallDelta is a streaming chunk carrying one complete tool invocation.
type ToolCallDelta struct {
	ID      string                `json:"id"`
	Object  string                `json:"object"`
	Created int64                 `json:"created"`
	Model   string                `json:"model"`
	Choices []ToolCallDeltaChoice `json:"choices"`
}

type ToolCallDeltaChoice struct {
	Index        int                  `json:"index"`
	Delta        ToolCallDeltaContent `json:"delta"`
	FinishReason *FinishReason        `json:"finish_reason"`
}

type ToolCallDeltaContent struct {
	ToolCalls []ToolCallEntry `json:"tool_calls"`
}

type ToolCallEntry struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// BuildToolCallSSE builds one tool-call record. Invocations arrive whole, so
// no argument-fragment records are emitted.
func BuildToolCallSSE(id, model string, created int64, index int, tc *ToolCall) []byte {
	d := &ToolCallDelta{
		ID:      id,
		Object:  chunkObject,
		Created: created,
		Model:   model,
		Choices: []ToolCallDeltaChoice{{
			Delta: ToolCallDeltaContent{
				ToolCalls: []ToolCallEntry{{
					Index: index,
					ID:    tc.ID,
					Type:  "function",
					Function: ToolCallFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}},
			},
		}},
	}
	jb, _ := json.Marshal(d)
	return BuildSSEChunk(jb)
}

// -----------------------------------------------------------------------------
// Finish
// -----------------------------------------------------------------------------

// FinishChunk closes the stream with a finish reason and optional usage.
type FinishChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []FinishChunkChoice `json:"choices"`
	Usage   *Usage              `json:"usage,omitempty"`
}

type FinishChunkChoice struct {
	Index        int          `json:"index"`
	Delta        struct{}     `json:"delta"`
	FinishReason FinishReason `json:"finish_reason"`
}

// BuildFinishSSE builds the terminal success record.
func BuildFinishSSE(id, model string, created int64, reason FinishReason, usage *Usage) []byte {
	d := &FinishChunk{
		ID:      id,
		Object:  chunkObject,
		Created: created,
		Model:   model,
		Choices: []FinishChunkChoice{{FinishReason: reason}},
		Usage:   usage,
	}
	jb, _ := json.Marshal(d)
	return BuildSSEChunk(jb)
}

// -----------------------------------------------------------------------------
// Error
// -----------------------------------------------------------------------------

// BuildErrorSSE builds an in-band error record for streams that fail after
// headers are committed.
func BuildErrorSSE(detail *ErrorDetail) []byte {
	payload := []byte(`{}`)
	payload, _ = json.SetBytes(payload, "error.message", detail.Message)
	payload, _ = json.SetBytes(payload, "error.type", detail.Type)
	if detail.Code != "" {
		payload, _ = json.SetBytes(payload, "error.code", detail.Code)
	}
	return BuildSSEChunk(payload)
}
