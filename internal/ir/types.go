// Package ir defines the normalized chunk stream flowing between the relay
// pipeline and the HTTP layer, plus the OpenAI-compatible wire types zrelay
// speaks on its inbound edge.
package ir

// ChunkType discriminates the normalized chunk union.
type ChunkType int

const (
	// ChunkRole opens an assistant turn.
	ChunkRole ChunkType = iota
	// ChunkContent carries a text delta (thinking markers included in-band).
	ChunkContent
	// ChunkToolCall carries one fully assembled tool invocation.
	ChunkToolCall
	// ChunkFinish terminates a successful turn, carrying reason and usage.
	ChunkFinish
	// ChunkError terminates a failed turn.
	ChunkError
)

// FinishReason is the OpenAI-compatible finish reason vocabulary.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonToolCalls FinishReason = "tool_calls"
)

// Usage carries token accounting in OpenAI shape.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall is one structured invocation: a name plus serialized JSON
// arguments. ID is stable per invocation within a turn.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ErrorDetail describes a terminal failure in OpenAI error-body shape.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"-"`
}

// Chunk is one element of the normalized response stream. Exactly one of the
// payload fields is meaningful, selected by Type. Every stream ends with a
// single ChunkFinish or ChunkError.
type Chunk struct {
	Type          ChunkType
	Content       string
	ToolCall      *ToolCall
	ToolCallIndex int
	FinishReason  FinishReason
	Usage         *Usage
	Error         *ErrorDetail
}

// Role returns a turn-opening chunk.
func Role() Chunk { return Chunk{Type: ChunkRole} }

// Text returns a content delta chunk.
func Text(s string) Chunk { return Chunk{Type: ChunkContent, Content: s} }

// Invocation returns a tool-call chunk.
func Invocation(index int, tc *ToolCall) Chunk {
	return Chunk{Type: ChunkToolCall, ToolCallIndex: index, ToolCall: tc}
}

// Finish returns a terminal success chunk.
func Finish(reason FinishReason, usage *Usage) Chunk {
	return Chunk{Type: ChunkFinish, FinishReason: reason, Usage: usage}
}

// Fail returns a terminal error chunk.
func Fail(detail *ErrorDetail) Chunk { return Chunk{Type: ChunkError, Error: detail} }
