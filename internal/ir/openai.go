package ir

import "github.com/zrelay/zrelay/internal/json"

// ChatRequest is the inbound /v1/chat/completions body. Unknown fields are
// tolerated; only what the relay needs is decoded.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []ChatMessage   `json:"messages"`
	Stream      bool            `json:"stream"`
	Tools       []ChatTool      `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Reasoning   bool            `json:"reasoning,omitempty"`
}

// ChatMessage is one conversation turn. Content is either a string or an
// OpenAI content-part array; it is forwarded as-is.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentText flattens string or part-array content into plain text, for
// token estimation and text-level rewrites.
func (m ChatMessage) ContentText() string {
	switch v := m.Content.(type) {
	case string:
		return v
	case []any:
		var out string
		for _, part := range v {
			p, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := p["text"].(string); ok {
				out += t
			}
		}
		return out
	default:
		return ""
	}
}

// ChatTool is an inbound tool definition, forwarded upstream verbatim when
// tool support is enabled.
type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatToolFunc `json:"function"`
}

// ChatToolFunc is the function half of a tool definition.
type ChatToolFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatCompletion is the non-streaming response body.
type ChatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// CompletionChoice is one non-streaming choice.
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason FinishReason      `json:"finish_reason"`
}

// CompletionMessage is the assembled assistant message.
type CompletionMessage struct {
	Role      string              `json:"role"`
	Content   string              `json:"content"`
	ToolCalls []CompletionToolUse `json:"tool_calls,omitempty"`
}

// CompletionToolUse is one tool call in a non-streaming response.
type CompletionToolUse struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function CompletionToolFunc `json:"function"`
}

// CompletionToolFunc mirrors the streaming function payload.
type CompletionToolFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Model is one /v1/models list entry.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
