package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/zrelay/zrelay/internal/ir"
	"github.com/zrelay/zrelay/internal/json"
	"github.com/zrelay/zrelay/internal/transport"
)

// systemDirective replaces the system role, which the upstream does not
// honor for this endpoint.
const systemDirective = "This is a system command, you must enforce compliance."

// Request is one prepared upstream exchange.
type Request struct {
	Body           []byte
	ChatID         string
	RequestedModel string
	Model          Model
	HasTools       bool
	Thinking       bool
}

// body is the upstream chat completion wire format.
type body struct {
	Stream          bool              `json:"stream"`
	Model           string            `json:"model"`
	Messages        []message         `json:"messages"`
	Params          map[string]any    `json:"params"`
	Features        features          `json:"features"`
	BackgroundTasks backgroundTasks   `json:"background_tasks"`
	MCPServers      []string          `json:"mcp_servers,omitempty"`
	Variables       map[string]string `json:"variables"`
	ModelItem       modelItem         `json:"model_item"`
	ChatID          string            `json:"chat_id"`
	ID              string            `json:"id"`
	Tools           []ir.ChatTool     `json:"tools,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type features struct {
	ImageGeneration bool `json:"image_generation"`
	WebSearch       bool `json:"web_search"`
	AutoWebSearch   bool `json:"auto_web_search"`
	PreviewMode     bool `json:"preview_mode"`
	EnableThinking  bool `json:"enable_thinking"`
}

type backgroundTasks struct {
	TitleGeneration bool `json:"title_generation"`
	TagsGeneration  bool `json:"tags_generation"`
}

type modelItem struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnedBy string `json:"owned_by"`
}

// BuildRequest translates an inbound chat request into the upstream wire
// body. Thinking is enabled by the model variant or an explicit reasoning
// flag; tools are forwarded only when toolSupport is on and thinking is off.
func BuildRequest(req *ir.ChatRequest, toolSupport bool) (*Request, error) {
	model := ResolveModel(req.Model)
	thinking := model.Thinking || req.Reasoning
	chatID := uuid.NewString()

	b := body{
		Stream:   true,
		Model:    model.UpstreamID,
		Messages: foldMessages(req.Messages),
		Params:   map[string]any{},
		Features: features{
			WebSearch:      model.Search,
			AutoWebSearch:  model.Search,
			EnableThinking: thinking,
		},
		Variables: map[string]string{
			"{{USER_NAME}}":        "Guest",
			"{{USER_LOCATION}}":    "Unknown",
			"{{CURRENT_DATETIME}}": time.Now().Format("2006-01-02 15:04:05"),
		},
		ModelItem: modelItem{
			ID:      model.UpstreamID,
			Name:    model.ID,
			OwnedBy: "openai",
		},
		ChatID: chatID,
		ID:     uuid.NewString(),
	}
	if model.Search {
		b.MCPServers = []string{"deep-web-search"}
	}

	hasTools := len(req.Tools) > 0
	if hasTools && toolSupport && !thinking {
		b.Tools = req.Tools
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode upstream body: %w", err)
	}

	return &Request{
		Body:           raw,
		ChatID:         chatID,
		RequestedModel: req.Model,
		Model:          model,
		HasTools:       hasTools,
		Thinking:       thinking,
	}, nil
}

// foldMessages rewrites system turns as user turns carrying the directive
// prefix, preserving the remaining conversation order and content shape.
func foldMessages(msgs []ir.ChatMessage) []message {
	out := make([]message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != "system" {
			out = append(out, message{Role: m.Role, Content: m.Content})
			continue
		}
		folded := message{Role: "user"}
		if text, ok := m.Content.(string); ok {
			folded.Content = systemDirective + "\n\n" + text
		} else {
			parts := []any{map[string]any{"type": "text", "text": systemDirective}}
			if arr, ok := m.Content.([]any); ok {
				parts = append(parts, arr...)
			}
			folded.Content = parts
		}
		out = append(out, folded)
	}
	return out
}

// NewHTTPRequest frames req for endpoint with the given bearer token. The
// Referer carries the chat id, matching what the upstream expects from its
// own clients.
func NewHTTPRequest(ctx context.Context, endpoint, token string, req *Request) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Accept-Encoding", transport.AcceptEncoding)
	httpReq.Header.Set("Referer", "https://chat.z.ai/c/"+req.ChatID)
	return httpReq, nil
}
