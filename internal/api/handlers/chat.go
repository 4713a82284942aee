// Package handlers implements the OpenAI-compatible endpoints and the admin
// surface.
package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/zrelay/zrelay/internal/config"
	"github.com/zrelay/zrelay/internal/ir"
	"github.com/zrelay/zrelay/internal/json"
	log "github.com/zrelay/zrelay/internal/logging"
	"github.com/zrelay/zrelay/internal/relay"
	"github.com/zrelay/zrelay/internal/upstream"
	"github.com/zrelay/zrelay/internal/usage"
)

// maxRequestBody bounds inbound request bodies.
const maxRequestBody = 10 << 20

// Chat serves /v1/chat/completions and /v1/models.
type Chat struct {
	cfg     *config.Config
	orch    *relay.Orchestrator
	tracker *usage.Tracker
}

// NewChat wires the chat handler. tracker may be nil.
func NewChat(cfg *config.Config, orch *relay.Orchestrator, tracker *usage.Tracker) *Chat {
	return &Chat{cfg: cfg, orch: orch, tracker: tracker}
}

// Completions handles POST /v1/chat/completions, streaming or buffered
// depending on the request's stream flag.
func (h *Chat) Completions(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request_error", "reading request body: "+err.Error())
		return
	}

	var req ir.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		respondError(c, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}

	ureq, err := upstream.BuildRequest(&req, h.cfg.Upstream.ToolSupport)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "upstream_error", err.Error())
		return
	}

	completionID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	start := time.Now()

	chunks := h.orch.Execute(c.Request.Context(), ureq)
	if req.Stream {
		h.streamResponse(c, &req, ureq, chunks, completionID, created, start)
	} else {
		h.bufferedResponse(c, &req, ureq, chunks, completionID, created, start)
	}
}

// streamResponse forwards chunks as OpenAI SSE records. Headers are committed
// lazily so a failure before any output can still produce a proper error
// status.
func (h *Chat) streamResponse(c *gin.Context, req *ir.ChatRequest, ureq *upstream.Request, chunks <-chan ir.Chunk, id string, created int64, start time.Time) {
	model := ureq.Model.ID
	flusher, _ := c.Writer.(http.Flusher)

	wrote := false
	writeSSE := func(b []byte) {
		if !wrote {
			wrote = true
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
		}
		if _, err := c.Writer.Write(b); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	var content strings.Builder
	var finalUsage *ir.Usage
	estimated := false

	for chunk := range chunks {
		switch chunk.Type {
		case ir.ChunkRole:
			writeSSE(ir.BuildRoleSSE(id, model, created))
		case ir.ChunkContent:
			content.WriteString(chunk.Content)
			writeSSE(ir.BuildTextDeltaSSE(id, model, created, chunk.Content))
		case ir.ChunkToolCall:
			writeSSE(ir.BuildToolCallSSE(id, model, created, chunk.ToolCallIndex, chunk.ToolCall))
		case ir.ChunkFinish:
			finalUsage = chunk.Usage
			if finalUsage == nil {
				finalUsage = usage.EstimateUsage(req, content.String())
				estimated = true
			}
			writeSSE(ir.BuildFinishSSE(id, model, created, chunk.FinishReason, finalUsage))
			writeSSE(ir.DoneSSE)
			h.track(model, finalUsage, estimated, false, "", start)
		case ir.ChunkError:
			if !wrote {
				respondError(c, chunk.Error.Status, chunk.Error.Type, chunk.Error.Message)
			} else {
				writeSSE(ir.BuildErrorSSE(chunk.Error))
				writeSSE(ir.DoneSSE)
			}
			h.track(model, nil, false, true, chunk.Error.Code, start)
		}
	}
}

// bufferedResponse collects the whole stream and answers with one completion
// object. Invocations embedded in answer text are recovered here, covering
// upstreams that never entered a tool_call phase.
func (h *Chat) bufferedResponse(c *gin.Context, req *ir.ChatRequest, ureq *upstream.Request, chunks <-chan ir.Chunk, id string, created int64, start time.Time) {
	model := ureq.Model.ID

	var content strings.Builder
	var toolCalls []ir.CompletionToolUse
	var finalUsage *ir.Usage
	reason := ir.FinishReasonStop
	finished := false

	for chunk := range chunks {
		switch chunk.Type {
		case ir.ChunkContent:
			content.WriteString(chunk.Content)
		case ir.ChunkToolCall:
			toolCalls = append(toolCalls, ir.CompletionToolUse{
				ID:   chunk.ToolCall.ID,
				Type: "function",
				Function: ir.CompletionToolFunc{
					Name:      chunk.ToolCall.Name,
					Arguments: chunk.ToolCall.Arguments,
				},
			})
		case ir.ChunkFinish:
			reason = chunk.FinishReason
			finalUsage = chunk.Usage
			finished = true
		case ir.ChunkError:
			respondError(c, chunk.Error.Status, chunk.Error.Type, chunk.Error.Message)
			h.track(model, nil, false, true, chunk.Error.Code, start)
			return
		}
	}
	if !finished {
		// Channel closed without a terminal chunk: the client went away.
		return
	}

	text := content.String()
	if ureq.HasTools && len(toolCalls) == 0 {
		if calls, cleaned := relay.ExtractInvocations(text); len(calls) > 0 {
			text = cleaned
			reason = ir.FinishReasonToolCalls
			for _, tc := range calls {
				toolCalls = append(toolCalls, ir.CompletionToolUse{
					ID:   tc.ID,
					Type: "function",
					Function: ir.CompletionToolFunc{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			log.Debugf("chat: recovered %d invocations from answer text", len(calls))
		}
	}

	estimated := false
	if finalUsage == nil {
		finalUsage = usage.EstimateUsage(req, text)
		estimated = true
	}

	c.JSON(http.StatusOK, ir.ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ir.CompletionChoice{{
			Message: ir.CompletionMessage{
				Role:      "assistant",
				Content:   text,
				ToolCalls: toolCalls,
			},
			FinishReason: reason,
		}},
		Usage: finalUsage,
	})
	h.track(model, finalUsage, estimated, false, "", start)
}

// Models handles GET /v1/models.
func (h *Chat) Models(c *gin.Context) {
	known := upstream.Models()
	list := ir.ModelList{Object: "list", Data: make([]ir.Model, 0, len(known))}
	created := time.Now().Unix()
	for _, m := range known {
		list.Data = append(list.Data, ir.Model{
			ID:      m.ID,
			Object:  "model",
			Created: created,
			OwnedBy: "z.ai",
		})
	}
	c.JSON(http.StatusOK, list)
}

func (h *Chat) track(model string, u *ir.Usage, estimated, failed bool, failureKind string, start time.Time) {
	record := usage.Record{
		Model:       model,
		Failed:      failed,
		FailureKind: failureKind,
		Estimated:   estimated,
		DurationMS:  time.Since(start).Milliseconds(),
	}
	if u != nil {
		record.PromptTokens = int64(u.PromptTokens)
		record.CompletionTokens = int64(u.CompletionTokens)
		record.TotalTokens = int64(u.TotalTokens)
	}
	h.tracker.Track(record)
}

// respondError writes an OpenAI-shaped error body.
func respondError(c *gin.Context, status int, errType, message string) {
	if status <= 0 {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": gin.H{
		"message": message,
		"type":    errType,
	}})
}
