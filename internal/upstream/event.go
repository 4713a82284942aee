// Package upstream speaks the GLM chat wire protocol: request construction,
// the SSE event stream, and the anonymous auth endpoint.
package upstream

import (
	"github.com/zrelay/zrelay/internal/ir"
	"github.com/zrelay/zrelay/internal/json"
)

// Phase labels one event in the upstream response lifecycle.
type Phase string

const (
	PhaseThinking Phase = "thinking"
	PhaseAnswer   Phase = "answer"
	PhaseToolCall Phase = "tool_call"
	PhaseOther    Phase = "other"
	PhaseDone     Phase = "done"
)

// Event is one decoded upstream stream record.
type Event struct {
	Type  string     `json:"type"`
	Data  EventData  `json:"data"`
	Error *EventFail `json:"error,omitempty"`
}

// EventData is the payload of a chat completion event. Error reports surface
// either here or nested one level deeper under data.data.
type EventData struct {
	Phase        Phase      `json:"phase,omitempty"`
	DeltaContent string     `json:"delta_content,omitempty"`
	EditContent  string     `json:"edit_content,omitempty"`
	EditIndex    int        `json:"edit_index,omitempty"`
	Done         bool       `json:"done,omitempty"`
	Usage        *ir.Usage  `json:"usage,omitempty"`
	Error        *EventFail `json:"error,omitempty"`
	Inner        *InnerData `json:"data,omitempty"`
}

// InnerData is the nested envelope some error events arrive in.
type InnerData struct {
	Error *EventFail `json:"error,omitempty"`
}

// EventFail is an upstream-reported error.
type EventFail struct {
	Code   json.RawMessage `json:"code,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// ErrorInfo returns the first error report found at any known nesting level,
// or nil.
func (e *Event) ErrorInfo() *EventFail {
	if e.Error != nil {
		return e.Error
	}
	if e.Data.Error != nil {
		return e.Data.Error
	}
	if e.Data.Inner != nil && e.Data.Inner.Error != nil {
		return e.Data.Inner.Error
	}
	return nil
}

// IsDone reports end-of-response, signalled by either the done flag or a
// terminal phase.
func (e *Event) IsDone() bool {
	return e.Data.Done || e.Data.Phase == PhaseDone
}

// DecodeEvent parses one record payload. Undecodable payloads return an
// error; the caller skips them.
func DecodeEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
