package relay

import (
	"testing"

	"github.com/zrelay/zrelay/internal/ir"
	"github.com/zrelay/zrelay/internal/upstream"
)

func toolEvent(delta string) *upstream.Event {
	return &upstream.Event{Data: upstream.EventData{Phase: upstream.PhaseToolCall, DeltaContent: delta}}
}

func toolEdit(index int, content string) *upstream.Event {
	return &upstream.Event{Data: upstream.EventData{Phase: upstream.PhaseToolCall, EditContent: content, EditIndex: index}}
}

func TestAssemblerFragmentedBareInvocation(t *testing.T) {
	a := NewAssembler()

	if got := a.Feed(toolEvent(`{"name":"get_weather","argume`)); len(got) != 0 {
		t.Fatalf("incomplete fragment emitted %d chunks, want 0", len(got))
	}
	chunks := a.Feed(toolEvent(`nts":{"city":"Berlin"}}`))
	if len(chunks) != 1 {
		t.Fatalf("completed fragment emitted %d chunks, want 1", len(chunks))
	}

	tc := chunks[0].ToolCall
	if tc.Name != "get_weather" {
		t.Errorf("name = %q, want get_weather", tc.Name)
	}
	if tc.Arguments != `{"city":"Berlin"}` {
		t.Errorf("arguments = %q", tc.Arguments)
	}
	if tc.ID == "" {
		t.Error("invocation id is empty")
	}
	if chunks[0].ToolCallIndex != 0 {
		t.Errorf("index = %d, want 0", chunks[0].ToolCallIndex)
	}
}

func TestAssemblerBlockEnvelope(t *testing.T) {
	a := NewAssembler()
	block := `<glm_block >{"data":{"metadata":{"id":"call_abc","name":"search","arguments":{"q":"go"}}}}</glm_block>`
	chunks := a.Feed(toolEvent(block))

	if len(chunks) != 1 {
		t.Fatalf("emitted %d chunks, want 1", len(chunks))
	}
	tc := chunks[0].ToolCall
	if tc.ID != "call_abc" || tc.Name != "search" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments != `{"q":"go"}` {
		t.Errorf("arguments = %q", tc.Arguments)
	}
}

func TestAssemblerEmitsEachInvocationOnce(t *testing.T) {
	a := NewAssembler()
	block := `<glm_block >{"data":{"metadata":{"id":"call_1","name":"f","arguments":{}}}}</glm_block>`

	first := a.Feed(toolEvent(block))
	if len(first) != 1 {
		t.Fatalf("first feed emitted %d chunks, want 1", len(first))
	}
	// Later events rescan the same buffer; the invocation must not repeat.
	again := a.Feed(toolEvent("\n"))
	if len(again) != 0 {
		t.Errorf("rescan emitted %d chunks, want 0", len(again))
	}
	if !a.Emitted() {
		t.Error("Emitted() = false after emission")
	}
}

func TestAssemblerMultipleBlocks(t *testing.T) {
	a := NewAssembler()
	a.Feed(toolEvent(`<glm_block >{"data":{"metadata":{"id":"c1","name":"one","arguments":{}}}}</glm_block>`))
	chunks := a.Feed(toolEvent(`<glm_block >{"data":{"metadata":{"id":"c2","name":"two","arguments":{}}}}</glm_block>`))

	if len(chunks) != 1 {
		t.Fatalf("second block emitted %d chunks, want 1", len(chunks))
	}
	if chunks[0].ToolCall.Name != "two" || chunks[0].ToolCallIndex != 1 {
		t.Errorf("chunk = %+v, want name two at index 1", chunks[0])
	}
}

func TestAssemblerEditRewrite(t *testing.T) {
	a := NewAssembler()

	if got := a.Feed(toolEdit(0, `{"name":"calc","arg`)); len(got) != 0 {
		t.Fatalf("partial edit emitted %d chunks, want 0", len(got))
	}
	chunks := a.Feed(toolEdit(0, `{"name":"calc","arguments":{"x":1}}`))
	if len(chunks) != 1 {
		t.Fatalf("completing edit emitted %d chunks, want 1", len(chunks))
	}
	if chunks[0].ToolCall.Name != "calc" {
		t.Errorf("name = %q, want calc", chunks[0].ToolCall.Name)
	}
}

func TestAssemblerStringArguments(t *testing.T) {
	a := NewAssembler()
	chunks := a.Feed(toolEvent(`{"name":"f","arguments":"{\"x\":1}"}`))
	if len(chunks) != 1 {
		t.Fatalf("emitted %d chunks, want 1", len(chunks))
	}
	if got := chunks[0].ToolCall.Arguments; got != `{"x":1}` {
		t.Errorf("arguments = %q", got)
	}
}

func TestAssemblerIncompleteStringArgumentsHeldBack(t *testing.T) {
	a := NewAssembler()
	// Structurally valid envelope, but the arguments string is truncated JSON.
	if got := a.Feed(toolEvent(`{"name":"f","arguments":"{\"x\":"}`)); len(got) != 0 {
		t.Errorf("truncated arguments emitted %d chunks, want 0", len(got))
	}
}

func TestAssemblerAbsentArgumentsBecomeEmptyObject(t *testing.T) {
	a := NewAssembler()
	chunks := a.Feed(toolEvent(`{"name":"ping"}`))
	if len(chunks) != 1 {
		t.Fatalf("emitted %d chunks, want 1", len(chunks))
	}
	if got := chunks[0].ToolCall.Arguments; got != "{}" {
		t.Errorf("arguments = %q, want {}", got)
	}
}

func TestAssemblerTurnEnded(t *testing.T) {
	a := NewAssembler()
	a.Feed(&upstream.Event{Data: upstream.EventData{Phase: upstream.PhaseOther}})
	if !a.TurnEnded() {
		t.Error("TurnEnded() = false after other phase")
	}
}

func TestAssemblerCapturesUsage(t *testing.T) {
	a := NewAssembler()
	ev := toolEvent(`{"name":"f"}`)
	ev.Data.Usage = &ir.Usage{TotalTokens: 9}
	a.Feed(ev)
	if u := a.Usage(); u == nil || u.TotalTokens != 9 {
		t.Errorf("usage = %+v, want total 9", u)
	}
}
