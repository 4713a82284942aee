package relay

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/zrelay/zrelay/internal/ir"
	"github.com/zrelay/zrelay/internal/json"
	log "github.com/zrelay/zrelay/internal/logging"
	"github.com/zrelay/zrelay/internal/upstream"
)

// glmBlockPattern matches invocation blocks, including one still missing its
// closing tag at the end of the buffer.
var glmBlockPattern = regexp.MustCompile(`(?s)<glm_block\s*>(.*?)(?:</glm_block>|$)`)

// Assembler accumulates tool_call phase fragments and emits each invocation
// exactly once, as soon as its payload is structurally complete JSON.
// Fragments arrive either as appends (delta_content) or positional rewrites
// (edit_content at edit_index); both funnel into one rolling buffer.
type Assembler struct {
	buf       []byte
	emitted   map[string]bool
	nextIndex int
	turnEnded bool
	usage     *ir.Usage
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{emitted: make(map[string]bool)}
}

// Usage returns the last usage report seen on the tool path.
func (a *Assembler) Usage() *ir.Usage { return a.usage }

// Emitted reports whether any invocation has been emitted.
func (a *Assembler) Emitted() bool { return a.nextIndex > 0 }

// TurnEnded reports that the upstream closed the tool turn (other phase).
func (a *Assembler) TurnEnded() bool { return a.turnEnded }

// Feed consumes one tool_call or other phase event and returns any
// invocations completed by it.
func (a *Assembler) Feed(ev *upstream.Event) []ir.Chunk {
	if ev.Data.Usage != nil {
		a.usage = ev.Data.Usage
	}
	if ev.Data.Phase == upstream.PhaseOther {
		a.turnEnded = true
	}

	switch {
	case ev.Data.EditContent != "":
		a.applyEdit(ev.Data.EditIndex, ev.Data.EditContent)
	case ev.Data.DeltaContent != "":
		a.buf = append(a.buf, ev.Data.DeltaContent...)
	default:
		return nil
	}
	return a.extract()
}

// applyEdit overwrites the buffer starting at index, growing it as needed.
// Gaps left by out-of-order edits are space-filled; spaces are inert to the
// block scan.
func (a *Assembler) applyEdit(index int, content string) {
	if index < 0 {
		index = 0
	}
	end := index + len(content)
	for len(a.buf) < end {
		a.buf = append(a.buf, ' ')
	}
	copy(a.buf[index:end], content)
}

// extract scans the buffer for complete invocations not yet emitted.
func (a *Assembler) extract() []ir.Chunk {
	var out []ir.Chunk

	matches := glmBlockPattern.FindAllStringSubmatch(string(a.buf), -1)
	if len(matches) > 0 {
		for ordinal, m := range matches {
			if tc, key, ok := parseInvocation(m[1], fmt.Sprintf("block:%d", ordinal)); ok && !a.emitted[key] {
				a.emitted[key] = true
				out = append(out, ir.Invocation(a.nextIndex, tc))
				a.nextIndex++
			}
		}
		return out
	}

	// No block wrapper: the buffer itself may be one bare invocation object.
	candidate := strings.TrimSpace(string(a.buf))
	if tc, key, ok := parseInvocation(candidate, "bare"); ok && !a.emitted[key] {
		a.emitted[key] = true
		out = append(out, ir.Invocation(a.nextIndex, tc))
		a.nextIndex++
	}
	return out
}

// Flush logs leftovers that never became complete JSON. Emission happens
// eagerly in Feed, so there is nothing further to produce.
func (a *Assembler) Flush() []ir.Chunk {
	if len(a.buf) > 0 && a.nextIndex == 0 {
		log.Debugf("tool assembler: %d buffered bytes never completed", len(a.buf))
	}
	return nil
}

// parseInvocation decodes one candidate payload. It accepts both the block
// metadata envelope and a bare {"name":…,"arguments":…} object. fallbackKey
// dedupes candidates that carry no id of their own.
func parseInvocation(candidate, fallbackKey string) (*ir.ToolCall, string, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || !json.Valid(candidate) {
		return nil, "", false
	}
	doc := json.Parse(candidate)

	meta := doc.Get("data.metadata")
	if !meta.Exists() {
		meta = doc
	}
	name := meta.Get("name").String()
	if name == "" {
		return nil, "", false
	}

	args, ok := normalizeArguments(meta.Get("arguments"))
	if !ok {
		return nil, "", false
	}

	id := meta.Get("id").String()
	key := id
	if key == "" {
		key = fallbackKey
	}
	if id == "" {
		id = "call_" + uuid.NewString()[:8]
	}
	return &ir.ToolCall{ID: id, Name: name, Arguments: args}, key, true
}

// normalizeArguments renders the arguments field as a serialized JSON
// document. The upstream sends either an object or a string holding JSON;
// absent arguments become the empty object. A string that is not yet valid
// JSON marks the invocation incomplete.
func normalizeArguments(v json.Result) (string, bool) {
	switch {
	case !v.Exists():
		return "{}", true
	case v.IsObject() || v.IsArray():
		return v.Raw, true
	case v.Type == gjson.String:
		s := v.String()
		if s == "" {
			return "{}", true
		}
		if !json.Valid(s) {
			return "", false
		}
		return s, true
	default:
		return v.Raw, true
	}
}
