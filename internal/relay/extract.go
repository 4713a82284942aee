package relay

import (
	"strings"

	"github.com/zrelay/zrelay/internal/ir"
)

// namePattern anchors candidate invocation objects inside answer text.
const namePattern = `{"name"`

// ExtractInvocations recovers tool calls embedded in fully assembled answer
// text, for requests that declared tools but streamed no tool_call phase. It
// returns the invocations found and the text with their spans removed; text
// without candidates comes back unchanged.
func ExtractInvocations(text string) ([]*ir.ToolCall, string) {
	var calls []*ir.ToolCall
	var cleaned strings.Builder
	rest := text

	for {
		idx := strings.Index(rest, namePattern)
		if idx < 0 {
			cleaned.WriteString(rest)
			break
		}
		span, ok := balancedObject(rest[idx:])
		if !ok {
			cleaned.WriteString(rest[:idx+1])
			rest = rest[idx+1:]
			continue
		}
		if tc, _, parsed := parseInvocation(span, ""); parsed {
			calls = append(calls, tc)
			cleaned.WriteString(rest[:idx])
		} else {
			cleaned.WriteString(rest[:idx+len(span)])
		}
		rest = rest[idx+len(span):]
	}

	return calls, strings.TrimSpace(cleaned.String())
}

// balancedObject returns the shortest prefix of s forming a brace-balanced
// JSON object, honoring strings and escapes.
func balancedObject(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
