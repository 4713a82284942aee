package relay

import (
	"strings"

	"github.com/zrelay/zrelay/internal/ir"
	"github.com/zrelay/zrelay/internal/upstream"
)

// Thinking-block markers surfaced to clients, and the upstream wrapper
// cosmetics stripped on the way through.
const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"

	detailsPrefix   = "<details"
	summaryBoundary = "</summary>\n>"
	detailsBoundary = "</details>\n"
)

type phaseState int

const (
	stateIdle phaseState = iota
	stateThinking
	stateAnswering
)

// Reconciler folds the upstream thinking/answer phase progression into a
// flat delta stream. The thinking block is bracketed by <think> markers, each
// emitted at most once per response regardless of how the upstream
// interleaves or repeats phases.
type Reconciler struct {
	state       phaseState
	roleSent    bool
	thinkOpen   bool
	thinkClosed bool
	usage       *ir.Usage
}

// NewReconciler returns a reconciler in the idle state.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Usage returns the last usage report observed, if any.
func (r *Reconciler) Usage() *ir.Usage { return r.usage }

// Feed consumes one thinking/answer event and returns the chunks it expands
// to. Events with no renderable content return nothing.
func (r *Reconciler) Feed(ev *upstream.Event) []ir.Chunk {
	if ev.Data.Usage != nil {
		r.usage = ev.Data.Usage
	}

	switch ev.Data.Phase {
	case upstream.PhaseThinking:
		return r.feedThinking(ev)
	case upstream.PhaseAnswer:
		return r.feedAnswer(ev)
	default:
		return nil
	}
}

func (r *Reconciler) feedThinking(ev *upstream.Event) []ir.Chunk {
	content := ev.Data.DeltaContent
	if content == "" {
		return nil
	}

	// The first thinking delta arrives wrapped in a <details> element; only
	// the text after the summary boundary is reasoning.
	if strings.HasPrefix(content, detailsPrefix) {
		if idx := strings.Index(content, summaryBoundary); idx >= 0 {
			content = strings.TrimSpace(content[idx+len(summaryBoundary):])
		}
	}
	if content == "" {
		return nil
	}

	var out []ir.Chunk
	out = r.openTurn(out)
	if r.state != stateThinking {
		r.state = stateThinking
	}
	if !r.thinkOpen && !r.thinkClosed {
		r.thinkOpen = true
		content = thinkOpenTag + content
	}
	return append(out, ir.Text(content))
}

func (r *Reconciler) feedAnswer(ev *upstream.Event) []ir.Chunk {
	var out []ir.Chunk

	// edit_content rewrites the tail of the visible text: everything after
	// the final </details> boundary is the first answer delta.
	if ev.Data.EditContent != "" {
		if idx := strings.LastIndex(ev.Data.EditContent, detailsBoundary); idx >= 0 {
			out = r.openTurn(out)
			out = r.closeThinking(out)
			r.state = stateAnswering
			if tail := ev.Data.EditContent[idx+len(detailsBoundary):]; tail != "" {
				out = append(out, ir.Text(tail))
			}
			return out
		}
		// A rewrite with no boundary touches text that was never surfaced;
		// fall through so a delta on the same event still renders.
	}

	if ev.Data.DeltaContent == "" {
		return out
	}

	out = r.openTurn(out)
	out = r.closeThinking(out)
	r.state = stateAnswering
	return append(out, ir.Text(ev.Data.DeltaContent))
}

// openTurn emits the role chunk on the first renderable content.
func (r *Reconciler) openTurn(out []ir.Chunk) []ir.Chunk {
	if r.roleSent {
		return out
	}
	r.roleSent = true
	return append(out, ir.Role())
}

// closeThinking emits the closing marker exactly once, and only if the block
// was opened.
func (r *Reconciler) closeThinking(out []ir.Chunk) []ir.Chunk {
	if !r.thinkOpen || r.thinkClosed {
		return out
	}
	r.thinkOpen = false
	r.thinkClosed = true
	return append(out, ir.Text(thinkCloseTag))
}

// Flush ends the response: an unterminated thinking block is closed so the
// client never sees a dangling marker.
func (r *Reconciler) Flush() []ir.Chunk {
	return r.closeThinking(nil)
}
