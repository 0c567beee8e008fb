package weave

import "github.com/weavedoc/weave/crdt"

// Side picks which neighbor an anchor sticks to. A Before anchor
// tracks the element to its right, so text inserted at the anchor
// point pushes it forward; an After anchor tracks the element to its
// left and stays put when text lands at its position.
type Side uint8

const (
	Before Side = iota
	After
)

// Anchor is a stable position reference. It names a sequence element
// rather than an offset, so it survives concurrent edits anywhere
// else in the document and degrades gracefully when its element is
// deleted (it resolves to where the element used to be).
//
// The zero Anchor with Side Before pins the document start; with Side
// After it pins the document end.
type Anchor struct {
	Elem crdt.ID
	Side Side
}

// AnchorAt captures the current visible position pos as an anchor.
func (d *Doc) AnchorAt(pos int, side Side) Anchor {
	d.mu.Lock()
	defer d.mu.Unlock()
	visible := d.seq.Visible()
	pos = min(max(pos, 0), visible)
	switch side {
	case Before:
		// stick to the element currently at pos
		if pos == visible {
			return Anchor{Side: After} // end sentinel
		}
		id, _ := d.seq.ElemAt(pos)
		return Anchor{Elem: id, Side: Before}
	default:
		// stick to the element currently left of pos
		if pos == 0 {
			return Anchor{Side: Before} // start sentinel
		}
		id, _ := d.seq.ElemAt(pos - 1)
		return Anchor{Elem: id, Side: After}
	}
}

// Resolve maps the anchor back to a visible position in the current
// document state.
func (d *Doc) Resolve(a Anchor) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a.Elem.IsNone() {
		if a.Side == Before {
			return 0
		}
		return d.seq.Visible()
	}
	pos, ok := d.seq.OffsetOf(a.Elem, a.Side == After)
	if !ok {
		// the element was never seen here; park at the end
		return d.seq.Visible()
	}
	return pos
}
