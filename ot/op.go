/*
Package ot is the operational-transform path: compact tombstone-free
plain-text editing for server-authoritative documents. An Op is a
sequence of retain/insert/delete spans against a known base length;
the algebra (Transform, Compose, Invert) keeps concurrent edits
consistent under the server's single ordering.
*/
package ot

import (
	"errors"
	"fmt"
)

var (
	// ErrBaseLength means the op does not fit the document it was
	// applied to.
	ErrBaseLength = errors.New("operation base length mismatch")

	// ErrIncompatible means two ops being composed or transformed do
	// not share the required lengths.
	ErrIncompatible = errors.New("operations have incompatible lengths")
)

type spanKind uint8

const (
	retainSpan spanKind = iota
	insertSpan
	deleteSpan
)

// span is one primitive of an op: skip n runes, add text, or remove n
// runes. Adjacent spans of the same kind are always merged, so the
// encoding of an op is canonical.
type span struct {
	kind spanKind
	n    int
	text []rune
}

func (s span) len() int {
	if s.kind == insertSpan {
		return len(s.text)
	}
	return s.n
}

// Op transforms a document of BaseLen runes into one of TargetLen
// runes. The zero Op is the identity on the empty document.
type Op struct {
	spans     []span
	baseLen   int
	targetLen int
}

func (op *Op) BaseLen() int   { return op.baseLen }
func (op *Op) TargetLen() int { return op.targetLen }

// Noop reports whether the op changes nothing.
func (op *Op) Noop() bool {
	return len(op.spans) == 0 ||
		(len(op.spans) == 1 && op.spans[0].kind == retainSpan)
}

// Retain skips over n runes.
func (op *Op) Retain(n int) *Op {
	if n <= 0 {
		return op
	}
	op.baseLen += n
	op.targetLen += n
	if last := op.last(); last != nil && last.kind == retainSpan {
		last.n += n
	} else {
		op.spans = append(op.spans, span{kind: retainSpan, n: n})
	}
	return op
}

// Insert adds text at the current position.
func (op *Op) Insert(text string) *Op {
	runes := []rune(text)
	if len(runes) == 0 {
		return op
	}
	op.targetLen += len(runes)
	spans := op.spans
	// keep inserts before deletes so the canonical form is unique
	if last := op.last(); last != nil && last.kind == insertSpan {
		last.text = append(last.text, runes...)
		return op
	} else if last != nil && last.kind == deleteSpan {
		if n := len(spans); n >= 2 && spans[n-2].kind == insertSpan {
			spans[n-2].text = append(spans[n-2].text, runes...)
			return op
		}
		del := spans[len(spans)-1]
		op.spans = append(spans[:len(spans)-1],
			span{kind: insertSpan, text: runes}, del)
		return op
	}
	op.spans = append(spans, span{kind: insertSpan, text: runes})
	return op
}

// Delete removes the next n runes.
func (op *Op) Delete(n int) *Op {
	if n <= 0 {
		return op
	}
	op.baseLen += n
	if last := op.last(); last != nil && last.kind == deleteSpan {
		last.n += n
	} else {
		op.spans = append(op.spans, span{kind: deleteSpan, n: n})
	}
	return op
}

func (op *Op) last() *span {
	if len(op.spans) == 0 {
		return nil
	}
	return &op.spans[len(op.spans)-1]
}

func (op *Op) String() string {
	out := ""
	for i, s := range op.spans {
		if i > 0 {
			out += " "
		}
		switch s.kind {
		case retainSpan:
			out += fmt.Sprintf("retain %d", s.n)
		case insertSpan:
			out += fmt.Sprintf("insert %q", string(s.text))
		case deleteSpan:
			out += fmt.Sprintf("delete %d", s.n)
		}
	}
	return out
}

// Apply runs the op against doc.
func Apply(doc string, op *Op) (string, error) {
	runes := []rune(doc)
	if len(runes) != op.baseLen {
		return "", ErrBaseLength
	}
	out := make([]rune, 0, op.targetLen)
	pos := 0
	for _, s := range op.spans {
		switch s.kind {
		case retainSpan:
			out = append(out, runes[pos:pos+s.n]...)
			pos += s.n
		case insertSpan:
			out = append(out, s.text...)
		case deleteSpan:
			pos += s.n
		}
	}
	return string(out), nil
}

// Invert derives the op that undoes op when applied to its output.
// It needs the document op was applied to, to recover deleted text.
func Invert(op *Op, doc string) (*Op, error) {
	runes := []rune(doc)
	if len(runes) != op.baseLen {
		return nil, ErrBaseLength
	}
	inv := &Op{}
	pos := 0
	for _, s := range op.spans {
		switch s.kind {
		case retainSpan:
			inv.Retain(s.n)
			pos += s.n
		case insertSpan:
			inv.Delete(len(s.text))
		case deleteSpan:
			inv.Insert(string(runes[pos : pos+s.n]))
			pos += s.n
		}
	}
	return inv, nil
}

// spanReader walks an op span list, consuming partial spans.
type spanReader struct {
	spans []span
	head  span
}

func newSpanReader(op *Op) *spanReader {
	r := &spanReader{spans: op.spans}
	r.next()
	return r
}

func (r *spanReader) next() {
	if len(r.spans) == 0 {
		r.head = span{}
		return
	}
	r.head = r.spans[0]
	r.spans = r.spans[1:]
}

func (r *spanReader) done() bool {
	return r.head.len() == 0 && len(r.spans) == 0
}

// take consumes up to n units of the head span (inserts are consumed
// whole by the caller via head directly).
func (r *spanReader) take(n int) span {
	s := r.head
	if n >= s.len() {
		r.next()
		return s
	}
	switch s.kind {
	case insertSpan:
		r.head.text = s.text[n:]
		s.text = s.text[:n]
	default:
		r.head.n -= n
		s.n = n
	}
	return s
}

// Compose merges two sequential ops into one with the same effect as
// applying a then b.
func Compose(a, b *Op) (*Op, error) {
	if a.targetLen != b.baseLen {
		return nil, ErrIncompatible
	}
	ra, rb := newSpanReader(a), newSpanReader(b)
	out := &Op{}
	for !ra.done() || !rb.done() {
		if ra.head.kind == deleteSpan && ra.head.n > 0 {
			out.Delete(ra.take(ra.head.n).n)
			continue
		}
		if rb.head.kind == insertSpan && len(rb.head.text) > 0 {
			out.Insert(string(rb.take(len(rb.head.text)).text))
			continue
		}
		if ra.done() || rb.done() {
			return nil, ErrIncompatible
		}
		n := min(ra.head.len(), rb.head.len())
		sa, sb := ra.head, rb.head
		switch {
		case sa.kind == retainSpan && sb.kind == retainSpan:
			ra.take(n)
			rb.take(n)
			out.Retain(n)
		case sa.kind == retainSpan && sb.kind == deleteSpan:
			ra.take(n)
			rb.take(n)
			out.Delete(n)
		case sa.kind == insertSpan && sb.kind == retainSpan:
			out.Insert(string(ra.take(n).text))
			rb.take(n)
		case sa.kind == insertSpan && sb.kind == deleteSpan:
			// insert then delete cancel out
			ra.take(n)
			rb.take(n)
		default:
			return nil, ErrIncompatible
		}
	}
	return out, nil
}

// Transform derives the bottom two sides of the OT diamond: given
// concurrent a and b on the same base, a' applies after b and b'
// applies after a, and both paths reach the same document. When both
// insert at the same position, a's text lands first.
func Transform(a, b *Op) (ap, bp *Op, err error) {
	if a.baseLen != b.baseLen {
		return nil, nil, ErrIncompatible
	}
	ra, rb := newSpanReader(a), newSpanReader(b)
	ap, bp = &Op{}, &Op{}
	for !ra.done() || !rb.done() {
		if ra.head.kind == insertSpan && len(ra.head.text) > 0 {
			text := ra.take(len(ra.head.text)).text
			ap.Insert(string(text))
			bp.Retain(len(text))
			continue
		}
		if rb.head.kind == insertSpan && len(rb.head.text) > 0 {
			text := rb.take(len(rb.head.text)).text
			ap.Retain(len(text))
			bp.Insert(string(text))
			continue
		}
		if ra.done() || rb.done() {
			return nil, nil, ErrIncompatible
		}
		n := min(ra.head.len(), rb.head.len())
		sa, sb := ra.head, rb.head
		ra.take(n)
		rb.take(n)
		switch {
		case sa.kind == retainSpan && sb.kind == retainSpan:
			ap.Retain(n)
			bp.Retain(n)
		case sa.kind == deleteSpan && sb.kind == deleteSpan:
			// both already deleted it, nothing left to do
		case sa.kind == deleteSpan && sb.kind == retainSpan:
			ap.Delete(n)
		case sa.kind == retainSpan && sb.kind == deleteSpan:
			bp.Delete(n)
		default:
			return nil, nil, ErrIncompatible
		}
	}
	return ap, bp, nil
}

// TransformPos maps a document offset through an op: text inserted at
// or before the offset shifts it right, a deletion covering it
// collapses it to the deletion start. Cursor and anchor maintenance
// on the OT path go through here.
func TransformPos(pos int, op *Op) int {
	remaining := pos
	for _, s := range op.spans {
		switch s.kind {
		case retainSpan:
			remaining -= s.n
		case insertSpan:
			pos += len(s.text)
		case deleteSpan:
			pos -= min(max(remaining, 0), s.n)
			remaining -= s.n
		}
		if remaining < 0 {
			break
		}
	}
	return pos
}
