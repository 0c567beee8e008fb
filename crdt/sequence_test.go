package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ins(s *Sequence, site, clock uint32, pos int, text string) *Item {
	return s.InsertLocal(ID{Site: site, Clock: clock}, pos, []rune(text))
}

func remote(site, clock uint32, text string, ol, or ID) *Item {
	return NewRemoteItem(ID{Site: site, Clock: clock}, []rune(text),
		uint32(len([]rune(text))), false, ol, or)
}

func TestSequenceInsertLocal(t *testing.T) {
	s := NewSequence()
	ins(s, 1, 0, 0, "hello")
	ins(s, 1, 5, 5, " world")
	ins(s, 1, 11, 5, ",")
	assert.Equal(t, "hello, world", s.String())
	assert.Equal(t, 12, s.Visible())
}

func TestSequenceDeleteLocal(t *testing.T) {
	s := NewSequence()
	ins(s, 1, 0, 0, "hello world")
	spans := s.DeleteLocal(5, 6)
	assert.Equal(t, "hello", s.String())
	assert.Equal(t, 5, s.Visible())
	assert.Equal(t, []Range{{Start: 5, Len: 6}}, spans[1])

	// deleting the same elements again is a no-op
	s.ApplyDelete(1, 5, 6)
	assert.Equal(t, "hello", s.String())
	assert.Equal(t, 5, s.Visible())
}

func TestSequenceConcurrentRootInsert(t *testing.T) {
	// two sites type at position 0 of an empty document; the higher
	// (clock, site) id lands closer to the left origin
	forward := NewSequence()
	assert.Nil(t, forward.IntegrateRemote(remote(1, 0, "A", None, None)))
	assert.Nil(t, forward.IntegrateRemote(remote(2, 0, "B", None, None)))

	backward := NewSequence()
	assert.Nil(t, backward.IntegrateRemote(remote(2, 0, "B", None, None)))
	assert.Nil(t, backward.IntegrateRemote(remote(1, 0, "A", None, None)))

	assert.Equal(t, "BA", forward.String())
	assert.Equal(t, forward.String(), backward.String())
}

func TestSequenceConcurrentMidInsert(t *testing.T) {
	base := func() *Sequence {
		s := NewSequence()
		assert.Nil(t, s.IntegrateRemote(remote(1, 0, "abc", None, None)))
		return s
	}
	x := func() *Item {
		return remote(2, 0, "X", ID{Site: 1, Clock: 0}, ID{Site: 1, Clock: 1})
	}
	y := func() *Item {
		return remote(3, 0, "Y", ID{Site: 1, Clock: 0}, ID{Site: 1, Clock: 1})
	}

	forward := base()
	assert.Nil(t, forward.IntegrateRemote(x()))
	assert.Nil(t, forward.IntegrateRemote(y()))

	backward := base()
	assert.Nil(t, backward.IntegrateRemote(y()))
	assert.Nil(t, backward.IntegrateRemote(x()))

	assert.Equal(t, "aYXbc", forward.String())
	assert.Equal(t, forward.String(), backward.String())
}

func TestSequenceIntegrateIdempotent(t *testing.T) {
	s := NewSequence()
	assert.Nil(t, s.IntegrateRemote(remote(1, 0, "abc", None, None)))
	assert.Nil(t, s.IntegrateRemote(remote(1, 0, "abc", None, None)))
	assert.Equal(t, "abc", s.String())
	assert.Equal(t, 3, s.Visible())
}

func TestSequenceUnknownOrigin(t *testing.T) {
	s := NewSequence()
	it := remote(2, 0, "X", ID{Site: 1, Clock: 4}, None)
	assert.Equal(t, ErrUnknownOrigin, s.IntegrateRemote(it))

	assert.Nil(t, s.IntegrateRemote(remote(1, 0, "hello", None, None)))
	assert.Nil(t, s.IntegrateRemote(it))
	assert.Equal(t, "helloX", s.String())
}

func TestSequenceRunSplitOnRemoteInsert(t *testing.T) {
	s := NewSequence()
	assert.Nil(t, s.IntegrateRemote(remote(1, 0, "abcd", None, None)))
	// origin in the middle of the run forces a split
	it := remote(2, 0, "X", ID{Site: 1, Clock: 1}, ID{Site: 1, Clock: 2})
	assert.Nil(t, s.IntegrateRemote(it))
	assert.Equal(t, "abXcd", s.String())
}

func TestSequenceTombstoneSafety(t *testing.T) {
	// site 1 deletes "ell"; site 2 concurrently anchors an insert on a
	// now-deleted element; the insert survives at the right place
	s := NewSequence()
	ins(s, 1, 0, 0, "hello")
	s.ApplyDelete(1, 1, 3)
	assert.Equal(t, "ho", s.String())

	it := remote(2, 0, "X", ID{Site: 1, Clock: 2}, ID{Site: 1, Clock: 3})
	assert.Nil(t, s.IntegrateRemote(it))
	assert.Equal(t, "hXo", s.String())
}

func TestSequenceApplyDeleteSplitsEdges(t *testing.T) {
	s := NewSequence()
	ins(s, 1, 0, 0, "abcdef")
	s.ApplyDelete(1, 2, 2)
	assert.Equal(t, "abef", s.String())
	assert.Equal(t, 4, s.Visible())

	// overlapping redelivery covering already-deleted clocks
	s.ApplyDelete(1, 1, 3)
	assert.Equal(t, "aef", s.String())
	assert.Equal(t, 3, s.Visible())
}

func TestSequenceElemAtOffsetOf(t *testing.T) {
	s := NewSequence()
	ins(s, 1, 0, 0, "abcdef")

	id, ok := s.ElemAt(3)
	assert.True(t, ok)
	assert.Equal(t, ID{Site: 1, Clock: 3}, id)

	pos, ok := s.OffsetOf(id, false)
	assert.True(t, ok)
	assert.Equal(t, 3, pos)

	pos, ok = s.OffsetOf(id, true)
	assert.True(t, ok)
	assert.Equal(t, 4, pos)

	// after deletion the offset falls back to the gap position
	s.ApplyDelete(1, 2, 3)
	pos, ok = s.OffsetOf(id, false)
	assert.True(t, ok)
	assert.Equal(t, 2, pos)

	_, ok = s.ElemAt(99)
	assert.False(t, ok)
}

func TestSequenceVisibleSpans(t *testing.T) {
	s := NewSequence()
	ins(s, 1, 0, 0, "abcdef")
	ins(s, 2, 0, 3, "XY")

	spans := s.VisibleSpans(1, Range{Start: 2, Len: 3})
	assert.Equal(t, []Span{{Pos: 2, Len: 1}, {Pos: 5, Len: 2}}, spans)

	spans = s.VisibleSpans(1, Range{Start: 0, Len: 3})
	assert.Equal(t, []Span{{Pos: 0, Len: 3}}, spans)
}

func TestSequenceSweep(t *testing.T) {
	s := NewSequence()
	ins(s, 1, 0, 0, "hello")
	s.ApplyDelete(1, 1, 3)

	// peer has not seen the run yet: nothing may be collected
	assert.Equal(t, 0, s.Sweep(VV{1: 2}))

	n := s.Sweep(VV{1: 5})
	assert.Equal(t, 1, n)
	assert.Equal(t, "ho", s.String())
	assert.Equal(t, 2, s.Visible())

	// collected runs still resolve as origins
	it := remote(2, 0, "X", ID{Site: 1, Clock: 2}, ID{Site: 1, Clock: 3})
	assert.Nil(t, s.IntegrateRemote(it))
	assert.Equal(t, "hXo", s.String())
}
