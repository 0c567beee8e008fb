package crdt

import (
	"errors"
	"slices"
	"strings"
)

var (
	// ErrUnknownOrigin means an item referenced an element this
	// replica has not seen yet; the caller buffers and retries.
	ErrUnknownOrigin = errors.New("item references an unknown origin")
)

// Sequence is the ordered CRDT: a linked list of item runs plus a
// per-site index keyed by clock. All elements ever inserted stay in
// the list; deletion only flips tombstone flags. Convergence comes
// from Integrate applying the same placement rule regardless of the
// order runs arrive in.
type Sequence struct {
	head    *Item
	bySite  map[uint32][]*Item // clock-ascending runs per site
	visible int                // undeleted element count
}

func NewSequence() *Sequence {
	return &Sequence{bySite: make(map[uint32][]*Item)}
}

// Visible is the number of undeleted elements.
func (s *Sequence) Visible() int {
	return s.visible
}

// String concatenates the undeleted payloads.
func (s *Sequence) String() string {
	var b strings.Builder
	for it := s.head; it != nil; it = it.right {
		if !it.deleted {
			b.WriteString(string(it.content))
		}
	}
	return b.String()
}

// First returns the leftmost run, for iteration by the codec.
func (s *Sequence) First() *Item {
	return s.head
}

// Next returns the run after it, nil at the end.
func (s *Sequence) Next(it *Item) *Item {
	return it.right
}

// findItem locates the run containing the element, nil when the
// element is the None sentinel or unseen.
func (s *Sequence) findItem(elem ID) *Item {
	if elem.IsNone() {
		return nil
	}
	runs := s.bySite[elem.Site]
	i, _ := slices.BinarySearchFunc(runs, elem.Clock, func(it *Item, c uint32) int {
		if it.End() <= c {
			return -1
		}
		if it.id.Clock > c {
			return 1
		}
		return 0
	})
	if i < len(runs) && runs[i].covers(elem) {
		return runs[i]
	}
	return nil
}

func (s *Sequence) indexInsert(it *Item) {
	runs := s.bySite[it.id.Site]
	i, _ := slices.BinarySearchFunc(runs, it.id.Clock, func(a *Item, c uint32) int {
		if a.id.Clock < c {
			return -1
		}
		if a.id.Clock > c {
			return 1
		}
		return 0
	})
	s.bySite[it.id.Site] = slices.Insert(runs, i, it)
}

// splitAt splits the containing run so that one run starts exactly at
// elem, and returns that run.
func (s *Sequence) splitAt(elem ID) *Item {
	it := s.findItem(elem)
	if it == nil {
		return nil
	}
	if elem.Clock == it.id.Clock {
		return it
	}
	rest := it.split(elem.Clock - it.id.Clock)
	s.indexInsert(rest)
	return rest
}

// splitAfter splits so that a run ends exactly at elem, and returns it.
func (s *Sequence) splitAfter(elem ID) *Item {
	it := s.findItem(elem)
	if it == nil {
		return nil
	}
	if elem.Clock == it.LastID().Clock {
		return it
	}
	s.indexInsert(it.split(elem.Clock - it.id.Clock + 1))
	return it
}

// InsertLocal creates a run at visible position pos. The caller owns
// the id (site and clock span). Origins are the current neighbors, so
// local inserts never conflict; they still go through Integrate to
// share one code path with remote runs.
func (s *Sequence) InsertLocal(id ID, pos int, content []rune) *Item {
	left, right := s.neighborsAt(pos)
	it := &Item{
		id:      id,
		content: content,
		length:  uint32(len(content)),
	}
	if left != nil {
		it.originLeft = left.LastID()
	}
	if right != nil {
		it.originRight = right.id
	}
	s.integrate(it, left, right)
	return it
}

// neighborsAt finds the item ending just before visible position pos
// (split to end there) and whatever follows it, deleted or not.
func (s *Sequence) neighborsAt(pos int) (left, right *Item) {
	if pos > 0 {
		seen := 0
		for it := s.head; it != nil; it = it.right {
			if it.deleted {
				continue
			}
			if seen+int(it.length) >= pos {
				off := uint32(pos - seen)
				left = it
				if off < it.length {
					s.indexInsert(it.split(off))
				}
				break
			}
			seen += int(it.length)
		}
	}
	if left != nil {
		return left, left.right
	}
	return nil, s.head
}

// IntegrateRemote places a run received from another site. Both
// origins must be known already; ErrUnknownOrigin tells the caller to
// buffer the run and retry later. Re-delivery of a known run is a
// no-op.
func (s *Sequence) IntegrateRemote(it *Item) error {
	if s.findItem(it.id) != nil {
		return nil // duplicate
	}
	var left, right *Item
	if !it.originLeft.IsNone() {
		if left = s.splitAfter(it.originLeft); left == nil {
			return ErrUnknownOrigin
		}
	}
	if !it.originRight.IsNone() {
		if right = s.splitAt(it.originRight); right == nil {
			return ErrUnknownOrigin
		}
	}
	s.integrate(it, left, right)
	return nil
}

// integrate links the run into the list between left and right,
// resolving concurrent same-window inserts deterministically: among
// runs sharing a left origin, the higher (clock, site) id sits closer
// to that origin. Applied identically on every replica for every
// arrival order, which is the convergence property everything else
// rests on.
func (s *Sequence) integrate(it *Item, left, right *Item) {
	o := s.head
	if left != nil {
		o = left.right
	}
	conflicting := make(map[*Item]bool)
	before := make(map[*Item]bool)
	for o != nil && o != right {
		conflicting[o] = true
		before[o] = true
		if o.originLeft == it.originLeft {
			if it.id.Less(o.id) {
				left = o
				clear(conflicting)
			} else if o.originRight == it.originRight {
				break
			}
		} else if oo := s.findItem(o.originLeft); oo != nil && before[oo] {
			if !conflicting[oo] {
				left = o
				clear(conflicting)
			}
		} else {
			break
		}
		o = o.right
	}

	if left != nil {
		it.left = left
		it.right = left.right
		left.right = it
	} else {
		it.right = s.head
		s.head = it
	}
	if it.right != nil {
		it.right.left = it
	}
	s.indexInsert(it)
	if !it.deleted {
		s.visible += int(it.length)
	}
}

// DeleteLocal tombstones n visible elements starting at pos and
// reports the clock ranges it covered, for the delete set.
func (s *Sequence) DeleteLocal(pos, n int) (spans DeleteSet) {
	spans = make(DeleteSet)
	seen := 0
	it := s.head
	for it != nil && n > 0 {
		next := it.right
		if !it.deleted {
			if seen+int(it.length) > pos {
				off := uint32(pos - seen)
				if off > 0 {
					s.indexInsert(it.split(off))
					seen += int(off)
					it = it.right
					continue
				}
				if int(it.length) > n {
					s.indexInsert(it.split(uint32(n)))
					next = it.right
				}
				it.deleted = true
				s.visible -= int(it.length)
				spans.Add(it.id.Site, it.id.Clock, it.length)
				n -= int(it.length)
			} else {
				seen += int(it.length)
			}
		}
		it = next
	}
	return spans
}

// ApplyDelete tombstones every known element in the span. Unknown
// clocks are skipped; the delete set itself is merged by the caller
// regardless, so a late-arriving run is tombstoned on integration by
// the document. Deleting twice changes nothing.
func (s *Sequence) ApplyDelete(site, start, length uint32) {
	end := start + length
	c := start
	for c < end {
		it := s.findItem(ID{Site: site, Clock: c})
		if it == nil {
			c++
			continue
		}
		if it.id.Clock < c {
			it = s.splitAt(ID{Site: site, Clock: c})
		}
		if it.End() > end {
			s.indexInsert(it.split(end - it.id.Clock))
		}
		if !it.deleted {
			it.deleted = true
			s.visible -= int(it.length)
		}
		c = it.End()
	}
}

// ElemAt returns the id of the visible element at pos.
func (s *Sequence) ElemAt(pos int) (ID, bool) {
	seen := 0
	for it := s.head; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if seen+int(it.length) > pos {
			return it.id.Plus(uint32(pos - seen)), true
		}
		seen += int(it.length)
	}
	return None, false
}

// OffsetOf resolves an element to its visible offset. If the element
// is tombstoned (or collected), the offset of the nearest surviving
// element on the given side is returned: after falls back leftward,
// before falls back rightward.
func (s *Sequence) OffsetOf(elem ID, after bool) (int, bool) {
	it := s.findItem(elem)
	if it == nil {
		return 0, false
	}
	seen := 0
	for cur := s.head; cur != nil; cur = cur.right {
		if cur == it {
			break
		}
		if !cur.deleted {
			seen += int(cur.length)
		}
	}
	off := int(elem.Clock - it.id.Clock)
	if !it.deleted {
		if after {
			return seen + off + 1, true
		}
		return seen + off, true
	}
	// Tombstones have zero visible width, so the nearest survivor on
	// either side meets the cursor at the same offset.
	return seen, true
}

// Sites lists every site with at least one run, ascending.
func (s *Sequence) Sites() []uint32 {
	sites := make([]uint32, 0, len(s.bySite))
	for site := range s.bySite {
		sites = append(sites, site)
	}
	slices.Sort(sites)
	return sites
}

// SiteRuns returns the site's runs in clock order. The slice is the
// live index; callers must not keep it across mutations.
func (s *Sequence) SiteRuns(site uint32) []*Item {
	return s.bySite[site]
}

// VisibleSpans maps a clock span onto current visible offsets, for
// change notifications computed before a deletion lands. Adjacent
// elements coalesce into one span.
func (s *Sequence) VisibleSpans(site uint32, r Range) (spans []Span) {
	seen := 0
	for it := s.head; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if it.id.Site == site && it.id.Clock < r.End() && it.End() > r.Start {
			from := max(it.id.Clock, r.Start)
			till := min(it.End(), r.End())
			pos := seen + int(from-it.id.Clock)
			n := int(till - from)
			if len(spans) > 0 && spans[len(spans)-1].Pos+spans[len(spans)-1].Len == pos {
				spans[len(spans)-1].Len += n
			} else {
				spans = append(spans, Span{Pos: pos, Len: n})
			}
		}
		seen += int(it.length)
	}
	return
}

// Span is a visible (offset, length) range.
type Span struct {
	Pos int
	Len int
}

// Sweep physically drops payloads of tombstones that are causally
// stable: every site in floor has already seen the whole run, so no
// future update can need its content. Struct and length stay, keeping
// origin references and offsets deterministic.
func (s *Sequence) Sweep(floor VV) (collected int) {
	for it := s.head; it != nil; it = it.right {
		if it.deleted && it.content != nil && it.End() <= floor.Get(it.id.Site) {
			it.content = nil
			collected++
		}
	}
	return
}
