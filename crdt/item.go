package crdt

// Item is a run of elements inserted in one go. It is immutable after
// creation except for the tombstone flag and garbage collection of the
// payload. Origin ids pin the neighbors the run was typed between;
// they never change, which is what keeps the merge deterministic.
type Item struct {
	id      ID
	content []rune // nil once garbage-collected
	length  uint32 // element count, survives GC
	deleted bool

	// element id of the left neighbor at creation, start id of the
	// right neighbor at creation; None at the sequence ends
	originLeft  ID
	originRight ID

	// current list links, maintained by Sequence
	left, right *Item
}

// NewRemoteItem builds an unlinked item from decoded wire data; the
// sequence places it via IntegrateRemote. Collected runs come with a
// nil content and the tombstone flag set.
func NewRemoteItem(id ID, content []rune, length uint32, deleted bool, originLeft, originRight ID) *Item {
	return &Item{
		id:          id,
		content:     content,
		length:      length,
		deleted:     deleted,
		originLeft:  originLeft,
		originRight: originRight,
	}
}

func (it *Item) ID() ID            { return it.id }
func (it *Item) Len() uint32       { return it.length }
func (it *Item) Deleted() bool     { return it.deleted }
func (it *Item) OriginLeft() ID    { return it.originLeft }
func (it *Item) OriginRight() ID   { return it.originRight }
func (it *Item) Content() []rune   { return it.content }
func (it *Item) Collected() bool   { return it.deleted && it.content == nil }

// End is the clock right past the run.
func (it *Item) End() uint32 {
	return it.id.Clock + it.length
}

// LastID identifies the run's last element.
func (it *Item) LastID() ID {
	return it.id.Plus(it.length - 1)
}

func (it *Item) covers(elem ID) bool {
	return elem.Site == it.id.Site && elem.Clock >= it.id.Clock && elem.Clock < it.End()
}

// split cuts the run in two at the given element offset (0 < offset <
// length) and returns the right half. List links and the site index
// are fixed up by the caller.
func (it *Item) split(offset uint32) *Item {
	rest := &Item{
		id:          it.id.Plus(offset),
		length:      it.length - offset,
		deleted:     it.deleted,
		originLeft:  it.id.Plus(offset - 1),
		originRight: it.originRight,
		left:        it,
		right:       it.right,
	}
	if it.content != nil {
		rest.content = it.content[offset:]
		it.content = it.content[:offset]
	}
	it.length = offset
	if it.right != nil {
		it.right.left = rest
	}
	it.right = rest
	return rest
}
