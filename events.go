package weave

import "github.com/weavedoc/weave/crdt"

// InsertedSpan is new visible text at a position.
type InsertedSpan struct {
	Pos  int
	Text string
}

// Diff is the minimal redraw information produced by one committed
// transaction or one applied update frame. Offsets in Deleted are
// positions before the deletion landed; Inserted offsets are final.
type Diff struct {
	Inserted    []InsertedSpan
	Deleted     []crdt.Span
	ChangedKeys []string

	// Deferred counts units still buffered behind a causal gap;
	// they surface in a later Diff once their dependencies arrive.
	Deferred int

	// Local separates this replica's own edits from merged ones.
	Local bool
}

func (d Diff) Empty() bool {
	return len(d.Inserted) == 0 && len(d.Deleted) == 0 && len(d.ChangedKeys) == 0
}

// Subscribe registers a change observer and returns its unsubscribe
// handle. Observers run after a transaction or merge has fully
// committed, never in the middle of one, and never re-entrantly with
// the document lock held.
func (d *Doc) Subscribe(fn func(Diff)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

// notify runs outside the lock; the caller passes a snapshot of the
// subscriber list taken at commit time.
func notify(subs []func(Diff), diff Diff) {
	if diff.Empty() && diff.Deferred == 0 {
		return
	}
	for _, fn := range subs {
		fn(diff)
	}
}

func (d *Doc) subscribers() []func(Diff) {
	subs := make([]func(Diff), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	return subs
}
