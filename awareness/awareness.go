/*
Package awareness tracks ephemeral per-site presence: cursor
positions, user names, whatever a client wants its peers to see while
it is online. Nothing here is part of the document and nothing
persists; a state that stops refreshing times out and disappears.
*/
package awareness

import (
	"sync"
	"time"

	"github.com/weavedoc/weave/protocol"
)

// Timeout is how long a state survives without a refresh.
const Timeout = 30 * time.Second

// State is one site's current presence payload. Clock orders updates
// from the same site; a higher clock always wins, so re-delivered or
// reordered updates cannot resurrect an old cursor.
type State struct {
	Site    uint32
	Clock   uint32
	Payload []byte
	Left    bool

	seen time.Time
}

// Table holds the latest known state per site.
type Table struct {
	mu      sync.Mutex
	site    uint32
	clock   uint32
	states  map[uint32]State
	subs    map[uint64]func([]State)
	nextSub uint64
	now     func() time.Time
}

func NewTable(site uint32) *Table {
	return &Table{
		site:   site,
		states: make(map[uint32]State),
		subs:   make(map[uint64]func([]State)),
		now:    time.Now,
	}
}

// SetLocalState replaces the local payload and returns the encoded
// update to relay to peers. A nil payload announces departure.
func (t *Table) SetLocalState(payload []byte) []byte {
	t.mu.Lock()
	t.clock++
	s := State{
		Site:    t.site,
		Clock:   t.clock,
		Payload: payload,
		Left:    payload == nil,
		seen:    t.now(),
	}
	t.states[t.site] = s
	subs, states := t.snapshot()
	t.mu.Unlock()

	notify(subs, states)
	return encode(s)
}

// ApplyUpdate merges a remote update. Stale clocks are ignored, so
// applying is idempotent and order-insensitive per site.
func (t *Table) ApplyUpdate(rec []byte) error {
	s, err := decode(rec)
	if err != nil {
		return err
	}
	t.mu.Lock()
	have, ok := t.states[s.Site]
	if ok && have.Clock >= s.Clock {
		t.mu.Unlock()
		return nil
	}
	s.seen = t.now()
	if s.Left {
		delete(t.states, s.Site)
		t.states[s.Site] = State{Site: s.Site, Clock: s.Clock, Left: true, seen: s.seen}
	} else {
		t.states[s.Site] = s
	}
	subs, states := t.snapshot()
	t.mu.Unlock()

	notify(subs, states)
	return nil
}

// States lists the currently live peers, departures and timeouts
// excluded.
func (t *Table) States() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, states := t.snapshot()
	return states
}

// Sweep drops states that have not refreshed within Timeout and
// notifies subscribers if anything changed.
func (t *Table) Sweep() int {
	t.mu.Lock()
	deadline := t.now().Add(-Timeout)
	dropped := 0
	for site, s := range t.states {
		if site != t.site && s.seen.Before(deadline) {
			delete(t.states, site)
			dropped++
		}
	}
	var subs []func([]State)
	var states []State
	if dropped > 0 {
		subs, states = t.snapshot()
	}
	t.mu.Unlock()

	if dropped > 0 {
		notify(subs, states)
	}
	return dropped
}

// Subscribe registers a callback for presence changes; the returned
// closure unsubscribes.
func (t *Table) Subscribe(fn func([]State)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Table) snapshot() ([]func([]State), []State) {
	subs := make([]func([]State), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	states := make([]State, 0, len(t.states))
	for _, s := range t.states {
		if !s.Left {
			states = append(states, s)
		}
	}
	return subs, states
}

func notify(subs []func([]State), states []State) {
	for _, fn := range subs {
		fn(states)
	}
}

const flagLeft = 1

// encode packs one state as A(site, clock, flags, payload), all
// uvarints plus the raw payload.
func encode(s State) []byte {
	var body []byte
	body = protocol.AppendUvarint(body, uint64(s.Site))
	body = protocol.AppendUvarint(body, uint64(s.Clock))
	var flags uint64
	if s.Left {
		flags |= flagLeft
	}
	body = protocol.AppendUvarint(body, flags)
	body = append(body, s.Payload...)
	return protocol.Record('A', body)
}

func decode(rec []byte) (s State, err error) {
	body, _, err := protocol.TakeWary('A', rec)
	if err != nil {
		return
	}
	site, rest, ok1 := protocol.TakeUvarint(body)
	clock, rest, ok2 := protocol.TakeUvarint(rest)
	flags, rest, ok3 := protocol.TakeUvarint(rest)
	if !ok1 || !ok2 || !ok3 ||
		site == 0 || site > 0xffffffff || clock > 0xffffffff || flags > flagLeft {
		return s, protocol.ErrBadRecord
	}
	s = State{
		Site:  uint32(site),
		Clock: uint32(clock),
		Left:  flags&flagLeft != 0,
	}
	if len(rest) > 0 && !s.Left {
		s.Payload = append([]byte(nil), rest...)
	}
	return s, nil
}
