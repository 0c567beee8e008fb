/*
Package weave is a collaborative-document synchronization core: a
sequence CRDT for text, a last-writer-wins register map for metadata,
and the state-vector sync protocol that lets any number of replicas
edit independently and converge without a coordinator.

Every replica owns a Doc. Local edits go through Transact, which
batches mutations into one update frame and one change notification.
Remote frames land through ApplyUpdate in any order, duplicated or
delayed; the merge rules make the outcome identical everywhere.
*/
package weave

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/weavedoc/weave/crdt"
	"github.com/weavedoc/weave/protocol"
	"github.com/weavedoc/weave/utils"
)

type Options struct {
	// Site must be unique among live replicas of one document; zero
	// picks a random 31-bit id. Reuse by two live replicas is a
	// configuration error the core cannot repair.
	Site   uint32
	Logger utils.Logger

	// DedupCacheSize bounds the frame-digest cache that short-cuts
	// re-delivered frames before they are even decoded.
	DedupCacheSize int

	// FeedLimit and FeedBatch shape the per-peer live queues.
	FeedLimit int
	FeedBatch int
}

func (o *Options) SetDefaults() {
	if o.Site == 0 {
		o.Site = randomSite()
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.DedupCacheSize == 0 {
		o.DedupCacheSize = 512
	}
	if o.FeedLimit == 0 {
		o.FeedLimit = 1 << 22
	}
	if o.FeedBatch == 0 {
		o.FeedBatch = 1 << 16
	}
}

func randomSite() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	site := binary.LittleEndian.Uint32(b[:]) & 0x7fffffff
	if site == 0 {
		site = 1
	}
	return site
}

// Doc is one replica of a shared document. All mutation and merging
// is serialized by its lock: the placement rules are not safe under
// concurrent mutation of the item list, so network receipt and local
// edits funnel through the same door.
type Doc struct {
	mu    sync.Mutex
	site  uint32
	clock uint32 // next clock tick to issue

	seq  *crdt.Sequence
	regs *crdt.RegisterMap
	vv   crdt.VV
	ds   crdt.DeleteSet

	// units waiting on causal dependencies, retried on every apply
	pending []unit

	subs    map[uint64]func(Diff)
	nextSub uint64

	dedup *lru.Cache[uint64, struct{}]
	feeds map[string]*utils.RecordQueue[protocol.Records]

	opts   Options
	log    utils.Logger
	counts docCounts
	closed bool
}

func NewDoc(opts Options) *Doc {
	opts.SetDefaults()
	dedup, err := lru.New[uint64, struct{}](opts.DedupCacheSize)
	if err != nil {
		panic(err)
	}
	return &Doc{
		site:  opts.Site,
		seq:   crdt.NewSequence(),
		regs:  crdt.NewRegisterMap(),
		vv:    make(crdt.VV),
		ds:    make(crdt.DeleteSet),
		subs:  make(map[uint64]func(Diff)),
		dedup: dedup,
		feeds: make(map[string]*utils.RecordQueue[protocol.Records]),
		opts:  opts,
		log:   opts.Logger,
	}
}

func (d *Doc) Site() uint32 {
	return d.site
}

func (d *Doc) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	for _, q := range d.feeds {
		_ = q.Close()
	}
	d.feeds = map[string]*utils.RecordQueue[protocol.Records]{}
	return nil
}

// Text is the document's visible content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq.String()
}

// Len is the visible length in runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq.Visible()
}

// Get reads a register key.
func (d *Doc) Get(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Get(key)
}

// Keys lists live register keys.
func (d *Doc) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Keys()
}

// StateVector snapshots what this replica has seen.
func (d *Doc) StateVector() crdt.VV {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vv.Copy()
}

// Tx batches mutations of one transaction. Methods must only be
// called inside the Transact callback.
type Tx struct {
	d          *Doc
	startClock uint32
	spans      crdt.DeleteSet
	regs       []crdt.Register
	diff       Diff
}

// Insert places text at the visible position, clamped to the ends.
func (tx *Tx) Insert(pos int, text string) {
	content := []rune(text)
	if len(content) == 0 {
		return
	}
	d := tx.d
	pos = min(max(pos, 0), d.seq.Visible())
	id := crdt.ID{Site: d.site, Clock: d.clock}
	d.clock += uint32(len(content))
	it := d.seq.InsertLocal(id, pos, content)
	d.vv.Put(d.site, it.End())
	d.counts.runsIntegrated.Add(1)
	tx.diff.Inserted = append(tx.diff.Inserted, InsertedSpan{Pos: pos, Text: text})
}

// Delete tombstones n visible runes starting at pos.
func (tx *Tx) Delete(pos, n int) {
	d := tx.d
	pos = min(max(pos, 0), d.seq.Visible())
	n = min(n, d.seq.Visible()-pos)
	if n <= 0 {
		return
	}
	spans := d.seq.DeleteLocal(pos, n)
	d.ds.Merge(spans)
	tx.spans.Merge(spans)
	tx.diff.Deleted = append(tx.diff.Deleted, crdt.Span{Pos: pos, Len: n})
}

// Set writes a register key.
func (tx *Tx) Set(key, value string) {
	d := tx.d
	id := crdt.ID{Site: d.site, Clock: d.clock}
	d.clock++
	d.regs.Set(key, value, id)
	d.vv.Put(d.site, d.clock)
	tx.regs = append(tx.regs, crdt.Register{Key: key, Value: value, ID: id})
	tx.diff.ChangedKeys = append(tx.diff.ChangedKeys, key)
}

// DeleteKey tombstones a register key.
func (tx *Tx) DeleteKey(key string) {
	d := tx.d
	id := crdt.ID{Site: d.site, Clock: d.clock}
	d.clock++
	d.regs.Delete(key, id)
	d.vv.Put(d.site, d.clock)
	tx.regs = append(tx.regs, crdt.Register{Key: key, ID: id, Deleted: true})
	tx.diff.ChangedKeys = append(tx.diff.ChangedKeys, key)
}

func (tx *Tx) empty() bool {
	return tx.d.clock == tx.startClock && len(tx.spans) == 0
}

// Transact runs fn as one atomic batch: observers see a single Diff
// and peers receive a single update frame, never a torn intermediate
// state.
func (d *Doc) Transact(fn func(tx *Tx)) Diff {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Diff{}
	}
	tx := &Tx{d: d, startClock: d.clock, spans: make(crdt.DeleteSet)}
	fn(tx)

	var frame []byte
	if !tx.empty() {
		frame = d.encodeLocalFrame(tx)
		d.dedup.Add(xxhash.Sum64(frame), struct{}{})
	}
	subs := d.subscribers()
	diff := tx.diff
	diff.Local = true
	d.mu.Unlock()

	if frame != nil {
		d.broadcast(frame, "")
	}
	notify(subs, diff)
	return diff
}

// InsertText is a one-call transaction.
func (d *Doc) InsertText(pos int, text string) Diff {
	return d.Transact(func(tx *Tx) { tx.Insert(pos, text) })
}

// DeleteText is a one-call transaction.
func (d *Doc) DeleteText(pos, n int) Diff {
	return d.Transact(func(tx *Tx) { tx.Delete(pos, n) })
}

// SetKey is a one-call transaction.
func (d *Doc) SetKey(key, value string) Diff {
	return d.Transact(func(tx *Tx) { tx.Set(key, value) })
}

// DeleteKey is a one-call transaction.
func (d *Doc) DeleteKey(key string) Diff {
	return d.Transact(func(tx *Tx) { tx.DeleteKey(key) })
}

// encodeLocalFrame ships everything the transaction touched. Runs are
// taken from the site index past the transaction's clock floor, which
// stays correct even when a later delete in the same transaction
// split a just-inserted run.
func (d *Doc) encodeLocalFrame(tx *Tx) []byte {
	bookmark, buf := protocol.OpenHeader(nil, 'U')
	for _, it := range d.seq.SiteRuns(d.site) {
		if it.End() <= tx.startClock {
			continue
		}
		buf = appendRunRecord(buf, runUnit{
			id:          it.ID(),
			originLeft:  it.OriginLeft(),
			originRight: it.OriginRight(),
			deleted:     it.Deleted(),
			length:      it.Len(),
			content:     it.Content(),
		})
	}
	for _, w := range tx.regs {
		buf = appendRegRecord(buf, w)
	}
	buf = append(buf, tx.spans.TLV()...)
	buf = protocol.Append(buf, 'V', d.vv.TLV())
	protocol.CloseHeader(buf, bookmark)
	return buf
}

// EncodeStateAsUpdate is the sync primitive: with a nil vector it
// returns the whole document as one frame, otherwise exactly what the
// peer behind that vector is missing.
func (d *Doc) EncodeStateAsUpdate(remote crdt.VV) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encodeState(remote)
}

// ApplyUpdate merges a remote frame. Malformed frames are rejected
// whole; re-delivered frames are no-ops; frames referencing unseen
// origins are buffered and retried once the dependency arrives. The
// returned Diff replays in order against the pre-merge state.
func (d *Doc) ApplyUpdate(frame []byte) (Diff, error) {
	return d.applyUpdate(frame, "")
}

func (d *Doc) applyUpdate(frame []byte, source string) (Diff, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Diff{}, ErrClosed
	}
	digest := xxhash.Sum64(frame)
	if _, seen := d.dedup.Get(digest); seen {
		d.counts.framesDeduped.Add(1)
		d.mu.Unlock()
		return Diff{}, nil
	}
	f, err := decodeFrame(frame)
	if err != nil {
		d.counts.framesRejected.Add(1)
		d.mu.Unlock()
		return Diff{}, err
	}
	for _, u := range f.units {
		if u.id().Site == d.site && u.end() > d.clock {
			d.counts.framesRejected.Add(1)
			d.mu.Unlock()
			d.log.Error("doc: remote frame wrote under our site id", "site", d.site)
			return Diff{}, ErrSiteCollision
		}
	}

	diff := d.applyFrame(f)
	d.dedup.Add(digest, struct{}{})
	d.counts.framesApplied.Add(1)
	subs := d.subscribers()
	d.mu.Unlock()

	d.broadcast(frame, source)
	notify(subs, diff)
	return diff, nil
}

// applyFrame integrates decoded units until no further progress, then
// lands the delete set. Units behind a causal gap stay in the pending
// buffer for the next frame.
func (d *Doc) applyFrame(f *frame) (diff Diff) {
	units := append(d.pending, f.units...)
	d.pending = nil

	progress := true
	for progress {
		progress = false
		var deferred []unit
		for _, u := range units {
			floor := d.vv.Get(u.id().Site)
			switch {
			case u.end() <= floor:
				// fully seen before
			case u.id().Clock > floor:
				deferred = append(deferred, u)
			case u.run != nil:
				if !d.applyRun(u.run, floor, &diff) {
					deferred = append(deferred, u)
					continue
				}
				progress = true
			default:
				if d.regs.Merge(*u.reg) {
					diff.ChangedKeys = append(diff.ChangedKeys, u.reg.Key)
				}
				d.vv.Put(u.reg.ID.Site, u.end())
				progress = true
			}
		}
		units = deferred
	}
	d.pending = units
	diff.Deferred = len(units)

	for site, ranges := range f.ds {
		for _, r := range ranges {
			for _, miss := range d.ds.Missing(site, r) {
				diff.Deleted = append(diff.Deleted, d.seq.VisibleSpans(site, miss)...)
				d.seq.ApplyDelete(site, miss.Start, miss.Len)
			}
		}
	}
	d.ds.Merge(f.ds)
	return
}

func (d *Doc) applyRun(r *runUnit, floor uint32, diff *Diff) bool {
	run := *r
	if run.id.Clock < floor {
		// the prefix is old news, integrate the unseen suffix
		off := floor - run.id.Clock
		run.originLeft = run.id.Plus(off - 1)
		run.id = run.id.Plus(off)
		run.length -= off
		if run.content != nil {
			run.content = run.content[off:]
		}
	}
	it := crdt.NewRemoteItem(run.id, run.content, run.length,
		run.deleted || run.collected, run.originLeft, run.originRight)
	if err := d.seq.IntegrateRemote(it); err != nil {
		return false
	}
	d.vv.Put(run.id.Site, run.end())
	d.counts.runsIntegrated.Add(1)

	if !it.Deleted() {
		if pos, ok := d.seq.OffsetOf(run.id, false); ok {
			diff.Inserted = append(diff.Inserted, InsertedSpan{Pos: pos, Text: string(run.content)})
		}
		// a delete merged before this run arrived still applies to it
		for _, have := range d.ds[run.id.Site] {
			if have.Start < run.end() && have.End() > run.id.Clock {
				from := max(have.Start, run.id.Clock)
				till := min(have.End(), run.end())
				span := crdt.Range{Start: from, Len: till - from}
				diff.Deleted = append(diff.Deleted, d.seq.VisibleSpans(run.id.Site, span)...)
				d.seq.ApplyDelete(run.id.Site, span.Start, span.Len)
			}
		}
	}
	return true
}

// Sweep garbage-collects tombstone payloads that are causally stable:
// a span may be dropped only once every known peer's state vector has
// passed it, so no future frame can reference it as an origin. Peer
// vectors come from the embedding application (the sync layer records
// them at handshake time).
func (d *Doc) Sweep(peers ...crdt.VV) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	floor := d.vv.Copy()
	for _, peer := range peers {
		for site := range floor {
			floor[site] = min(floor[site], peer.Get(site))
		}
	}
	n := d.seq.Sweep(floor) + d.regs.Sweep(floor)
	d.counts.collected.Add(int64(n))
	return n
}

// addFeed registers a live outgoing queue; committed frames are
// drained into every feed except the one they arrived from.
func (d *Doc) addFeed(name string) *utils.RecordQueue[protocol.Records] {
	q := utils.NewRecordQueue[protocol.Records](d.opts.FeedLimit, d.opts.FeedBatch)
	d.mu.Lock()
	d.feeds[name] = q
	d.mu.Unlock()
	return q
}

func (d *Doc) removeFeed(name string) {
	d.mu.Lock()
	q := d.feeds[name]
	delete(d.feeds, name)
	d.mu.Unlock()
	if q != nil {
		_ = q.Close()
	}
}

func (d *Doc) broadcast(frame []byte, except string) {
	d.mu.Lock()
	feeds := make(map[string]*utils.RecordQueue[protocol.Records], len(d.feeds))
	for name, q := range d.feeds {
		feeds[name] = q
	}
	d.mu.Unlock()
	for name, q := range feeds {
		if name == except {
			continue
		}
		if err := q.Drain(context.Background(), protocol.Records{frame}); err != nil {
			d.log.Warn("doc: dropping live feed", "feed", name, "err", err)
			d.removeFeed(name)
		}
	}
}
