package weave

import (
	"unicode/utf8"

	"github.com/weavedoc/weave/crdt"
	"github.com/weavedoc/weave/protocol"
)

// An update frame is a single 'U' TLV record holding everything one
// replica has done past some state vector. Inside the body:
//
//	I: one item run: site, clock, both origins, flags, length,
//	   then the payload (absent for collected runs);
//	D: the delete set of one site, as (start, len) clock ranges;
//	R: one register write: id, flags, key, value;
//	V: the sender's state vector, nested V records.
//
// Applying a frame is idempotent and commutes with any other valid
// frame; a malformed frame is rejected whole.

const (
	runDeleted   = 1 << 0
	runCollected = 1 << 1
	regDeleted   = 1 << 0
)

// runUnit is a decoded item run, not yet integrated.
type runUnit struct {
	id          crdt.ID
	originLeft  crdt.ID
	originRight crdt.ID
	deleted     bool
	collected   bool
	length      uint32
	content     []rune // nil when collected
}

func (r *runUnit) end() uint32 {
	return r.id.Clock + r.length
}

// unit is one causally-ordered thing to apply: an item run or a
// register write. The pending buffer holds these.
type unit struct {
	run *runUnit
	reg *crdt.Register
}

func (u unit) id() crdt.ID {
	if u.run != nil {
		return u.run.id
	}
	return u.reg.ID
}

func (u unit) end() uint32 {
	if u.run != nil {
		return u.run.end()
	}
	return u.reg.ID.Clock + 1
}

type frame struct {
	units []unit
	ds    crdt.DeleteSet
	vv    crdt.VV
}

func appendRunRecord(into []byte, r runUnit) []byte {
	body := protocol.AppendUvarint(nil, uint64(r.id.Site))
	body = protocol.AppendUvarint(body, uint64(r.id.Clock))
	body = protocol.AppendUvarint(body, uint64(r.originLeft.Site))
	body = protocol.AppendUvarint(body, uint64(r.originLeft.Clock))
	body = protocol.AppendUvarint(body, uint64(r.originRight.Site))
	body = protocol.AppendUvarint(body, uint64(r.originRight.Clock))
	flags := uint64(0)
	if r.deleted {
		flags |= runDeleted
	}
	if r.collected {
		flags |= runCollected
	}
	body = protocol.AppendUvarint(body, flags)
	body = protocol.AppendUvarint(body, uint64(r.length))
	if !r.collected {
		body = append(body, string(r.content)...)
	}
	return protocol.Append(into, 'I', body)
}

func appendRegRecord(into []byte, w crdt.Register) []byte {
	body := protocol.AppendUvarint(nil, uint64(w.ID.Site))
	body = protocol.AppendUvarint(body, uint64(w.ID.Clock))
	flags := uint64(0)
	if w.Deleted {
		flags |= regDeleted
	}
	body = protocol.AppendUvarint(body, flags)
	body = protocol.AppendUvarint(body, uint64(len(w.Key)))
	body = append(body, w.Key...)
	body = append(body, w.Value...)
	return protocol.Append(into, 'R', body)
}

func parseRunRecord(body []byte) (*runUnit, bool) {
	var fields [8]uint64
	rest := body
	var ok bool
	for i := range fields {
		if fields[i], rest, ok = protocol.TakeUvarint(rest); !ok || fields[i] > 0xffffffff {
			return nil, false
		}
	}
	r := &runUnit{
		id:          crdt.ID{Site: uint32(fields[0]), Clock: uint32(fields[1])},
		originLeft:  crdt.ID{Site: uint32(fields[2]), Clock: uint32(fields[3])},
		originRight: crdt.ID{Site: uint32(fields[4]), Clock: uint32(fields[5])},
		deleted:     fields[6]&runDeleted != 0,
		collected:   fields[6]&runCollected != 0,
		length:      uint32(fields[7]),
	}
	if r.id.Site == 0 || r.length == 0 || fields[7] > 0xffffffff-fields[1] {
		return nil, false
	}
	if r.collected {
		if len(rest) != 0 || !r.deleted {
			return nil, false
		}
		return r, true
	}
	if !utf8.Valid(rest) {
		return nil, false
	}
	r.content = []rune(string(rest))
	if uint32(len(r.content)) != r.length {
		return nil, false
	}
	return r, true
}

func parseRegRecord(body []byte) (*crdt.Register, bool) {
	site, rest, ok := protocol.TakeUvarint(body)
	if !ok || site == 0 || site > 0xffffffff {
		return nil, false
	}
	clock, rest, ok := protocol.TakeUvarint(rest)
	if !ok || clock > 0xffffffff {
		return nil, false
	}
	flags, rest, ok := protocol.TakeUvarint(rest)
	if !ok {
		return nil, false
	}
	keyLen, rest, ok := protocol.TakeUvarint(rest)
	if !ok || keyLen > uint64(len(rest)) {
		return nil, false
	}
	return &crdt.Register{
		ID:      crdt.ID{Site: uint32(site), Clock: uint32(clock)},
		Deleted: flags&regDeleted != 0,
		Key:     string(rest[:keyLen]),
		Value:   string(rest[keyLen:]),
	}, true
}

// decodeFrame validates and decodes a whole 'U' record. Any
// inconsistency rejects the frame; partially applying a truncated
// frame is never an option.
func decodeFrame(data []byte) (*frame, error) {
	body, rest := protocol.Take('U', data)
	if body == nil || len(rest) != 0 {
		return nil, ErrBadFrame
	}
	f := &frame{ds: make(crdt.DeleteSet)}
	for len(body) > 0 {
		lit, rec, next := protocol.TakeAny(body)
		if lit == 0 {
			return nil, ErrBadFrame
		}
		switch lit {
		case 'I':
			r, ok := parseRunRecord(rec)
			if !ok {
				return nil, ErrBadFrame
			}
			f.units = append(f.units, unit{run: r})
		case 'D':
			if !f.ds.PutTLVBody(rec) {
				return nil, ErrBadFrame
			}
		case 'R':
			w, ok := parseRegRecord(rec)
			if !ok {
				return nil, ErrBadFrame
			}
			f.units = append(f.units, unit{reg: w})
		case 'V':
			vv, err := crdt.VVFromTLV(rec)
			if err != nil {
				return nil, ErrBadFrame
			}
			f.vv = vv
		default:
			return nil, ErrBadFrame
		}
		body = next
	}
	return f, nil
}

// encodeState builds the update frame covering everything the remote
// vector has not seen; nil means everything. Runs already partially
// known to the peer are clipped to their unseen suffix. The delete
// set always rides whole: it is tiny and merging it twice is free.
func (d *Doc) encodeState(remote crdt.VV) []byte {
	bookmark, buf := protocol.OpenHeader(nil, 'U')
	for _, site := range d.seq.Sites() {
		floor := remote.Get(site)
		for _, it := range d.seq.SiteRuns(site) {
			if it.End() <= floor {
				continue
			}
			r := runUnit{
				id:          it.ID(),
				originLeft:  it.OriginLeft(),
				originRight: it.OriginRight(),
				deleted:     it.Deleted(),
				collected:   it.Collected(),
				length:      it.Len(),
				content:     it.Content(),
			}
			if r.id.Clock < floor {
				off := floor - r.id.Clock
				r.originLeft = r.id.Plus(off - 1)
				r.id = r.id.Plus(off)
				r.length -= off
				if !r.collected {
					r.content = r.content[off:]
				}
			}
			buf = appendRunRecord(buf, r)
		}
	}
	for _, w := range d.regs.WritesAfter(remote) {
		buf = appendRegRecord(buf, w)
	}
	buf = append(buf, d.ds.TLV()...)
	buf = protocol.Append(buf, 'V', d.vv.TLV())
	protocol.CloseHeader(buf, bookmark)
	return buf
}
