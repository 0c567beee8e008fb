package crdt

import (
	"slices"

	"github.com/weavedoc/weave/protocol"
)

// Range is a contiguous span of clock values of one site.
type Range struct {
	Start uint32
	Len   uint32
}

func (r Range) End() uint32 {
	return r.Start + r.Len
}

func (r Range) Contains(clock uint32) bool {
	return clock >= r.Start && clock < r.End()
}

// DeleteSet records which elements are tombstoned, as coalesced,
// disjoint clock ranges per site. It is a grow-only set: merging two
// delete sets is a union, which is what makes deletion commutative
// and idempotent.
type DeleteSet map[uint32][]Range

// Add unions the span into the set, coalescing neighbors.
func (ds DeleteSet) Add(site, start, length uint32) {
	if length == 0 {
		return
	}
	ranges := ds[site]
	ranges = append(ranges, Range{Start: start, Len: length})
	slices.SortFunc(ranges, func(a, b Range) int {
		return int(int64(a.Start) - int64(b.Start))
	})
	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End() {
			if r.End() > last.End() {
				last.Len = r.End() - last.Start
			}
		} else {
			merged = append(merged, r)
		}
	}
	ds[site] = merged
}

func (ds DeleteSet) Contains(id ID) bool {
	ranges := ds[id.Site]
	i, _ := slices.BinarySearchFunc(ranges, id.Clock, func(r Range, c uint32) int {
		if r.End() <= c {
			return -1
		}
		if r.Start > c {
			return 1
		}
		return 0
	})
	return i < len(ranges) && ranges[i].Contains(id.Clock)
}

// Missing returns the parts of r not yet covered for the site: the
// genuinely new deletions inside an incoming range.
func (ds DeleteSet) Missing(site uint32, r Range) (missing []Range) {
	c := r.Start
	for _, have := range ds[site] {
		if have.End() <= c {
			continue
		}
		if have.Start >= r.End() {
			break
		}
		if have.Start > c {
			missing = append(missing, Range{Start: c, Len: have.Start - c})
		}
		c = max(c, have.End())
		if c >= r.End() {
			return
		}
	}
	if c < r.End() {
		missing = append(missing, Range{Start: c, Len: r.End() - c})
	}
	return
}

// Merge unions other into ds.
func (ds DeleteSet) Merge(other DeleteSet) {
	for site, ranges := range other {
		for _, r := range ranges {
			ds.Add(site, r.Start, r.Len)
		}
	}
}

func (ds DeleteSet) Copy() DeleteSet {
	ret := make(DeleteSet, len(ds))
	for site, ranges := range ds {
		ret[site] = slices.Clone(ranges)
	}
	return ret
}

func (ds DeleteSet) Sites() []uint32 {
	sites := make([]uint32, 0, len(ds))
	for site := range ds {
		sites = append(sites, site)
	}
	slices.Sort(sites)
	return sites
}

// TLV encodes the set as one D record per site:
// site, range count, then (start, len) pairs, all trimmed uvarints.
func (ds DeleteSet) TLV() (ret []byte) {
	for _, site := range ds.Sites() {
		ranges := ds[site]
		body := protocol.AppendUvarint(nil, uint64(site))
		body = protocol.AppendUvarint(body, uint64(len(ranges)))
		for _, r := range ranges {
			body = protocol.AppendUvarint(body, uint64(r.Start))
			body = protocol.AppendUvarint(body, uint64(r.Len))
		}
		ret = protocol.Append(ret, 'D', body)
	}
	return
}

// PutTLVBody merges one decoded D record body; malformed input
// leaves ds untouched and reports false.
func (ds DeleteSet) PutTLVBody(body []byte) bool {
	site64, rest, ok := protocol.TakeUvarint(body)
	if !ok || site64 == 0 || site64 > 0xffffffff {
		return false
	}
	count, rest, ok := protocol.TakeUvarint(rest)
	if !ok {
		return false
	}
	type span struct{ start, length uint64 }
	spans := make([]span, 0, count)
	for i := uint64(0); i < count; i++ {
		var start, length uint64
		start, rest, ok = protocol.TakeUvarint(rest)
		if !ok {
			return false
		}
		length, rest, ok = protocol.TakeUvarint(rest)
		if !ok || length == 0 || start+length > 0xffffffff {
			return false
		}
		spans = append(spans, span{start, length})
	}
	if len(rest) != 0 {
		return false
	}
	for _, s := range spans {
		ds.Add(uint32(site64), uint32(s.start), uint32(s.length))
	}
	return true
}
