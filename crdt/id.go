// Package crdt implements the replicated data types the document is
// built from: a YATA-style sequence of immutable item runs and a
// last-writer-wins register map, plus the state vector and delete set
// used to compute sync deltas.
package crdt

import (
	"strconv"

	"github.com/weavedoc/weave/protocol"
)

// ID identifies one element: the site that created it and the site's
// logical clock at creation. IDs are never reused and never change.
// A run of elements created in one go shares the site and occupies a
// contiguous clock span starting at the run's ID.
type ID struct {
	Site  uint32
	Clock uint32
}

// None marks a missing origin (the start or end of the sequence).
// Live sites are nonzero, so the zero site is free to act as the
// sentinel.
var None = ID{}

func (id ID) IsNone() bool {
	return id.Site == 0
}

// Less orders IDs by (clock, site). This is the total order behind
// every tie-break in the merge rules.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Site < other.Site
}

func (id ID) Plus(n uint32) ID {
	return ID{Site: id.Site, Clock: id.Clock + n}
}

func (id ID) ZipBytes() []byte {
	return protocol.ZipUint64Pair(uint64(id.Site), uint64(id.Clock))
}

func IDFromZipBytes(zip []byte) ID {
	site, clock := protocol.UnzipUint64Pair(zip)
	return ID{Site: uint32(site), Clock: uint32(clock)}
}

func (id ID) String() string {
	var buf [24]byte
	b := strconv.AppendUint(buf[:0], uint64(id.Site), 16)
	b = append(b, '-')
	b = strconv.AppendUint(b, uint64(id.Clock), 16)
	return string(b)
}
