package crdt

import (
	"slices"

	"github.com/weavedoc/weave/protocol"
)

// VV is a state vector: per site, the number of clock ticks fully
// known to this replica. All clocks in [0, vv[site]) are present
// locally, with no gaps; that contiguity is what makes "send me
// everything past my vector" a complete sync request.
type VV map[uint32]uint32

func (vv VV) Get(site uint32) uint32 {
	return vv[site]
}

// Put raises the entry for site to clock, returns whether it moved.
func (vv VV) Put(site, clock uint32) bool {
	if pre, ok := vv[site]; ok && pre >= clock {
		return false
	}
	vv[site] = clock
	return true
}

// Covers reports whether vv has seen everything in b.
func (vv VV) Covers(b VV) bool {
	for site, clock := range b {
		if vv[site] < clock {
			return false
		}
	}
	return true
}

func (vv VV) Equal(b VV) bool {
	return vv.Covers(b) && b.Covers(vv)
}

func (vv VV) Copy() VV {
	ret := make(VV, len(vv))
	for site, clock := range vv {
		ret[site] = clock
	}
	return ret
}

func (vv VV) Sites() []uint32 {
	sites := make([]uint32, 0, len(vv))
	for site := range vv {
		sites = append(sites, site)
	}
	slices.Sort(sites)
	return sites
}

// TLV encodes the vector as a run of V records, sites ascending.
func (vv VV) TLV() (ret []byte) {
	for _, site := range vv.Sites() {
		ret = protocol.Append(ret, 'v', protocol.ZipUint64Pair(uint64(site), uint64(vv[site])))
	}
	return
}

// PutTLV merges an encoded vector into vv.
func (vv VV) PutTLV(rec []byte) error {
	rest := rec
	for len(rest) > 0 {
		var val []byte
		var err error
		val, rest, err = protocol.TakeWary('V', rest)
		if err != nil {
			return err
		}
		site, clock := protocol.UnzipUint64Pair(val)
		vv.Put(uint32(site), uint32(clock))
	}
	return nil
}

func VVFromTLV(rec []byte) (VV, error) {
	vv := make(VV)
	if err := vv.PutTLV(rec); err != nil {
		return nil, err
	}
	return vv, nil
}

func (vv VV) String() string {
	ret := make([]byte, 0, len(vv)*16)
	for i, site := range vv.Sites() {
		if i > 0 {
			ret = append(ret, ',')
		}
		ret = append(ret, ID{Site: site, Clock: vv[site]}.String()...)
	}
	return string(ret)
}
