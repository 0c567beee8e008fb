package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/weavedoc/weave/protocol"
)

func TestDeleteSetCoalesce(t *testing.T) {
	ds := make(DeleteSet)
	ds.Add(1, 0, 3)
	ds.Add(1, 10, 2)
	ds.Add(1, 3, 4) // touches the first range
	assert.Equal(t, []Range{{Start: 0, Len: 7}, {Start: 10, Len: 2}}, ds[1])

	ds.Add(1, 5, 10) // swallows the gap and the second range
	assert.Equal(t, []Range{{Start: 0, Len: 15}}, ds[1])

	assert.True(t, ds.Contains(ID{Site: 1, Clock: 14}))
	assert.False(t, ds.Contains(ID{Site: 1, Clock: 15}))
	assert.False(t, ds.Contains(ID{Site: 2, Clock: 0}))
}

func TestDeleteSetMissing(t *testing.T) {
	ds := make(DeleteSet)
	ds.Add(1, 5, 5)

	assert.Equal(t, []Range{{Start: 0, Len: 5}}, ds.Missing(1, Range{Start: 0, Len: 10}))
	assert.Nil(t, ds.Missing(1, Range{Start: 6, Len: 2}))
	assert.Equal(t, []Range{{Start: 10, Len: 5}}, ds.Missing(1, Range{Start: 7, Len: 8}))
	assert.Equal(t,
		[]Range{{Start: 2, Len: 3}, {Start: 10, Len: 2}},
		ds.Missing(1, Range{Start: 2, Len: 10}))
}

func TestDeleteSetMergeCommutes(t *testing.T) {
	a := DeleteSet{1: {{Start: 0, Len: 4}}, 2: {{Start: 8, Len: 2}}}
	b := DeleteSet{1: {{Start: 2, Len: 6}}}

	ab := a.Copy()
	ab.Merge(b)
	ba := b.Copy()
	ba.Merge(a)
	assert.Equal(t, ab, ba)
	assert.Equal(t, []Range{{Start: 0, Len: 8}}, ab[1])
}

func TestDeleteSetTLVRoundTrip(t *testing.T) {
	ds := DeleteSet{
		1: {{Start: 0, Len: 4}, {Start: 9, Len: 1}},
		7: {{Start: 100, Len: 50}},
	}
	enc := ds.TLV()

	got := make(DeleteSet)
	rest := enc
	for len(rest) > 0 {
		var body []byte
		var err error
		body, rest, err = protocol.TakeWary('D', rest)
		assert.Nil(t, err)
		assert.True(t, got.PutTLVBody(body))
	}
	assert.Equal(t, ds, got)
}

func TestDeleteSetBadTLV(t *testing.T) {
	ds := make(DeleteSet)
	assert.False(t, ds.PutTLVBody(nil))                      // empty
	assert.False(t, ds.PutTLVBody([]byte{0, 1, 0, 1}))      // zero site
	assert.False(t, ds.PutTLVBody([]byte{1, 1, 0, 0}))      // zero length
	assert.False(t, ds.PutTLVBody([]byte{1, 2, 0, 1}))      // truncated
	assert.False(t, ds.PutTLVBody([]byte{1, 1, 0, 1, 9}))   // trailing bytes
	assert.True(t, ds.PutTLVBody([]byte{1, 1, 0, 1}))       // minimal valid
	assert.Equal(t, []Range{{Start: 0, Len: 1}}, ds[1])
}
