package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterMapLastWriterWins(t *testing.T) {
	m := NewRegisterMap()
	m.Set("title", "draft", ID{Site: 1, Clock: 0})
	m.Set("title", "final", ID{Site: 1, Clock: 5})

	v, ok := m.Get("title")
	assert.True(t, ok)
	assert.Equal(t, "final", v)

	// an older concurrent write loses regardless of arrival order
	changed := m.Merge(Register{Key: "title", Value: "stale", ID: ID{Site: 2, Clock: 3}})
	assert.False(t, changed)
	v, _ = m.Get("title")
	assert.Equal(t, "final", v)

	// same clock, higher site wins the tie
	changed = m.Merge(Register{Key: "title", Value: "tied", ID: ID{Site: 2, Clock: 5}})
	assert.True(t, changed)
	v, _ = m.Get("title")
	assert.Equal(t, "tied", v)
}

func TestRegisterMapDeleteCompetes(t *testing.T) {
	m := NewRegisterMap()
	m.Set("k", "v", ID{Site: 1, Clock: 0})
	m.Delete("k", ID{Site: 1, Clock: 1})

	_, ok := m.Get("k")
	assert.False(t, ok)
	assert.Empty(t, m.Keys())

	// a later concurrent set revives the key
	m.Merge(Register{Key: "k", Value: "back", ID: ID{Site: 2, Clock: 2}})
	v, ok := m.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "back", v)
	assert.Equal(t, []string{"k"}, m.Keys())
}

func TestRegisterMapMergeIdempotent(t *testing.T) {
	m := NewRegisterMap()
	w := Register{Key: "k", Value: "v", ID: ID{Site: 1, Clock: 0}}
	assert.True(t, m.Merge(w))
	assert.False(t, m.Merge(w))
	assert.Len(t, m.WritesAfter(nil), 1)
}

func TestRegisterMapWritesAfter(t *testing.T) {
	m := NewRegisterMap()
	m.Set("a", "1", ID{Site: 1, Clock: 0})
	m.Set("a", "2", ID{Site: 1, Clock: 3})
	m.Set("b", "3", ID{Site: 2, Clock: 1})

	all := m.WritesAfter(nil)
	assert.Len(t, all, 3)

	// the peer saw site 1 up to clock 2
	delta := m.WritesAfter(VV{1: 2})
	assert.Len(t, delta, 2)
	assert.Equal(t, ID{Site: 1, Clock: 3}, delta[0].ID)
	assert.Equal(t, ID{Site: 2, Clock: 1}, delta[1].ID)
}

func TestRegisterMapSweep(t *testing.T) {
	m := NewRegisterMap()
	m.Set("k", "old", ID{Site: 1, Clock: 0})
	m.Set("k", "new", ID{Site: 1, Clock: 4})

	assert.Equal(t, 1, m.Sweep(VV{1: 5}))
	v, ok := m.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "new", v)

	// the losing write still rides full-state encodes
	assert.Len(t, m.WritesAfter(nil), 2)
}
