package crdt

import "slices"

// Register is one write to one key: the value, the id of the write,
// and a tombstone flag for deletions. Writes are immutable.
type Register struct {
	Key     string
	Value   string
	ID      ID
	Deleted bool
}

// RegisterMap is the key-value CRDT. Per key it keeps every write it
// has seen, ordered by (clock, site); the last one is the survivor.
// Losing writes are retained because they still occupy clock ticks:
// dropping them would punch holes in the state vector and stall sync
// for peers that have not caught up. Sweep trims their values once
// causally stable.
type RegisterMap struct {
	writes map[string][]Register
}

func NewRegisterMap() *RegisterMap {
	return &RegisterMap{writes: make(map[string][]Register)}
}

// Set records a write under a fresh id owned by the caller.
func (m *RegisterMap) Set(key, value string, id ID) {
	m.Merge(Register{Key: key, Value: value, ID: id})
}

// Delete writes a tombstone, so the deletion itself competes in
// future conflicts like any other write.
func (m *RegisterMap) Delete(key string, id ID) {
	m.Merge(Register{Key: key, ID: id, Deleted: true})
}

// Get returns the surviving value; absent and tombstoned keys both
// report ok == false.
func (m *RegisterMap) Get(key string) (value string, ok bool) {
	w, ok := m.winner(key)
	if !ok || w.Deleted {
		return "", false
	}
	return w.Value, true
}

func (m *RegisterMap) winner(key string) (Register, bool) {
	ws := m.writes[key]
	if len(ws) == 0 {
		return Register{}, false
	}
	return ws[len(ws)-1], true
}

// Merge folds one write in. Re-delivery is a no-op. Returns whether
// the key's surviving value changed, the last-writer-wins rule being
// simply "highest (clock, site) id".
func (m *RegisterMap) Merge(r Register) bool {
	ws := m.writes[r.Key]
	i, found := slices.BinarySearchFunc(ws, r.ID, func(w Register, id ID) int {
		if w.ID == id {
			return 0
		}
		if w.ID.Less(id) {
			return -1
		}
		return 1
	})
	if found {
		return false
	}
	m.writes[r.Key] = slices.Insert(ws, i, r)
	return i == len(ws) // a new last write is a new survivor
}

// Keys lists live keys, sorted.
func (m *RegisterMap) Keys() []string {
	keys := make([]string, 0, len(m.writes))
	for k := range m.writes {
		if w, ok := m.winner(k); ok && !w.Deleted {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// WritesAfter returns every write unseen by the given vector, for the
// update codec. Passing nil returns all writes. Output is ordered by
// site, then clock, so receivers can advance their vector without
// gaps.
func (m *RegisterMap) WritesAfter(vv VV) []Register {
	var out []Register
	for _, ws := range m.writes {
		for _, w := range ws {
			if vv == nil || w.ID.Clock >= vv.Get(w.ID.Site) {
				out = append(out, w)
			}
		}
	}
	slices.SortFunc(out, func(a, b Register) int {
		if a.ID.Site != b.ID.Site {
			return int(int64(a.ID.Site) - int64(b.ID.Site))
		}
		return int(int64(a.ID.Clock) - int64(b.ID.Clock))
	})
	return out
}

// Sweep empties the values of causally stable losing writes. The
// writes themselves stay so full-state encodes keep clock continuity.
func (m *RegisterMap) Sweep(floor VV) (collected int) {
	for k, ws := range m.writes {
		for i := range ws[:len(ws)-1] {
			w := &ws[i]
			if w.Value != "" && w.ID.Clock < floor.Get(w.ID.Site) {
				w.Value = ""
				collected++
			}
		}
		m.writes[k] = ws
	}
	return
}
