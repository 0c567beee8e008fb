/*
Package store persists documents as the same update frames that go
over the wire: a snapshot frame (the full document) plus an append-log
of incremental frames since. Re-applying the log is safe because
frames are idempotent, so crash recovery needs no write-ahead
bookkeeping of its own.
*/
package store

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

const compactAfter = 256 // log frames tolerated before Load rewrites the snapshot

var (
	snapKey   = []byte{'S'}
	logPrefix = byte('L')
)

// Pebble stores one document per database directory.
type Pebble struct {
	db   *pebble.DB
	next uint64 // next log sequence number
}

func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "store: opening pebble")
	}
	p := &Pebble{db: db}
	p.next, err = p.lastSeq()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func logKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = logPrefix
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func (p *Pebble) lastSeq() (uint64, error) {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{logPrefix},
		UpperBound: []byte{logPrefix + 1},
	})
	if err != nil {
		return 0, errors.Wrap(err, "store: scanning log")
	}
	defer it.Close()
	if !it.Last() {
		return 0, nil
	}
	return binary.BigEndian.Uint64(it.Key()[1:]) + 1, nil
}

// Append adds one committed frame to the log.
func (p *Pebble) Append(frame []byte) error {
	err := p.db.Set(logKey(p.next), frame, pebble.Sync)
	if err != nil {
		return errors.Wrap(err, "store: appending frame")
	}
	p.next++
	return nil
}

// Load replays the snapshot and then every logged frame through
// apply, oldest first. When the log has grown past the compaction
// threshold the caller should follow up with Compact.
func (p *Pebble) Load(apply func(frame []byte) error) (logged int, err error) {
	snap, closer, err := p.db.Get(snapKey)
	if err == nil {
		err = apply(snap)
		_ = closer.Close()
		if err != nil {
			return 0, errors.Wrap(err, "store: applying snapshot")
		}
	} else if err != pebble.ErrNotFound {
		return 0, errors.Wrap(err, "store: reading snapshot")
	}

	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{logPrefix},
		UpperBound: []byte{logPrefix + 1},
	})
	if err != nil {
		return 0, errors.Wrap(err, "store: scanning log")
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		frame := append([]byte(nil), it.Value()...)
		if err := apply(frame); err != nil {
			return logged, errors.Wrap(err, "store: replaying log")
		}
		logged++
	}
	return logged, nil
}

// NeedsCompaction reports whether the log is due for folding into the
// snapshot.
func (p *Pebble) NeedsCompaction(logged int) bool {
	return logged > compactAfter
}

// Compact replaces the snapshot with the given full-state frame and
// truncates the log, atomically.
func (p *Pebble) Compact(snapshot []byte) error {
	batch := p.db.NewBatch()
	if err := batch.Set(snapKey, snapshot, nil); err != nil {
		return errors.Wrap(err, "store: writing snapshot")
	}
	if err := batch.DeleteRange([]byte{logPrefix}, []byte{logPrefix + 1}, nil); err != nil {
		return errors.Wrap(err, "store: truncating log")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "store: committing compaction")
	}
	p.next = 0
	return nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}
