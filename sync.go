package weave

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/weavedoc/weave/awareness"
	"github.com/weavedoc/weave/crdt"
	"github.com/weavedoc/weave/protocol"
	"github.com/weavedoc/weave/utils"
)

type SyncMode byte

const (
	SyncRead   SyncMode = 1
	SyncWrite  SyncMode = 2
	SyncLive   SyncMode = 4
	SyncRW     SyncMode = SyncRead | SyncWrite
	SyncRWLive SyncMode = SyncRead | SyncWrite | SyncLive
)

func (m *SyncMode) Zip() []byte {
	return protocol.ZipUint64(uint64(*m))
}

func (m *SyncMode) Unzip(raw []byte) error {
	parsed := protocol.UnzipUint64(raw)
	if parsed > 0b111 {
		return errors.New("invalid sync mode")
	}
	*m = SyncMode(parsed)
	return nil
}

type SyncState int

const (
	SendHandshake SyncState = iota
	SendDiff
	SendLive
	SendEOF
	SendNone
)

func (s SyncState) String() string {
	return []string{"SendHandshake", "SendDiff", "SendLive", "SendEOF", "SendNone"}[s]
}

// Syncer drives one sync connection over any FeedDrainCloser channel.
// The exchange is symmetric: each side opens with a handshake carrying
// its state vector, answers the peer's handshake with one diff frame
// covering everything past that vector, then (in live mode) relays
// committed frames as they happen. Two passive copies of this machine
// facing each other converge without any coordinator deciding who
// goes first.
type Syncer struct {
	Doc  *Doc
	Name string
	Mode SyncMode

	// Awareness, when set, receives presence records arriving on this
	// connection. Outgoing presence goes through Announce.
	Awareness *awareness.Table

	log        utils.Logger
	feedState  SyncState
	drainState SyncState
	oqueue     *utils.RecordQueue[protocol.Records]
	peervv     crdt.VV
	reason     error

	lock sync.Mutex
	cond sync.Cond
}

func NewSyncer(doc *Doc, name string, mode SyncMode) *Syncer {
	return &Syncer{
		Doc:  doc,
		Name: name,
		Mode: mode,
		log:  doc.log,
	}
}

// PeerVV is the peer's state vector as of its handshake. The
// embedding application collects these over its connections to decide
// how far tombstone collection may go.
func (sync *Syncer) PeerVV() crdt.VV {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	if sync.peervv == nil {
		return nil
	}
	return sync.peervv.Copy()
}

func (sync *Syncer) Close() error {
	sync.SetFeedState(SendEOF)
	if sync.Doc == nil {
		return ErrClosed
	}
	sync.lock.Lock()
	defer sync.lock.Unlock()
	if sync.oqueue != nil {
		sync.Doc.removeFeed(sync.Name)
		sync.oqueue = nil
	}
	sync.log.Debug("sync: connection closed", "name", sync.Name, "reason", sync.reason)
	return nil
}

func (sync *Syncer) Feed(ctx context.Context) (recs protocol.Records, err error) {
	switch sync.feedState {
	case SendHandshake:
		recs, err = sync.FeedHandshake()
		sync.SetFeedState(SendDiff)

	case SendDiff:
		// the diff answers the peer's vector, so wait for it
		sync.WaitDrainState(SendDiff)
		recs = sync.FeedDiff()
		if (sync.Mode & SyncLive) != 0 {
			sync.SetFeedState(SendLive)
		} else {
			sync.SetFeedState(SendEOF)
		}

	case SendLive:
		recs, err = sync.oqueue.Feed(ctx)
		if err == utils.ErrClosed {
			sync.SetFeedState(SendEOF)
			err = nil
		}

	case SendEOF:
		reason := []byte("closing")
		if sync.reason != nil {
			reason = []byte(sync.reason.Error())
		}
		recs = protocol.Records{protocol.Record('B', reason)}
		sync.SetFeedState(SendNone)

	case SendNone:
		timer := time.AfterFunc(time.Second, func() {
			sync.SetDrainState(SendNone)
		})
		sync.WaitDrainState(SendNone)
		timer.Stop()
		err = io.EOF
	}
	return
}

// FeedHandshake opens with H(M(mode) V(vector)) and registers the
// live feed so no frame committed after the snapshot is lost.
func (sync *Syncer) FeedHandshake() (protocol.Records, error) {
	sync.lock.Lock()
	sync.oqueue = sync.Doc.addFeed(sync.Name)
	sync.lock.Unlock()

	hs := protocol.Record('H',
		protocol.TinyRecord('M', sync.Mode.Zip()),
		protocol.Record('V', sync.Doc.StateVector().TLV()),
	)
	return protocol.Records{hs}, nil
}

// Announce queues an awareness record for the peer. Presence rides the
// live feed, so it only flows on connections that reached SendLive.
func (sync *Syncer) Announce(ctx context.Context, rec []byte) error {
	sync.lock.Lock()
	q := sync.oqueue
	sync.lock.Unlock()
	if q == nil {
		return ErrClosed
	}
	return q.Drain(ctx, protocol.Records{rec})
}

// FeedDiff sends one frame with everything the peer's vector lacks.
func (sync *Syncer) FeedDiff() protocol.Records {
	if (sync.Mode & SyncWrite) == 0 {
		// read-only connections still handshake, but send no data
		return protocol.Records{}
	}
	sync.lock.Lock()
	peervv := sync.peervv
	sync.lock.Unlock()
	return protocol.Records{sync.Doc.EncodeStateAsUpdate(peervv)}
}

func (sync *Syncer) SetFeedState(state SyncState) {
	sync.log.Debug("sync: feed state", "name", sync.Name, "state", state.String())
	sync.lock.Lock()
	sync.feedState = state
	sync.lock.Unlock()
}

func (sync *Syncer) SetDrainState(state SyncState) {
	sync.log.Debug("sync: drain state", "name", sync.Name, "state", state.String())
	sync.lock.Lock()
	sync.drainState = state
	if sync.cond.L == nil {
		sync.cond.L = &sync.lock
	}
	sync.cond.Broadcast()
	sync.lock.Unlock()
}

func (sync *Syncer) WaitDrainState(state SyncState) (ds SyncState) {
	sync.lock.Lock()
	if sync.cond.L == nil {
		sync.cond.L = &sync.lock
	}
	for sync.drainState < state {
		sync.cond.Wait()
	}
	ds = sync.drainState
	sync.lock.Unlock()
	return
}

func (sync *Syncer) Drain(ctx context.Context, recs protocol.Records) (err error) {
	if len(recs) == 0 {
		return nil
	}

	switch sync.drainState {
	case SendHandshake:
		err = sync.DrainHandshake(recs[0])
		if err != nil {
			sync.reason = err
			sync.SetDrainState(SendEOF)
			return
		}
		recs = recs[1:]
		sync.SetDrainState(SendDiff)
		if len(recs) == 0 {
			break
		}
		fallthrough

	case SendDiff, SendLive:
		err = sync.drainFrames(recs)

	default:
		return ErrClosed
	}

	if err != nil {
		sync.reason = err
		sync.SetDrainState(SendEOF)
	}
	return
}

func (sync *Syncer) drainFrames(recs protocol.Records) error {
	for _, rec := range recs {
		switch protocol.Lit(rec) {
		case 'B':
			sync.SetDrainState(SendNone)
			return nil
		case 'U':
			if (sync.Mode & SyncRead) == 0 {
				continue
			}
			if _, err := sync.Doc.applyUpdate(rec, sync.Name); err != nil {
				return err
			}
			if sync.drainState == SendDiff {
				// the first update after the handshake is the peer's diff
				sync.SetDrainState(SendLive)
			}
		case 'A':
			// presence is fire-and-forget, no table means no listener
			if sync.Awareness != nil {
				if err := sync.Awareness.ApplyUpdate(rec); err != nil {
					return err
				}
			}
		default:
			return ErrBadFrame
		}
	}
	return nil
}

func (sync *Syncer) DrainHandshake(rec []byte) error {
	body, _ := protocol.Take('H', rec)
	if body == nil {
		return ErrBadHandshake
	}
	mbody, rest := protocol.Take('M', body)
	if mbody == nil {
		return ErrBadHandshake
	}
	var mode SyncMode
	if err := mode.Unzip(mbody); err != nil {
		return ErrBadHandshake
	}
	vbody, _ := protocol.Take('V', rest)
	if vbody == nil {
		return ErrBadHandshake
	}
	vv, err := crdt.VVFromTLV(vbody)
	if err != nil {
		return ErrBadHandshake
	}
	sync.lock.Lock()
	sync.Mode &= mode
	sync.peervv = vv
	sync.lock.Unlock()
	return nil
}
