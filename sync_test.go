package weave

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/weavedoc/weave/awareness"
	"github.com/weavedoc/weave/protocol"
)

// relay moves one batch in each direction.
func relay(t *testing.T, ctx context.Context, a, b *Syncer) {
	assert.NoError(t, protocol.Relay(ctx, a, b))
	assert.NoError(t, protocol.Relay(ctx, b, a))
}

func TestSyncerOneShot(t *testing.T) {
	ctx := context.Background()
	da := newTestDoc(1)
	da.InsertText(0, "hello")
	db := newTestDoc(2)
	db.InsertText(0, "world")

	sa := NewSyncer(da, "b", SyncRW)
	sb := NewSyncer(db, "a", SyncRW)

	relay(t, ctx, sa, sb) // handshakes
	relay(t, ctx, sa, sb) // diffs

	assert.Equal(t, da.Text(), db.Text())
	assert.True(t, da.StateVector().Equal(db.StateVector()))

	// each side learned the other's pre-sync vector
	assert.Equal(t, uint32(5), sa.PeerVV().Get(2))
	assert.Equal(t, uint32(5), sb.PeerVV().Get(1))

	relay(t, ctx, sa, sb) // byes

	_, err := sa.Feed(ctx)
	assert.Equal(t, io.EOF, err)
	_, err = sb.Feed(ctx)
	assert.Equal(t, io.EOF, err)

	assert.NoError(t, sa.Close())
	assert.NoError(t, sb.Close())
}

func TestSyncerLive(t *testing.T) {
	ctx := context.Background()
	da := newTestDoc(1)
	da.InsertText(0, "live")
	db := newTestDoc(2)

	sa := NewSyncer(da, "b", SyncRWLive)
	sb := NewSyncer(db, "a", SyncRWLive)

	relay(t, ctx, sa, sb) // handshakes
	relay(t, ctx, sa, sb) // diffs
	assert.Equal(t, "live", db.Text())

	// a commit after the diff travels over the registered feed
	da.InsertText(4, "!")
	assert.NoError(t, protocol.Relay(ctx, sa, sb))
	assert.Equal(t, "live!", db.Text())

	db.InsertText(0, "go ")
	assert.NoError(t, protocol.Relay(ctx, sb, sa))
	assert.Equal(t, "go live!", da.Text())
	assert.Equal(t, da.Text(), db.Text())

	assert.NoError(t, sa.Close())
	assert.NoError(t, sb.Close())

	// the feed is gone, commits no longer queue for this connection
	recs, err := sa.Feed(ctx)
	assert.NoError(t, err)
	assert.Equal(t, byte('B'), protocol.Lit(recs[0]))
}

func TestSyncerAwareness(t *testing.T) {
	ctx := context.Background()
	da := newTestDoc(1)
	db := newTestDoc(2)

	sa := NewSyncer(da, "b", SyncRWLive)
	sb := NewSyncer(db, "a", SyncRWLive)
	sa.Awareness = awareness.NewTable(1)
	sb.Awareness = awareness.NewTable(2)

	relay(t, ctx, sa, sb) // handshakes
	relay(t, ctx, sa, sb) // diffs

	rec := sa.Awareness.SetLocalState([]byte(`{"cursor":0}`))
	assert.NoError(t, sa.Announce(ctx, rec))
	assert.NoError(t, protocol.Relay(ctx, sa, sb))

	states := sb.Awareness.States()
	assert.Len(t, states, 1)
	assert.Equal(t, uint32(1), states[0].Site)

	assert.NoError(t, sa.Close())
	assert.Equal(t, ErrClosed, sa.Announce(ctx, rec))
	assert.NoError(t, sb.Close())
}

func TestSyncerReadOnlyPeer(t *testing.T) {
	ctx := context.Background()
	da := newTestDoc(1)
	da.InsertText(0, "secret")
	db := newTestDoc(2)

	sa := NewSyncer(da, "b", SyncRW)
	sb := NewSyncer(db, "a", SyncRead)

	relay(t, ctx, sa, sb) // handshakes

	// the effective mode is the intersection, so the writer side
	// ends up write-less and sends an empty diff
	recs, err := sa.Feed(ctx)
	assert.NoError(t, err)
	assert.Len(t, recs, 0)
	assert.Equal(t, "", db.Text())

	assert.NoError(t, sa.Close())
	assert.NoError(t, sb.Close())
}

func TestSyncerBadHandshake(t *testing.T) {
	ctx := context.Background()
	db := newTestDoc(2)
	sb := NewSyncer(db, "a", SyncRW)

	err := sb.Drain(ctx, protocol.Records{protocol.Record('X', []byte("junk"))})
	assert.Equal(t, ErrBadHandshake, err)

	// the connection is spent after a failed handshake
	err = sb.Drain(ctx, protocol.Records{protocol.Record('U')})
	assert.Equal(t, ErrClosed, err)

	// the bye record carries the failure reason
	sb.SetFeedState(SendEOF)
	recs, err := sb.Feed(ctx)
	assert.NoError(t, err)
	assert.Equal(t, byte('B'), protocol.Lit(recs[0]))

	assert.NoError(t, sb.Close())
}
