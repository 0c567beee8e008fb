package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/weavedoc/weave"
	"github.com/weavedoc/weave/protocol"
	"github.com/weavedoc/weave/utils"
)

func TestLoopPassesRecords(t *testing.T) {
	ctx := context.Background()
	a, b := Loop()

	sent := protocol.Records{protocol.Record('U', []byte("one")), protocol.Record('U', []byte("two"))}
	assert.NoError(t, a.Drain(ctx, sent))

	got, err := b.Feed(ctx)
	assert.NoError(t, err)
	assert.Equal(t, sent, got)

	// each direction is its own queue
	assert.NoError(t, b.Drain(ctx, protocol.Records{protocol.Record('U', []byte("back"))}))
	got, err = a.Feed(ctx)
	assert.NoError(t, err)
	assert.Len(t, got, 1)

	assert.NoError(t, a.Close())
	_, err = b.Feed(ctx)
	assert.Equal(t, utils.ErrClosed, err)
	assert.Equal(t, utils.ErrClosed, b.Drain(ctx, sent))
}

func TestLoopSyncsDocuments(t *testing.T) {
	ctx := context.Background()
	da := weave.NewDoc(weave.Options{Site: 1})
	db := weave.NewDoc(weave.Options{Site: 2})
	da.InsertText(0, "over the wire")

	ea, eb := Loop()
	sa := weave.NewSyncer(da, "loop", weave.SyncRWLive)
	sb := weave.NewSyncer(db, "loop", weave.SyncRWLive)

	// exchange moves one batch each way through the loop
	exchange := func() {
		assert.NoError(t, protocol.Relay(ctx, sa, ea))
		assert.NoError(t, protocol.Relay(ctx, eb, sb))
		assert.NoError(t, protocol.Relay(ctx, sb, eb))
		assert.NoError(t, protocol.Relay(ctx, ea, sa))
	}
	exchange() // handshakes
	exchange() // diffs
	assert.Equal(t, "over the wire", db.Text())

	db.InsertText(0, "live ")
	assert.NoError(t, protocol.Relay(ctx, sb, eb))
	assert.NoError(t, protocol.Relay(ctx, ea, sa))
	assert.Equal(t, "live over the wire", da.Text())

	assert.NoError(t, sa.Close())
	assert.NoError(t, sb.Close())
	assert.NoError(t, ea.Close())
	assert.NoError(t, eb.Close())
}
