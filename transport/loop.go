/*
Package transport provides channels that move update frames between
replicas. Every channel implements protocol.FeedDrainCloser, so the
sync layer cannot tell an in-process loop from a WebSocket from a
Redis topic. A dropped connection only loses undelivered frames; the
next handshake resends whatever is missing.
*/
package transport

import (
	"context"

	"github.com/weavedoc/weave/protocol"
	"github.com/weavedoc/weave/utils"
)

const (
	loopLimit = 1 << 22
	loopBatch = 1 << 16
)

// loopEnd is one side of an in-process pair: it feeds from its own
// queue and drains into the other side's.
type loopEnd struct {
	in  *utils.RecordQueue[protocol.Records]
	out *utils.RecordQueue[protocol.Records]
}

// Loop makes a connected pair of in-process channels, mostly for
// tests and single-process setups where two documents sync without a
// network.
func Loop() (a, b protocol.FeedDrainCloser) {
	ab := utils.NewRecordQueue[protocol.Records](loopLimit, loopBatch)
	ba := utils.NewRecordQueue[protocol.Records](loopLimit, loopBatch)
	return &loopEnd{in: ba, out: ab}, &loopEnd{in: ab, out: ba}
}

func (l *loopEnd) Feed(ctx context.Context) (protocol.Records, error) {
	return l.in.Feed(ctx)
}

func (l *loopEnd) Drain(ctx context.Context, recs protocol.Records) error {
	return l.out.Drain(ctx, recs)
}

func (l *loopEnd) Close() error {
	_ = l.in.Close()
	return l.out.Close()
}
