package protocol

import (
	"context"
	"io"
)

// Feeder produces batches of records. The EoF convention follows
// io.Reader: a feeder may return records together with io.EOF, or
// return them first and io.EOF on the next call.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

// Drainer consumes batches of records.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type FeedCloser interface {
	Feeder
	io.Closer
}

type DrainCloser interface {
	Drainer
	io.Closer
}

// FeedDrainCloser is the channel contract every transport satisfies:
// an in-process bus, a TCP peer and a WebSocket all look the same to
// the sync and awareness protocols.
type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Relay moves one batch from the feeder to the drainer.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if len(recs) > 0 {
		if derr := drainer.Drain(ctx, recs); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// Pump relays until an error (typically io.EOF) or ctx cancellation.
func Pump(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}

// PumpThenClose pumps until either side fails, then closes both ends.
// The feed error wins over the drain error.
func PumpThenClose(ctx context.Context, feed FeedCloser, drain DrainCloser) error {
	var ferr, derr error
	for ferr == nil && derr == nil {
		var recs Records
		recs, ferr = feed.Feed(ctx)
		if len(recs) > 0 {
			derr = drain.Drain(ctx, recs)
		}
	}
	_ = feed.Close()
	_ = drain.Close()
	if ferr != nil && ferr != io.EOF {
		return ferr
	}
	return derr
}
