package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Peer pumps records between one net.Conn and one protocol endpoint:
// a read loop splits the byte stream into whole TLV records and drains
// them into the endpoint, a write loop feeds outgoing records onto the
// wire. A record split never crosses a read boundary half-applied; a
// truncated tail stays buffered until more bytes arrive.
type Peer struct {
	closed atomic.Bool
	wg     sync.WaitGroup

	conn  net.Conn
	inout FeedDrainCloser
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	sawEOF := false
	for !p.closed.Load() {
		if buf.Available() < typicalMTU {
			buf.Grow(typicalMTU)
		}
		idle := buf.AvailableBuffer()[:buf.Available()]
		n, err := p.conn.Read(idle)
		if n > 0 {
			sawEOF = false
			buf.Write(idle[:n])
			recs, serr := Split(&buf)
			if serr != nil {
				return serr
			}
			if len(recs) > 0 {
				if derr := p.inout.Drain(ctx, recs); derr != nil {
					return derr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// an EOF can precede bytes still in transit; two in a
				// row means the remote is done sending
				if sawEOF {
					return io.EOF
				}
				sawEOF = true
				time.Sleep(time.Millisecond)
				continue
			}
			return err
		}
	}
	return nil
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() && ctx.Err() == nil {
		recs, err := p.inout.Feed(ctx)
		if err != nil {
			return err
		}
		b := net.Buffers(recs)
		for len(b) > 0 {
			if _, err = b.WriteTo(p.conn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keep runs both pumps until either one fails, then shuts the
// connection down. Returns the read and write verdicts.
func (p *Peer) Keep(ctx context.Context) (rerr, werr error) {
	if p.closed.Load() {
		return nil, nil
	}
	p.wg.Add(2)

	readErr, writeErr := make(chan error, 1), make(chan error, 1)
	go func() { defer p.wg.Done(); readErr <- p.keepRead(ctx) }()
	go func() { defer p.wg.Done(); writeErr <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErr:
			if errors.Is(rerr, net.ErrClosed) || errors.Is(rerr, io.EOF) {
				// closed by us or cleanly by the remote
				rerr = nil
			}
		case werr = <-writeErr:
			// closing after the writer stops also unblocks the reader
			_ = p.conn.Close()
		}
		p.closed.Store(true)
	}
	p.conn = nil
	return
}

func (p *Peer) Close() {
	p.closed.Store(true)
	if p.conn != nil {
		_ = p.conn.Close()
	}
	_ = p.inout.Close()
	p.wg.Wait()
	p.conn = nil
}
