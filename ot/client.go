package ot

import "sync"

// ClientState is the client's position in the ack cycle.
type ClientState int

const (
	// Synchronized: no local op is in flight.
	Synchronized ClientState = iota
	// AwaitingAck: one op was sent and not yet committed.
	AwaitingAck
	// AwaitingWithBuffer: an op is in flight and later local edits
	// are composed into a buffer behind it.
	AwaitingWithBuffer
)

func (s ClientState) String() string {
	return []string{"Synchronized", "AwaitingAck", "AwaitingWithBuffer"}[s]
}

// SendFunc ships an op parented off the given revision to the server.
type SendFunc func(revision int, op *Op)

// Client mirrors the server document locally and keeps optimistic
// local edits consistent with the server's ordering. At most one op
// is ever in flight; everything typed behind it composes into a
// single buffered op, so a slow network costs round-trips, not
// correctness.
type Client struct {
	mu        sync.Mutex
	id        uint32
	text      string
	revision  int
	state     ClientState
	inflight  *Op
	buffer    *Op
	connected bool
	send      SendFunc
}

// NewClient starts from a server snapshot: its text, its revision.
func NewClient(id uint32, text string, revision int, send SendFunc) *Client {
	return &Client{
		id:        id,
		text:      text,
		revision:  revision,
		connected: true,
		send:      send,
	}
}

func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *Client) Revision() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ApplyLocal applies a local edit immediately and schedules it for
// the server.
func (c *Client) ApplyLocal(op *Op) error {
	c.mu.Lock()
	text, err := Apply(c.text, op)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.text = text
	var out *Op
	switch c.state {
	case Synchronized:
		if c.connected {
			c.inflight = op
			c.state = AwaitingAck
			out = op
		} else {
			// queue offline edits as a buffer with nothing in flight
			c.buffer = op
			c.state = AwaitingWithBuffer
		}
	case AwaitingAck:
		c.buffer = op
		c.state = AwaitingWithBuffer
	case AwaitingWithBuffer:
		c.buffer, err = Compose(c.buffer, op)
		if err != nil {
			c.mu.Unlock()
			return err
		}
	}
	rev := c.revision
	send := c.send
	c.mu.Unlock()

	if out != nil {
		send(rev, out)
	}
	return nil
}

// ApplyServer merges one committed op from the broadcast stream, in
// revision order. The client's own commits count as acks.
func (c *Client) ApplyServer(com Committed) error {
	c.mu.Lock()
	if com.Revision <= c.revision {
		c.mu.Unlock()
		return nil
	}
	if com.ClientID == c.id {
		out := c.ackLocked(com.Revision)
		rev := c.revision
		send := c.send
		c.mu.Unlock()
		if out != nil {
			send(rev, out)
		}
		return nil
	}

	op := com.Op
	var err error
	// rebase the remote op over everything we applied optimistically
	if c.inflight != nil {
		c.inflight, op, err = transformPair(c.inflight, op)
		if err != nil {
			c.mu.Unlock()
			return err
		}
	}
	if c.buffer != nil {
		c.buffer, op, err = transformPair(c.buffer, op)
		if err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.text, err = Apply(c.text, op)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.revision = com.Revision
	c.mu.Unlock()
	return nil
}

func transformPair(local, remote *Op) (localP, remoteP *Op, err error) {
	localP, remoteP, err = Transform(local, remote)
	return
}

// ackLocked advances past our own committed op and promotes the buffer
// to in-flight; the caller sends the returned op after unlocking.
func (c *Client) ackLocked(revision int) *Op {
	c.revision = revision
	c.inflight = nil
	switch c.state {
	case AwaitingAck:
		c.state = Synchronized
	case AwaitingWithBuffer:
		c.inflight = c.buffer
		c.buffer = nil
		c.state = AwaitingAck
		return c.inflight
	}
	return nil
}

// Disconnect stops sending; local edits keep applying and compose
// into the buffer.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Reconnect replays the committed ops missed while offline (from
// Server.Since), then resubmits whatever is pending. The replay acks an
// in-flight op that did reach the server before the link died (its
// commit carries our client id), so an op still in flight afterwards is
// known lost and safe to send again.
func (c *Client) Reconnect(missed []Committed) error {
	for _, com := range missed {
		if err := c.ApplyServer(com); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.connected = true
	var out *Op
	switch {
	case c.inflight != nil:
		// the replay rebased it onto the current revision already
		out = c.inflight
	case c.state == AwaitingWithBuffer:
		// offline edits were buffered with nothing in flight
		c.inflight = c.buffer
		c.buffer = nil
		c.state = AwaitingAck
		out = c.inflight
	}
	rev := c.revision
	send := c.send
	c.mu.Unlock()

	if out != nil {
		send(rev, out)
	}
	return nil
}
