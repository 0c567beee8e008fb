package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type submission struct {
	revision int
	op       *Op
}

// wire collects a client's outgoing submissions so the test can pump
// them through the server one at a time.
func wire() (SendFunc, chan submission) {
	ch := make(chan submission, 16)
	return func(revision int, op *Op) {
		ch <- submission{revision, op}
	}, ch
}

func TestServerOrdersConcurrentClients(t *testing.T) {
	srv := NewServer("", 0)
	send1, out1 := wire()
	send2, out2 := wire()
	c1 := NewClient(1, "", 0, send1)
	c2 := NewClient(2, "", 0, send2)

	assert.NoError(t, c1.ApplyLocal(new(Op).Insert("world")))
	assert.NoError(t, c2.ApplyLocal(new(Op).Insert("hello")))
	assert.Equal(t, "world", c1.Text())
	assert.Equal(t, "hello", c2.Text())

	// client 1's submission reaches the server first
	sub := <-out1
	com, err := srv.Receive(1, sub.revision, sub.op)
	assert.NoError(t, err)
	assert.NoError(t, c1.ApplyServer(com))
	assert.NoError(t, c2.ApplyServer(com))

	sub = <-out2
	com, err = srv.Receive(2, sub.revision, sub.op)
	assert.NoError(t, err)
	assert.NoError(t, c1.ApplyServer(com))
	assert.NoError(t, c2.ApplyServer(com))

	assert.Equal(t, "helloworld", srv.Text())
	assert.Equal(t, srv.Text(), c1.Text())
	assert.Equal(t, srv.Text(), c2.Text())
	assert.Equal(t, 2, srv.Revision())
	assert.Equal(t, Synchronized, c1.State())
	assert.Equal(t, Synchronized, c2.State())
}

func TestClientBuffersBehindInflight(t *testing.T) {
	srv := NewServer("", 0)
	send, out := wire()
	c := NewClient(1, "", 0, send)

	assert.NoError(t, c.ApplyLocal(new(Op).Insert("a")))
	assert.NoError(t, c.ApplyLocal(new(Op).Retain(1).Insert("b")))
	assert.NoError(t, c.ApplyLocal(new(Op).Retain(2).Insert("c")))
	assert.Equal(t, "abc", c.Text())
	assert.Equal(t, AwaitingWithBuffer, c.State())

	// ack of "a" flushes "bc" as one composed op, before ApplyServer
	// returns
	sub := <-out
	com, err := srv.Receive(1, sub.revision, sub.op)
	assert.NoError(t, err)
	assert.NoError(t, c.ApplyServer(com))
	assert.Equal(t, AwaitingAck, c.State())
	assert.Len(t, out, 1)

	sub = <-out
	com, err = srv.Receive(1, sub.revision, sub.op)
	assert.NoError(t, err)
	assert.NoError(t, c.ApplyServer(com))

	assert.Equal(t, "abc", srv.Text())
	assert.Equal(t, 2, srv.Revision())
	assert.Equal(t, Synchronized, c.State())
}

func TestServerStaleRevision(t *testing.T) {
	srv := NewServer("", 1)
	_, err := srv.Receive(9, 0, new(Op).Insert("x"))
	assert.NoError(t, err)
	_, err = srv.Receive(9, 1, new(Op).Retain(1).Insert("y"))
	assert.NoError(t, err)

	// revision 0 fell out of the retained log
	_, err = srv.Receive(9, 0, new(Op).Insert("z"))
	assert.Equal(t, ErrStaleRevision, err)
	_, err = srv.Since(0)
	assert.Equal(t, ErrStaleRevision, err)

	missed, err := srv.Since(1)
	assert.NoError(t, err)
	assert.Len(t, missed, 1)
	assert.Equal(t, 2, missed[0].Revision)
}

func TestClientOfflineReconnect(t *testing.T) {
	srv := NewServer("", 0)
	send, out := wire()
	c := NewClient(1, "", 0, send)

	c.Disconnect()
	assert.NoError(t, c.ApplyLocal(new(Op).Insert("x")))
	assert.Equal(t, "x", c.Text())
	assert.Len(t, out, 0)

	// another client commits while we are away
	_, err := srv.Receive(2, 0, new(Op).Insert("hello"))
	assert.NoError(t, err)

	missed, err := srv.Since(c.Revision())
	assert.NoError(t, err)
	assert.NoError(t, c.Reconnect(missed))
	assert.Equal(t, "xhello", c.Text())

	// the buffered offline edit goes out rebased on the missed commits
	sub := <-out
	com, err := srv.Receive(1, sub.revision, sub.op)
	assert.NoError(t, err)
	assert.NoError(t, c.ApplyServer(com))

	assert.Equal(t, "xhello", srv.Text())
	assert.Equal(t, srv.Text(), c.Text())
	assert.Equal(t, Synchronized, c.State())
}

func TestClientResubmitsLostOp(t *testing.T) {
	srv := NewServer("base", 0)
	send, out := wire()
	c := NewClient(1, "base", 0, send)

	assert.NoError(t, c.ApplyLocal(new(Op).Retain(4).Insert("!")))
	<-out // lost on the wire
	assert.NoError(t, c.ApplyLocal(new(Op).Retain(5).Insert("?")))
	c.Disconnect()
	assert.Equal(t, "base!?", c.Text())

	// another client commits while we are away
	_, err := srv.Receive(2, 0, new(Op).Insert(">"))
	assert.NoError(t, err)

	missed, err := srv.Since(c.Revision())
	assert.NoError(t, err)
	assert.NoError(t, c.Reconnect(missed))
	assert.Equal(t, ">base!?", c.Text())

	// the lost op goes out again, rebased onto the missed commit
	sub := <-out
	com, err := srv.Receive(1, sub.revision, sub.op)
	assert.NoError(t, err)
	assert.NoError(t, c.ApplyServer(com))

	sub = <-out // the ack flushed the buffered "?"
	com, err = srv.Receive(1, sub.revision, sub.op)
	assert.NoError(t, err)
	assert.NoError(t, c.ApplyServer(com))

	assert.Equal(t, ">base!?", srv.Text())
	assert.Equal(t, srv.Text(), c.Text())
	assert.Equal(t, Synchronized, c.State())
}

func TestClientReconnectDoesNotDuplicateAckedOp(t *testing.T) {
	srv := NewServer("base", 0)
	send, out := wire()
	c := NewClient(1, "base", 0, send)

	assert.NoError(t, c.ApplyLocal(new(Op).Retain(4).Insert("!")))
	sub := <-out
	_, err := srv.Receive(1, sub.revision, sub.op)
	assert.NoError(t, err)

	// the commit happened but its broadcast never arrived
	c.Disconnect()
	missed, err := srv.Since(c.Revision())
	assert.NoError(t, err)
	assert.NoError(t, c.Reconnect(missed))

	// the replay acked it, so nothing is sent again
	assert.Len(t, out, 0)
	assert.Equal(t, Synchronized, c.State())
	assert.Equal(t, "base!", srv.Text())
	assert.Equal(t, srv.Text(), c.Text())
	assert.Equal(t, 1, c.Revision())
}

func TestServerSubscribe(t *testing.T) {
	srv := NewServer("", 0)
	var seen []Committed
	cancel := srv.Subscribe(func(com Committed) {
		seen = append(seen, com)
	})

	_, err := srv.Receive(1, 0, new(Op).Insert("a"))
	assert.NoError(t, err)
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, seen[0].Revision)

	cancel()
	_, err = srv.Receive(1, 1, new(Op).Retain(1).Insert("b"))
	assert.NoError(t, err)
	assert.Len(t, seen, 1)
}
