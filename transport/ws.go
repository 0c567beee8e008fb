package transport

import (
	"bytes"
	"context"
	"net/http"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/weavedoc/weave/protocol"
	"github.com/weavedoc/weave/utils"
)

// WSChannel adapts one WebSocket connection to the record channel
// contract. Records travel as binary messages; a message may carry
// several records joined back to back, and the TLV splitter rejects
// partial frames atomically.
type WSChannel struct {
	conn   *websocket.Conn
	closed atomic.Bool
	buf    bytes.Buffer
}

func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

func (ws *WSChannel) Feed(ctx context.Context) (protocol.Records, error) {
	if ws.closed.Load() {
		return nil, utils.ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.conn.SetReadDeadline(deadline)
	}
	for {
		kind, data, err := ws.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		ws.buf.Write(data)
		recs, err := protocol.Split(&ws.buf)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs, nil
		}
	}
}

func (ws *WSChannel) Drain(ctx context.Context, recs protocol.Records) error {
	if ws.closed.Load() {
		return utils.ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.conn.SetWriteDeadline(deadline)
	}
	return ws.conn.WriteMessage(websocket.BinaryMessage, protocol.Join(recs...))
}

func (ws *WSChannel) Close() error {
	if !ws.closed.CompareAndSwap(false, true) {
		return nil
	}
	return ws.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler serves sync connections over HTTP. Each accepted socket
// is handed to onConn named by the route's doc id; the callback owns
// the channel's lifetime.
func WSHandler(log utils.Logger, onConn func(docID string, ch protocol.FeedDrainCloser)) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/sync/{doc}", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Warn("ws: upgrade failed", "err", err)
			return
		}
		docID := mux.Vars(req)["doc"]
		log.Debug("ws: accepted", "doc", docID, "remote", conn.RemoteAddr().String())
		onConn(docID, NewWSChannel(conn))
	})
	return r
}

// DialWS connects to a sync endpoint, retrying with exponential
// backoff until ctx is cancelled or the server accepts.
func DialWS(ctx context.Context, url string, log utils.Logger) (*WSChannel, error) {
	var conn *websocket.Conn
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			log.Debug("ws: dial failed, retrying", "url", url, "err", err)
		}
		return err
	}, bo)
	if err != nil {
		return nil, err
	}
	log.Debug("ws: connected", "url", url)
	return NewWSChannel(conn), nil
}
