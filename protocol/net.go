package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/weavedoc/weave/utils"
)

var (
	ErrAddressInvalid    = errors.New("invalid address")
	ErrAddressDuplicated = errors.New("address already in use")
	ErrAddressUnknown    = errors.New("address unknown")
)

const (
	typicalMTU     = 1500
	minRetryPeriod = time.Second / 2
	maxRetryPeriod = time.Minute
)

// InstallCallback makes the protocol endpoint for a fresh connection;
// DestroyCallback tears it down once the connection dies.
type InstallCallback func(name string) FeedDrainCloser
type DestroyCallback func(name string)

// Net keeps a set of outgoing and accepted connections, each pumping
// records both ways between a net.Conn and an installed endpoint. This
// is streaming fan-out, not request/response: tons of tiny messages,
// no thread parked per request, and one slow receiver must not stall
// the rest.
type Net struct {
	closed atomic.Bool
	wg     sync.WaitGroup
	log    utils.Logger

	onInstall InstallCallback
	onDestroy DestroyCallback

	conns   *xsync.MapOf[string, *Peer]
	listens *xsync.MapOf[string, net.Listener]

	TlsConfig *tls.Config
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback) *Net {
	return &Net{
		log:       log,
		conns:     xsync.NewMapOf[string, *Peer](),
		listens:   xsync.NewMapOf[string, net.Listener](),
		onInstall: install,
		onDestroy: destroy,
	}
}

func (n *Net) Close() error {
	n.closed.Store(true)
	n.listens.Range(func(_ string, l net.Listener) bool {
		_ = l.Close()
		return true
	})
	n.listens.Clear()
	n.conns.Range(func(_ string, p *Peer) bool {
		if p != nil { // nil while a dial is still in flight
			p.Close()
		}
		return true
	})
	n.conns.Clear()
	n.wg.Wait()
	return nil
}

// Connect dials addr and keeps redialing with exponential backoff
// until Close or ctx cancellation.
func (n *Net) Connect(ctx context.Context, addr string) error {
	if _, ok := n.conns.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.keepConnecting(ctx, addr)
	}()
	return nil
}

func (n *Net) Disconnect(addr string) error {
	peer, ok := n.conns.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}
	if peer != nil {
		peer.Close()
	}
	return nil
}

func (n *Net) Listen(ctx context.Context, addr string) error {
	if _, ok := n.listens.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}
	listener, err := n.createListener(ctx, addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)
	n.log.Info("net: listening", "addr", addr)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.keepListening(ctx, addr)
	}()
	return nil
}

func (n *Net) Unlisten(addr string) error {
	listener, ok := n.listens.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}
	return listener.Close()
}

func (n *Net) keepConnecting(ctx context.Context, addr string) {
	backoff := minRetryPeriod
	for !n.closed.Load() && ctx.Err() == nil {
		conn, err := n.createConn(ctx, addr)
		if err != nil {
			n.log.Error("net: couldn't connect", "addr", addr, "err", err)
			time.Sleep(backoff)
			backoff = min(maxRetryPeriod, backoff*2)
			continue
		}
		n.log.Info("net: connected", "addr", addr)
		backoff = minRetryPeriod
		n.keepPeer(ctx, fmt.Sprintf("connect:%s", addr), conn)
	}
}

func (n *Net) keepListening(ctx context.Context, addr string) {
	for !n.closed.Load() && ctx.Err() == nil {
		listener, ok := n.listens.Load(addr)
		if !ok {
			break
		}
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			// reconnects are the client's problem
			n.log.Error("net: accept failed", "addr", addr, "err", err)
			continue
		}
		remote := conn.RemoteAddr().String()
		n.log.Info("net: accepted", "addr", addr, "remote", remote)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(ctx, fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remote), conn)
		}()
	}
	if l, ok := n.listens.LoadAndDelete(addr); ok {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			n.log.Error("net: listener close failed", "addr", addr, "err", err)
		}
	}
	n.log.Info("net: listener closed", "addr", addr)
}

func (n *Net) keepPeer(ctx context.Context, name string, conn net.Conn) {
	peer := &Peer{inout: n.onInstall(name), conn: conn}
	n.conns.Store(name, peer)

	rerr, werr := peer.Keep(ctx)
	if rerr != nil {
		n.log.Error("net: read failed", "name", name, "err", rerr)
	}
	if werr != nil {
		n.log.Error("net: write failed", "name", name, "err", werr)
	}

	n.conns.Delete(name)
	n.onDestroy(name)
}

func (n *Net) createListener(ctx context.Context, addr string) (net.Listener, error) {
	useTls, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	config := net.ListenConfig{}
	listener, err := config.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if useTls {
		listener = tls.NewListener(listener, n.TlsConfig)
	}
	return listener, nil
}

func (n *Net) createConn(ctx context.Context, addr string) (net.Conn, error) {
	useTls, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	if useTls {
		d := tls.Dialer{Config: n.TlsConfig}
		return d.DialContext(ctx, "tcp", address)
	}
	d := net.Dialer{Timeout: time.Minute}
	return d.DialContext(ctx, "tcp", address)
}

func parseAddr(addr string) (useTls bool, address string, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return false, "", err
	}
	switch u.Scheme {
	case "", "tcp", "tcp4", "tcp6":
	case "tls":
		useTls = true
	default:
		return false, addr, ErrAddressInvalid
	}
	u.Scheme = ""
	return useTls, strings.TrimPrefix(u.String(), "//"), nil
}
