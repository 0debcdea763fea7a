package transport

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

	"github.com/drpcorg/collabdb/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type ConnType = uint

const (
	TCP ConnType = iota + 1
	TLS
)

const TYPICAL_MTU = 1500

var (
	ErrAddressInvalid    = errors.New("transport: address invalid")
	ErrAddressDuplicated = errors.New("transport: address duplicated")
	ErrAddressUnknown    = errors.New("transport: address unknown")
)

// InstallCallback makes the endpoint of a new connection; name is
// "connect:<addr>" or "listen:<id>:<remote addr>".
type InstallCallback func(name string) FeedDrainCloserTraced
type DestroyCallback func(name string, p Traced)

type NetOptions struct {
	TLSConfig      *tls.Config
	MinRetryPeriod time.Duration
	MaxRetryPeriod time.Duration
	Logger         utils.Logger
}

func (o *NetOptions) SetDefaults() {
	if o.MinRetryPeriod <= 0 {
		o.MinRetryPeriod = time.Second / 2
	}
	if o.MaxRetryPeriod < o.MinRetryPeriod {
		o.MaxRetryPeriod = time.Minute
	}
	if o.Logger == nil {
		o.Logger = utils.NopLogger()
	}
}

// Net keeps listeners and outgoing connections alive. Outgoing
// connections are redialed with a backoff until Disconnect or Close.
// One slow peer never holds up the others: every peer has its own
// read and write loops.
type Net struct {
	closed atomic.Bool
	wg     sync.WaitGroup
	opts   NetOptions
	log    utils.Logger

	onInstall InstallCallback
	onDestroy DestroyCallback

	conns   *xsync.MapOf[string, *Peer]
	listens *xsync.MapOf[string, net.Listener]
}

func NewNet(install InstallCallback, destroy DestroyCallback, opts NetOptions) *Net {
	opts.SetDefaults()
	return &Net{
		opts:      opts,
		log:       opts.Logger,
		onInstall: install,
		onDestroy: destroy,
		conns:     xsync.NewMapOf[string, *Peer](),
		listens:   xsync.NewMapOf[string, net.Listener](),
	}
}

func (n *Net) Close() error {
	n.closed.Store(true)

	n.listens.Range(func(_ string, l net.Listener) bool {
		if l != nil {
			_ = l.Close()
		}
		return true
	})
	n.listens.Clear()

	n.conns.Range(func(_ string, p *Peer) bool {
		// nil while still dialing
		if p != nil {
			p.Close()
		}
		return true
	})
	n.conns.Clear()

	n.wg.Wait()
	return nil
}

// Connect dials addr in the background and keeps redialing.
func (n *Net) Connect(ctx context.Context, addr string) error {
	// the nil placeholder blocks a second Connect while dialing
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
	p, ok := n.conns.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}
	if p != nil {
		p.Close()
	}
	return nil
}

// Listen starts accepting on addr. The bound address is available
// through ListenAddr, handy with port 0.
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
	n.log.Info("net: listening", "addr", addr, "local", listener.Addr().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.keepListening(ctx, addr)
	}()
	return nil
}

func (n *Net) ListenAddr(addr string) (net.Addr, bool) {
	l, ok := n.listens.Load(addr)
	if !ok || l == nil {
		return nil, false
	}
	return l.Addr(), true
}

func (n *Net) Unlisten(addr string) error {
	l, ok := n.listens.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}
	if l == nil {
		return nil
	}
	return l.Close()
}

func (n *Net) keepConnecting(ctx context.Context, addr string) {
	backoff := n.opts.MinRetryPeriod
	name := "connect:" + addr
	for !n.closed.Load() && ctx.Err() == nil {
		if _, ok := n.conns.Load(addr); !ok {
			return // disconnected
		}
		conn, err := n.createConn(ctx, addr)
		if err != nil {
			n.log.Error("net: couldn't connect", "name", name, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(n.opts.MaxRetryPeriod, backoff*2)
			continue
		}
		n.log.Info("net: connected", "name", name)
		backoff = n.opts.MinRetryPeriod
		n.keepPeer(ctx, addr, name, conn)
	}
}

func (n *Net) keepListening(ctx context.Context, addr string) {
	for !n.closed.Load() && ctx.Err() == nil {
		l, ok := n.listens.Load(addr)
		if !ok || l == nil {
			break
		}
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			// reconnects are the client's problem
			n.log.Error("net: couldn't accept", "addr", addr, "err", err)
			continue
		}
		remote := conn.RemoteAddr().String()
		n.log.Info("net: accepted", "addr", addr, "remote", remote)
		name := fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remote)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(ctx, name, name, conn)
		}()
	}
	if l, ok := n.listens.LoadAndDelete(addr); ok && l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			n.log.Error("net: couldn't close listener", "addr", addr, "err", err)
		}
	}
	n.log.Info("net: listener closed", "addr", addr)
}

// keepPeer runs one connection to its end. key is the conns entry.
func (n *Net) keepPeer(ctx context.Context, key, name string, conn net.Conn) {
	peer := &Peer{inout: n.onInstall(name), conn: conn}
	n.conns.Store(key, peer)

	rerr, werr, cerr := peer.Keep(ctx)
	if rerr != nil {
		n.log.Error("net: couldn't read from peer", "name", name, "err", rerr, "trace_id", peer.GetTraceId())
	}
	if werr != nil {
		n.log.Error("net: couldn't write to peer", "name", name, "err", werr, "trace_id", peer.GetTraceId())
	}
	if cerr != nil {
		n.log.Error("net: couldn't close peer", "name", name, "err", cerr, "trace_id", peer.GetTraceId())
	}

	// an outgoing entry stays (as a placeholder) until Disconnect
	if key == name {
		n.conns.Delete(key)
	} else {
		n.conns.Compute(key, func(old *Peer, loaded bool) (*Peer, bool) {
			if !loaded {
				return nil, true
			}
			if old == peer {
				return nil, false
			}
			return old, false
		})
	}
	n.onDestroy(name, peer)
}

func (n *Net) createListener(ctx context.Context, addr string) (net.Listener, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	config := net.ListenConfig{}
	listener, err := config.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		listener = tls.NewListener(listener, n.opts.TLSConfig)
	}
	return listener, nil
}

func (n *Net) createConn(ctx context.Context, addr string) (net.Conn, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		d := tls.Dialer{Config: n.opts.TLSConfig}
		return d.DialContext(ctx, "tcp", address)
	}
	d := net.Dialer{Timeout: time.Minute}
	return d.DialContext(ctx, "tcp", address)
}

func parseAddr(addr string) (ConnType, string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return TCP, "", err
	}
	var conn ConnType
	switch u.Scheme {
	case "", "tcp", "tcp4", "tcp6":
		conn = TCP
	case "tls":
		conn = TLS
	default:
		return conn, addr, ErrAddressInvalid
	}
	u.Scheme = ""
	return conn, strings.TrimPrefix(u.String(), "//"), nil
}
