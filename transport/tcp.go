package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sarchlab/ports/codec"
	"github.com/sarchlab/ports/ports"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	peerSendBuffer          = 1024
)

// PeerHandler is told about peers that connect to a TCPTransport.
type PeerHandler func(node *ports.Node, peer ports.NodeName)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// TCPTransport connects a node to nodes in other processes. Each direction
// of a node pair uses its own TCP connection: a node dials the peers it
// sends to and reads from the peers that dial it.
//
// Wire format: every connection starts with a hello frame naming the
// sender, followed by one frame per event, as written by codec.
type TCPTransport struct {
	name       ports.NodeName
	listenAddr string
	codec      *codec.Codec
	logger     *zap.Logger
	onStatus   StatusHandler
	onPeer     PeerHandler

	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration

	node     *ports.Node
	listener net.Listener

	lock    sync.Mutex
	addrs   map[ports.NodeName]string
	peers   map[ports.NodeName]*tcpPeer
	inbound map[net.Conn]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type tcpPeer struct {
	name   ports.NodeName
	sendCh chan ports.Event

	lock sync.Mutex
	conn net.Conn
}

// TCPBuilder builds TCPTransports.
type TCPBuilder struct {
	listenAddr       string
	codec            *codec.Codec
	logger           *zap.Logger
	onStatus         StatusHandler
	onPeer           PeerHandler
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
}

// MakeTCPBuilder creates a builder with default settings.
func MakeTCPBuilder() TCPBuilder {
	return TCPBuilder{
		listenAddr:       "127.0.0.1:0",
		dialTimeout:      defaultDialTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
	}
}

// WithListenAddr sets the address Listen binds to.
func (b TCPBuilder) WithListenAddr(addr string) TCPBuilder {
	b.listenAddr = addr
	return b
}

// WithCodec sets the event codec.
func (b TCPBuilder) WithCodec(c *codec.Codec) TCPBuilder {
	b.codec = c
	return b
}

// WithLogger sets the logger.
func (b TCPBuilder) WithLogger(l *zap.Logger) TCPBuilder {
	b.logger = l
	return b
}

// WithStatusHandler sets the receiver of port status changes.
func (b TCPBuilder) WithStatusHandler(h StatusHandler) TCPBuilder {
	b.onStatus = h
	return b
}

// WithPeerHandler sets what is called when a peer dials in, before any of
// its events are delivered.
func (b TCPBuilder) WithPeerHandler(h PeerHandler) TCPBuilder {
	b.onPeer = h
	return b
}

// WithDialTimeout bounds connecting to a peer.
func (b TCPBuilder) WithDialTimeout(d time.Duration) TCPBuilder {
	b.dialTimeout = d
	return b
}

// WithWriteTimeout bounds every write to a peer.
func (b TCPBuilder) WithWriteTimeout(d time.Duration) TCPBuilder {
	b.writeTimeout = d
	return b
}

// Build creates the transport together with the node it serves. The node is
// built from nb with the transport as its delegate.
func (b TCPBuilder) Build(
	nb ports.Builder,
	name ports.NodeName,
) (*TCPTransport, *ports.Node) {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := b.codec
	if c == nil {
		c = codec.MakeBuilder().Build()
	}

	t := &TCPTransport{
		name:             name,
		listenAddr:       b.listenAddr,
		codec:            c,
		logger:           logger.With(zap.Stringer("node", name)),
		onStatus:         b.onStatus,
		onPeer:           b.onPeer,
		dialTimeout:      b.dialTimeout,
		handshakeTimeout: b.handshakeTimeout,
		writeTimeout:     b.writeTimeout,
		addrs:            make(map[ports.NodeName]string),
		peers:            make(map[ports.NodeName]*tcpPeer),
		inbound:          make(map[net.Conn]struct{}),
		done:             make(chan struct{}),
	}

	t.node = nb.WithDelegate(t).WithLogger(logger).Build(name)

	return t, t.node
}

// Node returns the node served by the transport.
func (t *TCPTransport) Node() *ports.Node {
	return t.node
}

// Listen starts accepting connections from peers.
func (t *TCPTransport) Listen(ctx context.Context) error {
	var lc net.ListenConfig

	listener, err := lc.Listen(ctx, "tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", t.listenAddr, err)
	}

	t.lock.Lock()
	t.listener = listener
	t.lock.Unlock()

	t.logger.Info("listening", zap.Stringer("addr", listener.Addr()))

	t.wg.Add(1)
	go t.acceptLoop(listener)

	return nil
}

// Addr returns the address the transport listens on, or an empty string
// before Listen.
func (t *TCPTransport) Addr() string {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.listener == nil {
		return ""
	}

	return t.listener.Addr().String()
}

// AddPeer tells the transport where to reach another node.
func (t *TCPTransport) AddPeer(name ports.NodeName, addr string) {
	t.lock.Lock()
	t.addrs[name] = addr
	t.lock.Unlock()
}

// ForwardEvent implements ports.NodeDelegate. Events are queued per peer
// and written by a goroutine that dials the peer on first use.
func (t *TCPTransport) ForwardEvent(to ports.NodeName, event ports.Event) {
	if to == t.name {
		if err := t.node.AcceptEvent(event); err != nil {
			t.logger.Warn("local event rejected", zap.Error(err))
		}

		return
	}

	p, err := t.peer(to)
	if errors.Is(err, ErrClosed) {
		return
	}

	if err != nil {
		t.logger.Warn("dropping event",
			zap.Stringer("to", to),
			zap.Stringer("type", event.Type()),
			zap.Error(err))
		t.loseAsync(to)

		return
	}

	select {
	case p.sendCh <- event:
	case <-t.done:
	}
}

// PortStatusChanged implements ports.NodeDelegate.
func (t *TCPTransport) PortStatusChanged(ref ports.PortRef) {
	if t.onStatus != nil {
		t.onStatus(t.node, ref)
	}
}

// Close stops listening, closes every connection and waits for the
// transport goroutines to finish.
func (t *TCPTransport) Close() error {
	var err error

	t.closeOnce.Do(func() {
		close(t.done)

		t.lock.Lock()
		if t.listener != nil {
			err = multierr.Append(err, ignoreClosed(t.listener.Close()))
		}

		for conn := range t.inbound {
			err = multierr.Append(err, ignoreClosed(conn.Close()))
		}

		peers := make([]*tcpPeer, 0, len(t.peers))
		for _, p := range t.peers {
			peers = append(peers, p)
		}
		t.lock.Unlock()

		for _, p := range peers {
			p.lock.Lock()
			if p.conn != nil {
				err = multierr.Append(err, ignoreClosed(p.conn.Close()))
			}
			p.lock.Unlock()
		}

		t.wg.Wait()
	})

	return err
}

func (t *TCPTransport) closing() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *TCPTransport) peer(name ports.NodeName) (*tcpPeer, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closing() {
		return nil, ErrClosed
	}

	if p, found := t.peers[name]; found {
		return p, nil
	}

	addr, found := t.addrs[name]
	if !found {
		return nil, fmt.Errorf("no address for node %s", name)
	}

	p := &tcpPeer{
		name:   name,
		sendCh: make(chan ports.Event, peerSendBuffer),
	}
	t.peers[name] = p

	t.wg.Add(1)
	go t.writeLoop(p, addr)

	return p, nil
}

func (t *TCPTransport) writeLoop(p *tcpPeer, addr string) {
	defer t.wg.Done()

	err := t.serveOutbound(p, addr)

	t.lock.Lock()
	if t.peers[p.name] == p {
		delete(t.peers, p.name)
	}
	t.lock.Unlock()

	p.lock.Lock()
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.lock.Unlock()

	if err != nil && !t.closing() {
		t.logger.Warn("connection to peer failed",
			zap.Stringer("peer", p.name),
			zap.String("addr", addr),
			zap.Error(err))
		t.lose(p.name)
	}
}

func (t *TCPTransport) serveOutbound(p *tcpPeer, addr string) error {
	dialer := net.Dialer{Timeout: t.dialTimeout}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return err
	}

	p.lock.Lock()
	p.conn = conn
	p.lock.Unlock()

	if t.closing() {
		return nil
	}

	w := bufio.NewWriter(conn)

	hello := codec.Frame{From: t.name, ListenAddr: t.Addr()}
	if err := t.write(conn, w, hello); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	t.logger.Debug("connected to peer",
		zap.Stringer("peer", p.name),
		zap.String("addr", addr))

	for {
		select {
		case <-t.done:
			return nil
		case event := <-p.sendCh:
			if err := t.writeBatch(conn, w, p, event); err != nil {
				return err
			}
		}
	}
}

// writeBatch writes the given event and every event already queued behind
// it, then flushes once.
func (t *TCPTransport) writeBatch(
	conn net.Conn,
	w *bufio.Writer,
	p *tcpPeer,
	event ports.Event,
) error {
	_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))

	for {
		err := t.codec.WriteFrame(w, codec.Frame{From: t.name, Event: event})
		if errors.Is(err, codec.ErrHandlesNotTransferable) {
			t.logger.Warn("dropping message with handles",
				zap.Stringer("peer", p.name),
				zap.Stringer("port", event.TargetPort()))
		} else if err != nil {
			return err
		}

		select {
		case event = <-p.sendCh:
			continue
		default:
		}

		return w.Flush()
	}
}

func (t *TCPTransport) write(conn net.Conn, w *bufio.Writer, f codec.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(t.handshakeTimeout))

	if err := t.codec.WriteFrame(w, f); err != nil {
		return err
	}

	return w.Flush()
}

func (t *TCPTransport) acceptLoop(listener net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !t.closing() {
				t.logger.Error("accepting connection", zap.Error(err))
			}

			return
		}

		t.lock.Lock()
		if t.closing() {
			t.lock.Unlock()
			_ = conn.Close()

			return
		}
		t.inbound[conn] = struct{}{}
		t.lock.Unlock()

		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.lock.Lock()
		delete(t.inbound, conn)
		t.lock.Unlock()

		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(t.handshakeTimeout))

	hello, err := t.codec.ReadFrame(r)
	if err != nil || hello.Event != nil || !hello.From.IsValid() {
		if !t.closing() {
			t.logger.Warn("bad hello",
				zap.Stringer("remote", conn.RemoteAddr()),
				zap.Error(err))
		}

		return
	}

	_ = conn.SetReadDeadline(time.Time{})

	from := hello.From
	t.logger.Debug("peer connected", zap.Stringer("peer", from))

	if hello.ListenAddr != "" {
		t.learnPeer(from, hello.ListenAddr)
	}

	if t.onPeer != nil {
		t.onPeer(t.node, from)
	}

	for {
		f, err := t.codec.ReadFrame(r)
		if err != nil {
			if t.closing() {
				return
			}

			if !errors.Is(err, io.EOF) {
				t.logger.Warn("reading from peer",
					zap.Stringer("peer", from),
					zap.Error(err))
			}

			t.lose(from)

			return
		}

		if f.Event == nil {
			continue
		}

		if err := t.node.AcceptEvent(f.Event); err != nil {
			t.logger.Warn("event rejected",
				zap.Stringer("peer", from),
				zap.Stringer("type", f.Event.Type()),
				zap.Error(err))
		}
	}
}

// learnPeer remembers where a peer that dialed in can be reached, unless
// its address was configured.
func (t *TCPTransport) learnPeer(name ports.NodeName, addr string) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, known := t.addrs[name]; known {
		return
	}

	t.addrs[name] = addr
}

func (t *TCPTransport) lose(peer ports.NodeName) {
	if err := t.node.LostConnectionToNode(peer); err != nil {
		t.logger.Warn("handling lost peer",
			zap.Stringer("peer", peer),
			zap.Error(err))
	}
}

// loseAsync reports a lost peer from a goroutine, since it is called from
// inside node callbacks.
func (t *TCPTransport) loseAsync(peer ports.NodeName) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.lose(peer)
	}()
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}
