package core

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

// ConnEvent reports a connection lifecycle change to the event loop:
// a successful accept, a successful outgoing connect, or a connection
// that stopped reading (Err set, possibly nil for a clean peer-sent
// MSG_CLOSE). Exactly one ConnEvent per physical socket transition,
// matching the poll callback additions/removals in
// original_source/fakedlm.c's incoming_connection/outgoing_connection/
// proto_close.
type ConnEvent struct {
	Node *types.Node
	Conn net.Conn

	// Outgoing is true if this daemon initiated the connection
	// (connect_to_peers), false if it was accepted
	// (incoming_connection).
	Outgoing bool

	// Closed is true when this event reports the connection ending
	// rather than starting.
	Closed bool
	Err    error
}

// InboundMessage is a decoded frame read off a peer connection,
// delivered to the event loop for protocol dispatch (proto_read's
// switch in the original).
type InboundMessage struct {
	Node *types.Node
	Conn net.Conn
	Msg  types.Message
}

// Transport owns the listening sockets and per-connection read loops
// for the peer control protocol. Connection-dedup policy belongs to the
// single event-loop goroutine; Transport only reports raw connection
// and message events on the channels given to NewTransport.
type Transport struct {
	port    int
	log     types.Logger
	invoker Invoker

	events   chan ConnEvent
	inbound  chan InboundMessage

	mu        sync.Mutex
	listeners []net.Listener
}

// NewTransport builds a Transport that reports connection and message
// events on events/inbound. Both channels must be drained by the
// event loop or readers will block.
func NewTransport(port int, log types.Logger, invoker Invoker, events chan ConnEvent, inbound chan InboundMessage) *Transport {
	return &Transport{
		port:    port,
		log:     log,
		invoker: invoker,
		events:  events,
		inbound: inbound,
	}
}

// Listen binds IPv4 and IPv6 listeners on port, setting SO_REUSEADDR
// and, for the v6 socket, IPV6_V6ONLY so the two stacks coexist
// independently. original_source/fakedlm.c's listen_to_peers() binds
// the same dual-stack pair with the same two socket options. nodes is
// used to map an accepted peer address back to a configured Node.
func (t *Transport) Listen(nodes []*types.Node) error {
	for _, network := range []string{"tcp4", "tcp6"} {
		ln, err := t.listenOne(network)
		if err != nil {
			return errors.Wrapf(err, "listening on %s:%d", network, t.port)
		}
		if ln == nil {
			continue
		}
		t.mu.Lock()
		t.listeners = append(t.listeners, ln)
		t.mu.Unlock()
		t.invoker.Spawn(func() { t.acceptLoop(ln, nodes) })
	}
	return nil
}

func (t *Transport) listenOne(network string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: controlReuseAddr(network),
	}
	addr := net.JoinHostPort("", strconv.Itoa(t.port))
	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		if network == "tcp6" {
			// Dual-stack not available on this host; IPv4 alone
			// still lets the daemon function, matching
			// listen_to_peers()'s tolerance of a single family.
			return nil, nil
		}
		return nil, err
	}
	return ln, nil
}

// controlReuseAddr returns a net.ListenConfig.Control func applying
// SO_REUSEADDR (both families) and IPV6_V6ONLY (tcp6 only), the same
// options original_source/fakedlm.c sets before bind().
func controlReuseAddr(network string) func(string, string, syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var setErr error
		err := c.Control(func(fd uintptr) {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
				setErr = e
				return
			}
			if network == "tcp6" {
				if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); e != nil {
					setErr = e
				}
			}
		})
		if err != nil {
			return err
		}
		return setErr
	}
}

func (t *Transport) acceptLoop(ln net.Listener, nodes []*types.Node) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		node := matchNode(conn.RemoteAddr(), nodes)
		if node == nil {
			t.log.Warnf("incoming connection from unconfigured address %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		t.events <- ConnEvent{Node: node, Conn: conn, Outgoing: false}
		t.invoker.Spawn(func() { t.readLoop(node, conn) })
	}
}

// Dial connects to node's first address in non-blocking style
// (connect_to_peers()). It is safe to call concurrently for distinct
// nodes; the result, success or failure, is reported as a ConnEvent.
func (t *Transport) Dial(node *types.Node) {
	t.invoker.Spawn(func() {
		if len(node.Addrs) == 0 {
			t.events <- ConnEvent{Node: node, Closed: true, Err: errors.New("no addresses")}
			return
		}
		addr := net.JoinHostPort(node.Addrs[0], strconv.Itoa(t.port))
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.events <- ConnEvent{Node: node, Closed: true, Err: err}
			return
		}
		t.events <- ConnEvent{Node: node, Conn: conn, Outgoing: true}
		t.readLoop(node, conn)
	})
}

// readLoop reads fixed-size frames from conn until error or EOF, then
// reports a Closed ConnEvent. Generalizes proto_read()'s loop from
// edge-triggered poll(2) to a blocking read per goroutine.
func (t *Transport) readLoop(node *types.Node, conn net.Conn) {
	buf := make([]byte, types.MessageLen)
	for {
		if _, err := readFull(conn, buf); err != nil {
			t.events <- ConnEvent{Node: node, Conn: conn, Closed: true, Err: ignoreEOF(err)}
			return
		}
		msg, err := types.DecodeMessage(buf)
		if err != nil {
			t.log.Errorf("dropping malformed frame from node %d: %v", node.ID, err)
			continue
		}
		t.inbound <- InboundMessage{Node: node, Conn: conn, Msg: msg}
		if msg.Type == types.MsgClose {
			conn.Close()
			return
		}
	}
}

func ignoreEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Send writes msg to conn. A failed write is reported through the
// caller's normal readLoop-driven Closed event once the peer notices;
// Send itself only surfaces unrecoverable local errors.
func Send(conn net.Conn, msg types.Message) error {
	buf, err := msg.Encode()
	if err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

// matchNode finds the configured node whose resolved addresses include
// addr's host, the Go analogue of sockaddr_to_node().
func matchNode(addr net.Addr, nodes []*types.Node) *types.Node {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	for _, n := range nodes {
		for _, a := range n.Addrs {
			if a == host {
				return n
			}
		}
	}
	return nil
}

// Close closes every listener the transport opened.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, ln := range t.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
