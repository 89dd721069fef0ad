package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/relayinfo"
)

// TCP carries cells over plain TCP links. Peers exchange bare identity
// digests after connecting; real link authentication and encryption are
// a separate layer outside the circuit core.
type TCP struct {
	identity relayinfo.Digest
	events   Events

	mu       sync.Mutex
	conns    map[relayinfo.Digest]*tcpConn
	listener net.Listener
	closed   bool
}

// NewTCP creates a TCP transport for a node with the given identity.
func NewTCP(identity relayinfo.Digest, events Events) *TCP {
	return &TCP{
		identity: identity,
		events:   events,
		conns:    make(map[relayinfo.Digest]*tcpConn),
	}
}

// Listen accepts inbound links on addr until Close.
func (t *TCP) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return oops.Errorf("listen %s: %w", addr, err)
	}
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":   "TCP.Listen",
		"addr": addr,
	}).Debug("accepting relay links")
	go t.acceptLoop(l)
	return nil
}

func (t *TCP) acceptLoop(l net.Listener) {
	for {
		raw, err := l.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				log.WithError(err).Error("accept failed")
			}
			return
		}
		go t.handshake(raw, false, relayinfo.Digest{})
	}
}

// LookupByIdentity implements Dialer.
func (t *TCP) LookupByIdentity(id relayinfo.Digest) Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[id]; ok {
		return c
	}
	return nil
}

// Connect implements Dialer.
func (t *TCP) Connect(addr net.IP, port uint16, id relayinfo.Digest) {
	go func() {
		raw, err := net.Dial("tcp", fmt.Sprintf("%s:%d", addr, port))
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":   "TCP.Connect",
				"peer": id.String(),
			}).Warn("dial failed")
			t.events.ConnectFailed(id)
			return
		}
		t.handshake(raw, true, id)
	}()
}

// handshake exchanges identity digests and registers the link. expect
// is the identity the dialer asked for; zero on the accepting side.
func (t *TCP) handshake(raw net.Conn, outbound bool, expect relayinfo.Digest) {
	if _, err := raw.Write(t.identity[:]); err != nil {
		raw.Close()
		if outbound {
			t.events.ConnectFailed(expect)
		}
		return
	}
	var peer relayinfo.Digest
	if _, err := readFullDigest(raw, &peer); err != nil {
		raw.Close()
		if outbound {
			t.events.ConnectFailed(expect)
		}
		return
	}
	if outbound && peer != expect {
		log.WithFields(logger.Fields{
			"at":     "TCP.handshake",
			"expect": expect.String(),
			"got":    peer.String(),
		}).Warn("peer identity mismatch")
		raw.Close()
		t.events.ConnectFailed(expect)
		return
	}

	c := &tcpConn{
		id:       ConnID(tcpConnIDs.Add(1)),
		raw:      raw,
		peer:     peer,
		outbound: outbound,
	}
	t.mu.Lock()
	t.conns[peer] = c
	t.mu.Unlock()

	go t.readLoop(c)
	t.events.ConnOpened(c)
}

func (t *TCP) readLoop(c *tcpConn) {
	for {
		raw, err := ReadCell(c.raw)
		if err != nil {
			t.dropConn(c)
			return
		}
		if err := raw.Valid(); err != nil {
			log.WithError(err).Warn("malformed cell on link")
			t.dropConn(c)
			return
		}
		t.events.CellArrived(c, raw)
	}
}

func (t *TCP) dropConn(c *tcpConn) {
	c.Close()
	t.mu.Lock()
	if t.conns[c.peer] == c {
		delete(t.conns, c.peer)
	}
	t.mu.Unlock()
	t.events.ConnFailed(c)
}

// Close stops the listener and closes every link.
func (t *TCP) Close() error {
	t.mu.Lock()
	t.closed = true
	l := t.listener
	conns := make([]*tcpConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	if l != nil {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}

var tcpConnIDs atomic.Uint64

type tcpConn struct {
	id       ConnID
	raw      net.Conn
	peer     relayinfo.Digest
	outbound bool
	wmu      sync.Mutex
	once     sync.Once
}

func (c *tcpConn) ID() ConnID                     { return c.id }
func (c *tcpConn) PeerIdentity() relayinfo.Digest { return c.peer }
func (c *tcpConn) Outbound() bool                 { return c.outbound }

func (c *tcpConn) SendCell(raw cell.Cell) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteCell(c.raw, raw)
}

func (c *tcpConn) Close() error {
	c.once.Do(func() { c.raw.Close() })
	return nil
}

func readFullDigest(raw net.Conn, d *relayinfo.Digest) (int, error) {
	total := 0
	for total < len(d) {
		n, err := raw.Read(d[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
