package transport

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/relayinfo"
)

// Network is an in-memory transport connecting nodes by identity. It
// exists for tests and local simulation; there is no link on the wire.
type Network struct {
	mu    sync.Mutex
	nodes map[relayinfo.Digest]*Node
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[relayinfo.Digest]*Node)}
}

// AddNode registers a node with the given identity and event sink.
// The returned Node implements Dialer.
func (n *Network) AddNode(id relayinfo.Digest, events Events) *Node {
	node := &Node{
		net:      n,
		identity: id,
		events:   events,
		conns:    make(map[relayinfo.Digest]*pipeConn),
	}
	n.mu.Lock()
	n.nodes[id] = node
	n.mu.Unlock()
	return node
}

// Node is one endpoint on an in-memory Network.
type Node struct {
	net      *Network
	identity relayinfo.Digest
	events   Events
	mu       sync.Mutex
	conns    map[relayinfo.Digest]*pipeConn
}

// Identity returns the node's identity digest.
func (nd *Node) Identity() relayinfo.Digest { return nd.identity }

// LookupByIdentity implements Dialer.
func (nd *Node) LookupByIdentity(id relayinfo.Digest) Conn {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if c, ok := nd.conns[id]; ok && !c.isClosed() {
		return c
	}
	return nil
}

// Connect implements Dialer. The address is ignored; in-memory peers
// are found by identity. Completion is reported through the event sink
// from a separate goroutine, matching the asynchronous contract.
func (nd *Node) Connect(addr net.IP, port uint16, id relayinfo.Digest) {
	go func() {
		nd.net.mu.Lock()
		peer := nd.net.nodes[id]
		nd.net.mu.Unlock()
		if peer == nil {
			log.WithFields(logger.Fields{
				"at":   "Node.Connect",
				"peer": id.String(),
			}).Warn("no such peer on in-memory network")
			nd.events.ConnectFailed(id)
			return
		}
		local, remote := newPipePair(nd, peer)

		nd.mu.Lock()
		nd.conns[id] = local
		nd.mu.Unlock()
		peer.mu.Lock()
		peer.conns[nd.identity] = remote
		peer.mu.Unlock()

		local.start()
		remote.start()
		peer.events.ConnOpened(remote)
		nd.events.ConnOpened(local)
	}()
}

var pipeConnIDs atomic.Uint64

// pipeConn is one endpoint of an in-memory connection pair. Cells sent
// here are delivered to the remote endpoint's event sink in order by a
// single delivery goroutine.
type pipeConn struct {
	id       ConnID
	owner    *Node
	peerID   relayinfo.Digest
	outbound bool
	remote   *pipeConn
	queue    chan cell.Cell
	closed   atomic.Bool
	stop     chan struct{}
	once     sync.Once
}

func newPipePair(dialer, acceptor *Node) (*pipeConn, *pipeConn) {
	local := &pipeConn{
		id:       ConnID(pipeConnIDs.Add(1)),
		owner:    dialer,
		peerID:   acceptor.identity,
		outbound: true,
		queue:    make(chan cell.Cell, 256),
		stop:     make(chan struct{}),
	}
	remote := &pipeConn{
		id:       ConnID(pipeConnIDs.Add(1)),
		owner:    acceptor,
		peerID:   dialer.identity,
		outbound: false,
		queue:    make(chan cell.Cell, 256),
		stop:     make(chan struct{}),
	}
	local.remote = remote
	remote.remote = local
	return local, remote
}

func (p *pipeConn) start() {
	go func() {
		for {
			select {
			case c := <-p.queue:
				p.owner.events.CellArrived(p, c)
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *pipeConn) ID() ConnID                     { return p.id }
func (p *pipeConn) PeerIdentity() relayinfo.Digest { return p.peerID }
func (p *pipeConn) Outbound() bool                 { return p.outbound }
func (p *pipeConn) isClosed() bool                 { return p.closed.Load() }

// SendCell delivers the cell into the remote endpoint's queue.
func (p *pipeConn) SendCell(c cell.Cell) error {
	if p.closed.Load() || p.remote.closed.Load() {
		return oops.Errorf("connection closed")
	}
	select {
	case p.remote.queue <- c:
		return nil
	default:
		return oops.Errorf("connection backlogged")
	}
}

// Close tears down both endpoints and notifies both event sinks.
func (p *pipeConn) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		p.remote.closed.Store(true)
		close(p.stop)
		close(p.remote.stop)
		// Failure notification runs off-stack so a close triggered
		// from inside an event handler cannot deadlock the sink.
		go p.owner.events.ConnFailed(p)
		go p.remote.owner.events.ConnFailed(p.remote)
	})
	return nil
}
