package circuit

import (
	"crypto/rsa"
	"math/rand"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/onionskin"
	"github.com/go-i2p/go-onion/lib/relayinfo"
	"github.com/go-i2p/go-onion/lib/transport"
)

// Manager is the circuit engine. It owns the registry and every
// circuit's state, serialized behind one mutex: the transport calls in
// through the Events interface, applications call in through Establish
// and the stream operations, and nothing inside ever blocks on the
// network. Work that must wait for a connection is parked by circuit
// id and resumed from ConnOpened, re-validating the circuit first.
type Manager struct {
	mu  sync.Mutex
	cfg Config

	registry *Registry
	dialer   transport.Dialer
	dir      *relayinfo.Directory
	selector relayinfo.Selector

	identity relayinfo.Digest
	onionKey *rsa.PrivateKey
	ntorKey  *onionskin.NtorKeyPair

	edges   EdgeFactory
	limiter *rate.Limiter

	// connWaiters parks circuits, by local id, on the identity they
	// are dialing toward.
	connWaiters map[relayinfo.Digest][]uint64
	// attempts carries build completion back to Establish, keyed by
	// circuit local id. Channels are buffered so settling never
	// blocks the engine.
	attempts map[uint64]chan error

	// coin drives the path-length extension draw. Tests substitute a
	// fixed sequence.
	coin func() float64

	// OnCircuitClosed, when set, fires under the manager lock for
	// every circuit torn down, after its streams are closed.
	OnCircuitClosed func(c *Circuit)
	// OnStreamReattach, when set, receives originator streams whose
	// exit refused them for policy reasons, instead of their edges
	// being closed.
	OnStreamReattach func(s *Stream)
}

// NewManager wires a circuit engine. onionKey serves TAP handshakes
// and ntorKey serves ntor handshakes when this node acts as a relay;
// edges may be nil on a node that never exits.
func NewManager(cfg Config, identity relayinfo.Digest, onionKey *rsa.PrivateKey,
	ntorKey *onionskin.NtorKeyPair, dir *relayinfo.Directory,
	selector relayinfo.Selector, dialer transport.Dialer, edges EdgeFactory) *Manager {
	return &Manager{
		cfg:         cfg,
		registry:    NewRegistry(),
		dialer:      dialer,
		dir:         dir,
		selector:    selector,
		identity:    identity,
		onionKey:    onionKey,
		ntorKey:     ntorKey,
		edges:       edges,
		limiter:     rate.NewLimiter(cfg.BuildRate, cfg.BuildBurst),
		connWaiters: make(map[relayinfo.Digest][]uint64),
		attempts:    make(map[uint64]chan error),
		coin:        rand.Float64,
	}
}

// Len returns how many circuits are live.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Len()
}

// CellArrived implements transport.Events.
func (m *Manager) CellArrived(conn transport.Conn, cl cell.Cell) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch cl.Command() {
	case cell.Padding:
		// Link keepalive, nothing to do.
	case cell.Create, cell.CreateFast:
		m.handleCreate(conn, cl)
	case cell.Created, cell.CreatedFast:
		m.handleCreated(conn, cl)
	case cell.Relay:
		m.handleRelayCell(conn, cl)
	case cell.Destroy:
		m.handleDestroy(conn, cl)
	default:
		log.WithFields(logger.Fields{
			"at":      "Manager.CellArrived",
			"command": cl.Command().String(),
		}).Debug("ignoring unexpected cell")
	}
}

// handleCreate services a CREATE or CREATE_FAST as a relay: allocate
// the circuit, run the responder handshake, install the cipher pair,
// answer CREATED.
func (m *Manager) handleCreate(conn transport.Conn, cl cell.Cell) {
	id := cl.CircID()
	if id == 0 {
		log.WithFields(logger.Fields{
			"at":   "Manager.handleCreate",
			"conn": uint64(conn.ID()),
		}).Warn("create with zero circuit id")
		return
	}
	if m.registry.ByLink(conn.ID(), id) != nil {
		// Dropping the offending CREATE keeps a peer from killing an
		// established circuit with a single colliding cell.
		log.WithFields(logger.Fields{
			"at":      "Manager.handleCreate",
			"conn":    uint64(conn.ID()),
			"circ_id": uint16(id),
		}).Warn("create reuses a live circuit id, dropping")
		return
	}

	c := newRelayCircuit(conn, id)
	m.registry.Insert(c)
	if err := m.registry.BindLink(c, conn, id); err != nil {
		m.markForClose(c, destroyReasonInternal)
		return
	}

	reply, replyCmd, err := m.answerOnionskin(c, cl)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "Manager.handleCreate",
			"circuit": c.LocalID,
			"reason":  err.Error(),
		}).Warn("handshake failed")
		m.markForClose(c, destroyReasonProtocol)
		return
	}

	out := cell.NewFixed(id, replyCmd)
	copy(out.Payload(), reply)
	if err := conn.SendCell(out); err != nil {
		m.markForClose(c, destroyReasonConnClosed)
		return
	}
	c.state = StateOpen
	log.WithFields(logger.Fields{
		"at":      "Manager.handleCreate",
		"circuit": c.LocalID,
		"circ_id": uint16(id),
	}).Debug("relay circuit open")
}

// answerOnionskin runs the responder side of whichever handshake the
// cell carries and installs the circuit's cipher pair.
func (m *Manager) answerOnionskin(c *Circuit, cl cell.Cell) ([]byte, cell.Command, error) {
	var reply, raw []byte
	var err error
	replyCmd := cell.Created

	if cl.Command() == cell.CreateFast {
		reply, raw, err = onionskin.FastServer(
			cl.Payload()[:onionskin.FastSkinLen], onionskin.KeyMaterialLen)
		replyCmd = cell.CreatedFast
	} else {
		var t onionskin.Type
		var blob []byte
		t, blob, err = onionskin.UnpackSkin(cl.Payload()[:onionskin.OnionSkinLen])
		if err != nil {
			return nil, 0, err
		}
		switch t {
		case onionskin.Ntor:
			if m.ntorKey == nil {
				return nil, 0, oops.Errorf("ntor handshake but no ntor key configured")
			}
			reply, raw, err = onionskin.NtorServer(blob, m.ntorKey, m.identity, onionskin.KeyMaterialLen)
		default:
			if m.onionKey == nil {
				return nil, 0, oops.Errorf("tap handshake but no onion key configured")
			}
			reply, raw, err = onionskin.TAPServer(blob, m.onionKey, onionskin.KeyMaterialLen)
		}
	}
	if err != nil {
		return nil, 0, err
	}

	km, err := onionskin.ParseKeyMaterial(raw)
	if err != nil {
		return nil, 0, err
	}
	c.Forward, c.Backward, err = newHopStates(km)
	if err != nil {
		return nil, 0, err
	}
	return reply, replyCmd, nil
}

// handleCreated routes a CREATED or CREATED_FAST: to the build state
// machine at an originator, or converted into EXTENDED at a relay
// whose next hop just answered.
func (m *Manager) handleCreated(conn transport.Conn, cl cell.Cell) {
	c := m.registry.ByLink(conn.ID(), cl.CircID())
	if c == nil {
		log.WithFields(logger.Fields{
			"at":      "Manager.handleCreated",
			"conn":    uint64(conn.ID()),
			"circ_id": uint16(cl.CircID()),
		}).Debug("created for unknown circuit, ignoring")
		return
	}
	if !c.next.valid() || conn.ID() != c.next.conn.ID() || cl.CircID() != c.next.circID {
		// Only the next side ever answers a handshake.
		m.markForClose(c, destroyReasonProtocol)
		return
	}
	c.touch()

	var err error
	if c.IsOrigin() {
		err = m.finishHandshake(c, cl.Payload())
	} else if cl.Command() == cell.Created {
		err = m.extendedFromCreated(c, cl)
	} else {
		err = oops.Errorf("created_fast on an extended circuit")
	}
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "Manager.handleCreated",
			"circuit": c.LocalID,
			"reason":  err.Error(),
		}).Warn("handshake reply rejected")
		m.markForClose(c, destroyReasonProtocol)
	}
}

// handleDestroy tears the circuit down without echoing DESTROY back on
// the side it arrived from.
func (m *Manager) handleDestroy(conn transport.Conn, cl cell.Cell) {
	c := m.registry.ByLink(conn.ID(), cl.CircID())
	if c == nil {
		return
	}
	if c.prev.valid() && conn.ID() == c.prev.conn.ID() && cl.CircID() == c.prev.circID {
		c.destroySentPrev = true
	}
	if c.next.valid() && conn.ID() == c.next.conn.ID() && cl.CircID() == c.next.circID {
		c.destroySentNext = true
	}
	reason := destroyReasonNone
	if len(cl.Payload()) > 0 {
		reason = cl.Payload()[0]
	}
	log.WithFields(logger.Fields{
		"at":      "Manager.handleDestroy",
		"circuit": c.LocalID,
		"reason":  reason,
	}).Debug("destroy received")
	m.markForClose(c, reason)
}

// ConnOpened implements transport.Events: resume every circuit parked
// on the peer this connection reaches.
func (m *Manager) ConnOpened(conn transport.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer := conn.PeerIdentity()
	waiters := m.connWaiters[peer]
	delete(m.connWaiters, peer)
	for _, local := range waiters {
		c := m.registry.ByLocal(local)
		if c == nil || c.marked {
			continue
		}
		var err error
		switch {
		case c.IsOrigin() && c.state == StateORWait:
			if err = m.bindFirstHop(c, conn); err == nil {
				err = m.sendNextHandshake(c)
			}
		case c.pendingExtend != nil:
			err = m.createNextHop(c, conn, c.pendingExtend.skin)
		default:
			continue
		}
		if err != nil {
			log.WithFields(logger.Fields{
				"at":      "Manager.ConnOpened",
				"circuit": c.LocalID,
				"reason":  err.Error(),
			}).Warn("failed to resume circuit")
			m.markForClose(c, destroyReasonInternal)
		}
	}
}

// ConnFailed implements transport.Events: every circuit bound to the
// dead link closes, exactly once each.
func (m *Manager) ConnFailed(conn transport.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.registry.OnConn(conn.ID()) {
		if c.prev.valid() && c.prev.conn.ID() == conn.ID() {
			c.destroySentPrev = true
		}
		if c.next.valid() && c.next.conn.ID() == conn.ID() {
			c.destroySentNext = true
		}
		m.markForClose(c, destroyReasonConnClosed)
	}
}

// ConnectFailed implements transport.Events: circuits parked on the
// unreachable peer close, which at an originator fails the build
// attempt and at a relay answers the pending EXTEND with DESTROY.
func (m *Manager) ConnectFailed(id relayinfo.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiters := m.connWaiters[id]
	delete(m.connWaiters, id)
	for _, local := range waiters {
		if c := m.registry.ByLocal(local); c != nil {
			m.markForClose(c, destroyReasonConnectFailed)
		}
	}
}

// addConnWaiter parks a circuit on a dialing target.
func (m *Manager) addConnWaiter(id relayinfo.Digest, local uint64) {
	m.connWaiters[id] = append(m.connWaiters[id], local)
}

// settleAttempt completes a pending Establish, if one is waiting on
// this circuit.
func (m *Manager) settleAttempt(local uint64, err error) {
	ch := m.attempts[local]
	if ch == nil {
		return
	}
	delete(m.attempts, local)
	ch <- err
}

// Close tears a circuit down on request, sending DESTROY to each side
// that still has a link.
func (m *Manager) Close(circ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.registry.ByLocal(circ)
	if c == nil {
		return oops.Errorf("no such circuit %d", circ)
	}
	m.markForClose(c, destroyReasonRequested)
	return nil
}

// OpenStream attaches an edge to an open originator circuit and sends
// BEGIN for target ("host:port") to the circuit's last hop. The stream
// is pending until CONNECTED arrives.
func (m *Manager) OpenStream(circ uint64, target string, edge Edge) (cell.StreamID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.registry.ByLocal(circ)
	if c == nil || c.marked || !c.IsOrigin() || c.state != StateOpen {
		return 0, oops.Errorf("circuit %d is not an open origin circuit", circ)
	}
	id, err := c.allocStreamID()
	if err != nil {
		return 0, err
	}
	hopIndex := c.Path.Len() - 1
	s := newStream(id, circ, hopIndex, edge)
	c.attachStream(s)
	payload := append([]byte(target), 0)
	if err := m.sendRelayToHop(c, hopIndex, cell.RelayBegin, id, payload); err != nil {
		c.detachStream(id)
		return 0, err
	}
	c.touch()
	return id, nil
}

// EndStream closes a stream voluntarily, sending END with the given
// reason and releasing the edge.
func (m *Manager) EndStream(circ uint64, id cell.StreamID, reason byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.registry.ByLocal(circ)
	if c == nil {
		return oops.Errorf("no such circuit %d", circ)
	}
	s := c.streams[id]
	if s == nil {
		return oops.Errorf("no such stream %d on circuit %d", id, circ)
	}
	var err error
	if c.IsOrigin() {
		err = m.sendRelayToHop(c, s.HopIndex, cell.RelayEnd, id, []byte{reason})
	} else {
		err = m.sendRelayInbound(c, cell.RelayEnd, id, []byte{reason})
	}
	s.state = StreamClosed
	if s.edge != nil {
		s.edge.CloseEdge(reason)
	}
	c.detachStream(id)
	return err
}
