package circuit

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/onionskin"
	"github.com/go-i2p/go-onion/lib/relayinfo"
	"github.com/go-i2p/go-onion/lib/transport"
)

type fakeConn struct {
	id      transport.ConnID
	peer    relayinfo.Digest
	sent    []cell.Cell
	sendErr error
	closed  int
}

func newFakeConn(id transport.ConnID, peer relayinfo.Digest) *fakeConn {
	return &fakeConn{id: id, peer: peer}
}

func (f *fakeConn) ID() transport.ConnID           { return f.id }
func (f *fakeConn) PeerIdentity() relayinfo.Digest { return f.peer }
func (f *fakeConn) Outbound() bool                 { return true }
func (f *fakeConn) Close() error                   { f.closed++; return nil }

func (f *fakeConn) SendCell(c cell.Cell) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, c)
	return nil
}

// sentByCommand counts sent cells with the given command.
func (f *fakeConn) sentByCommand(cmd cell.Command) int {
	n := 0
	for _, c := range f.sent {
		if c.Command() == cmd {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	conns    map[relayinfo.Digest]transport.Conn
	connects []relayinfo.Digest
}

func (d *fakeDialer) LookupByIdentity(id relayinfo.Digest) transport.Conn {
	return d.conns[id]
}

func (d *fakeDialer) Connect(addr net.IP, port uint16, id relayinfo.Digest) {
	d.connects = append(d.connects, id)
}

type fakeEdge struct {
	delivered [][]byte
	paused    bool
	closes    int
	reason    byte
}

func (e *fakeEdge) DeliverData(p []byte) error {
	e.delivered = append(e.delivered, append([]byte(nil), p...))
	return nil
}
func (e *fakeEdge) SetReadPaused(paused bool) { e.paused = paused }
func (e *fakeEdge) CloseEdge(reason byte) { e.closes++; e.reason = reason }

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// testRSAKey generates one shared onion key; handshake tests only need
// a valid key, not a fresh one.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func newTestManager(t *testing.T, dir *relayinfo.Directory, onion *rsa.PrivateKey) (*Manager, *fakeDialer) {
	t.Helper()
	sel, err := relayinfo.NewWeightedSelector(dir)
	require.NoError(t, err)
	var id relayinfo.Digest
	id[0] = 0x42
	cfg := DefaultConfig()
	cfg.BuildRetries = 0
	cfg.BuildTimeout = time.Second
	dialer := &fakeDialer{conns: make(map[relayinfo.Digest]transport.Conn)}
	return NewManager(cfg, id, onion, nil, dir, sel, dialer, nil), dialer
}

// openOriginCircuit wires a one-hop open origin circuit onto a fake
// conn, bypassing the handshake.
func openOriginCircuit(t *testing.T, m *Manager, conn *fakeConn) (*Circuit, *Hop) {
	t.Helper()
	c := newOriginCircuit(PurposeGeneral)
	m.registry.Insert(c)
	hop, _, _ := openTestHop(t, testDescriptor("hop", 1))
	c.Path.Append(hop)
	c.next = link{conn: conn, circID: 9}
	require.NoError(t, m.registry.BindLink(c, conn, 9))
	c.state = StateOpen
	return c, hop
}

func TestHandleCreateTAP(t *testing.T) {
	onion := testRSAKey(t)
	m, _ := newTestManager(t, relayinfo.NewDirectory(), onion)
	conn := newFakeConn(1, relayinfo.Digest{1})

	hs, err := onionskin.NewTAPClient(&onion.PublicKey)
	require.NoError(t, err)
	skin, err := onionskin.PackSkin(onionskin.TAP, hs.Blob())
	require.NoError(t, err)

	in := cell.NewFixed(5, cell.Create)
	copy(in.Payload(), skin)
	m.CellArrived(conn, in)

	require.Len(t, conn.sent, 1)
	reply := conn.sent[0]
	assert.Equal(t, cell.Created, reply.Command())
	assert.Equal(t, cell.CircID(5), reply.CircID())
	assert.Equal(t, 1, m.Len())

	// The client accepting the reply proves both sides agree on key
	// material.
	_, err = hs.Finish(reply.Payload(), onionskin.KeyMaterialLen)
	assert.NoError(t, err)
}

func TestHandleCreateFast(t *testing.T) {
	m, _ := newTestManager(t, relayinfo.NewDirectory(), nil)
	conn := newFakeConn(1, relayinfo.Digest{1})

	hs, err := onionskin.NewFastClient()
	require.NoError(t, err)
	in := cell.NewFixed(7, cell.CreateFast)
	copy(in.Payload(), hs.Blob())
	m.CellArrived(conn, in)

	require.Len(t, conn.sent, 1)
	assert.Equal(t, cell.CreatedFast, conn.sent[0].Command())
	_, err = hs.Finish(conn.sent[0].Payload(), onionskin.KeyMaterialLen)
	assert.NoError(t, err)
}

func TestHandleCreateRejectsReusedID(t *testing.T) {
	onion := testRSAKey(t)
	m, _ := newTestManager(t, relayinfo.NewDirectory(), onion)
	conn := newFakeConn(1, relayinfo.Digest{1})

	hs, err := onionskin.NewTAPClient(&onion.PublicKey)
	require.NoError(t, err)
	skin, err := onionskin.PackSkin(onionskin.TAP, hs.Blob())
	require.NoError(t, err)
	in := cell.NewFixed(5, cell.Create)
	copy(in.Payload(), skin)

	m.CellArrived(conn, in)
	require.Equal(t, 1, m.Len())
	created := conn.sentByCommand(cell.Created)

	// Same circuit id again: the colliding CREATE is dropped and the
	// established circuit is left alone.
	m.CellArrived(conn, in)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, created, conn.sentByCommand(cell.Created), "no second reply")
	assert.Equal(t, 0, conn.sentByCommand(cell.Destroy))
}

func TestMarkForCloseIdempotent(t *testing.T) {
	m, _ := newTestManager(t, relayinfo.NewDirectory(), nil)
	prev := newFakeConn(1, relayinfo.Digest{1})
	next := newFakeConn(2, relayinfo.Digest{2})

	c := newRelayCircuit(prev, 10)
	m.registry.Insert(c)
	require.NoError(t, m.registry.BindLink(c, prev, 10))
	c.next = link{conn: next, circID: 20}
	require.NoError(t, m.registry.BindLink(c, next, 20))

	edge := &fakeEdge{}
	s := newStream(3, c.LocalID, -1, edge)
	s.state = StreamOpen
	c.attachStream(s)

	m.markForClose(c, destroyReasonRequested)
	m.markForClose(c, destroyReasonRequested)
	m.markForClose(c, destroyReasonProtocol)

	assert.Equal(t, 1, prev.sentByCommand(cell.Destroy), "one destroy toward the originator")
	assert.Equal(t, 1, next.sentByCommand(cell.Destroy), "one destroy toward the exit")
	assert.Equal(t, 1, edge.closes, "stream edge closed exactly once")
	assert.Equal(t, EndReasonDestroy, edge.reason)
	assert.Equal(t, 0, m.Len())
	assert.True(t, c.Marked())
}

func TestConnFailedClosesSharedCircuitsOnce(t *testing.T) {
	m, _ := newTestManager(t, relayinfo.NewDirectory(), nil)
	conn := newFakeConn(1, relayinfo.Digest{1})

	for i := cell.CircID(1); i <= 2; i++ {
		c := newRelayCircuit(conn, i)
		m.registry.Insert(c)
		require.NoError(t, m.registry.BindLink(c, conn, i))
	}
	require.Equal(t, 2, m.Len())

	m.ConnFailed(conn)
	assert.Equal(t, 0, m.Len())
	// The link is dead: no DESTROY goes out on it.
	assert.Equal(t, 0, conn.sentByCommand(cell.Destroy))

	// A report for an unknown connection is harmless.
	m.ConnFailed(conn)
}

func TestHandleTruncateAtRelay(t *testing.T) {
	m, _ := newTestManager(t, relayinfo.NewDirectory(), nil)
	prev := newFakeConn(1, relayinfo.Digest{1})
	next := newFakeConn(2, relayinfo.Digest{2})

	c := newRelayCircuit(prev, 10)
	m.registry.Insert(c)
	require.NoError(t, m.registry.BindLink(c, prev, 10))
	c.next = link{conn: next, circID: 20}
	require.NoError(t, m.registry.BindLink(c, next, 20))

	// Share key material with an origin-side view so the TRUNCATED
	// reply can be peeled and checked.
	raw := make([]byte, onionskin.KeyMaterialLen)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	km, err := onionskin.ParseKeyMaterial(raw)
	require.NoError(t, err)
	c.Forward, c.Backward, err = newHopStates(km)
	require.NoError(t, err)
	_, originBack, err := newHopStates(km)
	require.NoError(t, err)

	require.NoError(t, m.handleTruncate(c))

	assert.Equal(t, 1, next.sentByCommand(cell.Destroy), "next hop gets a destroy")
	assert.False(t, c.next.valid(), "next side is detached")
	assert.False(t, c.Marked(), "the circuit up to here survives")
	assert.Nil(t, m.registry.ByLink(next.ID(), 20))

	require.Equal(t, 1, prev.sentByCommand(cell.Relay))
	payload := append([]byte(nil), prev.sent[len(prev.sent)-1].Payload()...)
	originBack.Crypt(payload)
	recognized, err := originBack.RecognizeRelay(payload)
	require.NoError(t, err)
	require.True(t, recognized)
	hdr, _, err := cell.UnpackRelay(payload)
	require.NoError(t, err)
	assert.Equal(t, cell.RelayTruncated, hdr.Command)
}

func TestWindowExhaustionPausesPackaging(t *testing.T) {
	m, _ := newTestManager(t, relayinfo.NewDirectory(), nil)
	conn := newFakeConn(1, relayinfo.Digest{1})
	c, hop := openOriginCircuit(t, m, conn)

	edge1, edge2 := &fakeEdge{}, &fakeEdge{}
	s1 := newStream(1, c.LocalID, 0, edge1)
	s1.state = StreamOpen
	c.attachStream(s1)
	s2 := newStream(2, c.LocalID, 0, edge2)
	s2.state = StreamOpen
	c.attachStream(s2)

	// Two streams at full window drain the circuit scope exactly.
	for i := 0; i < StreamWindowStart; i++ {
		require.NoError(t, m.PackageData(c.LocalID, 1, []byte{1}))
		require.NoError(t, m.PackageData(c.LocalID, 2, []byte{2}))
	}
	assert.Equal(t, CircWindowStart, conn.sentByCommand(cell.Relay))
	assert.Equal(t, 0, hop.PackageWindow)
	assert.Equal(t, 0, s1.PackageWindow)

	// The next byte is accepted but buffered, and the edge is paused.
	require.NoError(t, m.PackageData(c.LocalID, 1, []byte{3}))
	assert.Equal(t, CircWindowStart, conn.sentByCommand(cell.Relay))
	assert.True(t, edge1.paused)

	// Circuit-scope credit alone does not release stream-limited data.
	require.NoError(t, m.handleSendme(c, 0, 0))
	assert.Equal(t, CircWindowStart, conn.sentByCommand(cell.Relay))
	assert.Equal(t, CircWindowIncrement, hop.PackageWindow)

	// Stream credit releases the buffered byte and lifts the pause.
	require.NoError(t, m.handleSendme(c, 0, 1))
	assert.Equal(t, CircWindowStart+1, conn.sentByCommand(cell.Relay))
	assert.False(t, edge1.paused)
	assert.Equal(t, StreamWindowIncrement-1, s1.PackageWindow)
}

func TestSendmeResumeSurvivesDeadLink(t *testing.T) {
	m, _ := newTestManager(t, relayinfo.NewDirectory(), nil)
	conn := newFakeConn(1, relayinfo.Digest{1})
	c, hop := openOriginCircuit(t, m, conn)

	edge := &fakeEdge{}
	s := newStream(1, c.LocalID, 0, edge)
	s.state = StreamOpen
	c.attachStream(s)

	// Exhaust the hop window so the SENDME credit is legal, leave bytes
	// buffered for the resume to package, and kill the link underneath.
	hop.PackageWindow = 0
	s.sendBuf = []byte("held back")
	conn.sendErr = errors.New("link is down")

	require.NoError(t, m.handleSendme(c, 0, 0))
	assert.True(t, c.Marked(), "failed resume tears the circuit down")
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 1, edge.closes)
}

func TestUnrecognizedCellDuringBuildFailsCircuit(t *testing.T) {
	m, _ := newTestManager(t, relayinfo.NewDirectory(), nil)
	conn := newFakeConn(1, relayinfo.Digest{1})
	c, _ := openOriginCircuit(t, m, conn)

	// A second hop still waiting for its EXTENDED reply.
	pending := NewHop(testDescriptor("pending", 2))
	hs, err := onionskin.NewFastClient()
	require.NoError(t, err)
	require.NoError(t, pending.beginHandshake(hs, onionskin.Fast))
	c.Path.Append(pending)
	c.state = StateBuilding

	// An inbound cell no open hop recognizes while a hop awaits keys is
	// a corrupted build reply and must fail the circuit, not stall it.
	in := cell.NewFixed(9, cell.Relay)
	in.Payload()[0] = 0xA5
	m.CellArrived(conn, in)

	assert.True(t, c.Marked())
	assert.Equal(t, 0, m.Len())
}

func TestPlanPathExcludesSelfAsExit(t *testing.T) {
	dir := relayinfo.NewDirectory()
	m, _ := newTestManager(t, dir, nil)

	self := testDescriptor("self", 1)
	self.Identity = m.identity
	require.NoError(t, dir.Add(self))
	other := testDescriptor("other", 2)
	other.Flags.Exit = false
	require.NoError(t, dir.Add(other))

	// The only exit-flagged relay is this node itself; planning must
	// refuse rather than route through it.
	_, err := m.planPath(PurposeGeneral, nil)
	require.Error(t, err)
}

func TestSendmeOverflowIsViolation(t *testing.T) {
	m, _ := newTestManager(t, relayinfo.NewDirectory(), nil)
	conn := newFakeConn(1, relayinfo.Digest{1})
	c, hop := openOriginCircuit(t, m, conn)

	// Nothing was sent, so any credit overflows the start value.
	assert.Equal(t, CircWindowStart, hop.PackageWindow)
	assert.Error(t, m.handleSendme(c, 0, 0))
}

func TestReapIdle(t *testing.T) {
	m, _ := newTestManager(t, relayinfo.NewDirectory(), nil)
	conn := newFakeConn(1, relayinfo.Digest{1})
	c, _ := openOriginCircuit(t, m, conn)

	now := time.Now()
	assert.Equal(t, 0, m.ReapIdle(now), "fresh circuits survive")

	c.dirtyAt = now.Add(-m.cfg.IdleCutoff - time.Minute)
	assert.Equal(t, 1, m.ReapIdle(now))
	assert.Equal(t, 0, m.Len())
}

func TestReapIdleSparesStreams(t *testing.T) {
	m, _ := newTestManager(t, relayinfo.NewDirectory(), nil)
	conn := newFakeConn(1, relayinfo.Digest{1})
	c, _ := openOriginCircuit(t, m, conn)
	c.attachStream(newStream(1, c.LocalID, 0, &fakeEdge{}))

	now := time.Now()
	c.dirtyAt = now.Add(-m.cfg.IdleCutoff - time.Minute)
	assert.Equal(t, 0, m.ReapIdle(now))
	assert.Equal(t, 1, m.Len())
}

func TestEstablishNeedsTwoRelays(t *testing.T) {
	dir := relayinfo.NewDirectory()
	require.NoError(t, dir.Add(testDescriptor("only", 1)))
	m, _ := newTestManager(t, dir, nil)

	_, err := m.Establish(context.Background(), PurposeGeneral, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usable relays")
}

func TestEstablishDialsEntry(t *testing.T) {
	dir := relayinfo.NewDirectory()
	for i := byte(1); i <= 3; i++ {
		require.NoError(t, dir.Add(testDescriptor("relay", i)))
	}
	m, dialer := newTestManager(t, dir, nil)
	m.cfg.BuildTimeout = 50 * time.Millisecond

	// No link exists, so the launch parks the circuit and dials; with
	// nobody answering the attempt times out.
	_, err := m.Establish(context.Background(), PurposeGeneral, nil)
	require.Error(t, err)
	assert.NotEmpty(t, dialer.connects, "the entry relay was dialed")
	assert.Equal(t, 0, m.Len(), "the abandoned circuit was cleaned up")
}
