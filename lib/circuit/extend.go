package circuit

import (
	"encoding/binary"
	"net"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/onionskin"
	"github.com/go-i2p/go-onion/lib/relayinfo"
	"github.com/go-i2p/go-onion/lib/transport"
)

// ExtendPayloadLen is the fixed size of an EXTEND relay payload:
// IPv4 address, port, onion skin, identity digest of the target.
const ExtendPayloadLen = 4 + 2 + onionskin.OnionSkinLen + relayinfo.DigestLen

// ReplyLen is the handshake-reply slot carried in CREATED and
// EXTENDED payloads. Shorter replies occupy its prefix; clients read
// only as much as their handshake needs.
const ReplyLen = onionskin.TAPReplyLen

// extendRequest stashes a decoded EXTEND while the connection to its
// target is still being established.
type extendRequest struct {
	addr     net.IP
	port     uint16
	skin     []byte
	identity relayinfo.Digest
}

// packExtend encodes an EXTEND relay payload.
func packExtend(addr net.IP, port uint16, skin []byte, identity relayinfo.Digest) ([]byte, error) {
	v4 := addr.To4()
	if v4 == nil {
		return nil, oops.Errorf("extend target %s is not an IPv4 address", addr)
	}
	if len(skin) != onionskin.OnionSkinLen {
		return nil, oops.Errorf("extend onion skin is %d bytes, want %d",
			len(skin), onionskin.OnionSkinLen)
	}
	p := make([]byte, ExtendPayloadLen)
	copy(p, v4)
	binary.BigEndian.PutUint16(p[4:], port)
	copy(p[6:], skin)
	copy(p[6+onionskin.OnionSkinLen:], identity[:])
	return p, nil
}

// unpackExtend decodes an EXTEND relay payload.
func unpackExtend(p []byte) (*extendRequest, error) {
	if len(p) != ExtendPayloadLen {
		return nil, oops.Errorf("extend payload is %d bytes, want %d",
			len(p), ExtendPayloadLen)
	}
	req := &extendRequest{
		addr: net.IPv4(p[0], p[1], p[2], p[3]),
		port: binary.BigEndian.Uint16(p[4:6]),
		skin: append([]byte(nil), p[6:6+onionskin.OnionSkinLen]...),
	}
	copy(req.identity[:], p[6+onionskin.OnionSkinLen:])
	return req, nil
}

// handleExtend services an EXTEND recognized at a relay: reuse an
// existing connection to the target when one is up, otherwise park
// the request and ask the dialer for one. Only a circuit with no next
// hop may extend.
func (m *Manager) handleExtend(c *Circuit, payload []byte) error {
	if c.next.valid() || c.pendingExtend != nil {
		return oops.Errorf("extend on already-extended circuit %d", c.LocalID)
	}
	req, err := unpackExtend(payload)
	if err != nil {
		return err
	}
	if conn := m.dialer.LookupByIdentity(req.identity); conn != nil {
		return m.createNextHop(c, conn, req.skin)
	}
	c.pendingExtend = req
	m.addConnWaiter(req.identity, c.LocalID)
	log.WithFields(logger.Fields{
		"at":      "circuit.handleExtend",
		"circuit": c.LocalID,
		"target":  req.identity.String(),
	}).Debug("dialing extend target")
	m.dialer.Connect(req.addr, req.port, req.identity)
	return nil
}

// createNextHop binds the circuit's next side to conn and forwards the
// stashed onion skin as a raw CREATE.
func (m *Manager) createNextHop(c *Circuit, conn transport.Conn, skin []byte) error {
	id, err := m.registry.AllocCircID(conn, m.identity)
	if err != nil {
		return err
	}
	c.next = link{conn: conn, circID: id}
	if err := m.registry.BindLink(c, conn, id); err != nil {
		return err
	}
	c.pendingExtend = nil
	out := cell.NewFixed(id, cell.Create)
	copy(out.Payload(), skin)
	return conn.SendCell(out)
}

// extendedFromCreated converts a CREATED received on a circuit's next
// side into an EXTENDED relay cell toward the originator.
func (m *Manager) extendedFromCreated(c *Circuit, created cell.Cell) error {
	reply := make([]byte, ReplyLen)
	copy(reply, created.Payload())
	return m.sendRelayInbound(c, cell.RelayExtended, 0, reply)
}

// handleTruncate tears down everything beyond this relay and answers
// TRUNCATED. The circuit up to here stays usable.
func (m *Manager) handleTruncate(c *Circuit) error {
	if c.next.valid() {
		if !c.destroySentNext {
			c.destroySentNext = true
			m.sendDestroy(c.next, destroyReasonRequested)
		}
		m.registry.UnbindLink(c.next, c)
		c.next = link{}
	}
	c.pendingExtend = nil
	return m.sendRelayInbound(c, cell.RelayTruncated, 0, []byte{destroyReasonRequested})
}
