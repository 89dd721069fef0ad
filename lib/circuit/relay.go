package circuit

import (
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/transport"
)

// handleRelayCell orients an arriving RELAY cell and runs it through
// the peel-or-forward engine. Failures inside dispatch are protocol
// violations and destroy the circuit.
func (m *Manager) handleRelayCell(conn transport.Conn, cl cell.Cell) {
	c := m.registry.ByLink(conn.ID(), cl.CircID())
	if c == nil {
		log.WithFields(logger.Fields{
			"at":      "Manager.handleRelayCell",
			"conn":    uint64(conn.ID()),
			"circ_id": uint16(cl.CircID()),
		}).Debug("relay cell for unknown circuit, dropping")
		return
	}
	c.touch()

	dir := Outbound
	if c.next.valid() && conn.ID() == c.next.conn.ID() && cl.CircID() == c.next.circID {
		dir = Inbound
	}

	if err := m.deliver(c, cl.Payload(), dir); err != nil {
		log.WithFields(logger.Fields{
			"at":        "Manager.deliver",
			"circuit":   c.LocalID,
			"direction": dir.String(),
			"reason":    err.Error(),
		}).Warn("relay cell rejected")
		m.markForClose(c, destroyReasonProtocol)
	}
}

// deliver is the onion engine. One crypt, one recognition check, then
// either local dispatch or forwarding. The originator peels inbound
// cells hop by hop and must find a recognizing hop among the open
// ones; while a hop is still awaiting keys an unrecognized cell means
// the build reply was corrupted and the circuit is unusable. A relay
// applies its single layer and passes unrecognized cells along, and a
// cell that runs off the end of the path just stops.
func (m *Manager) deliver(c *Circuit, payload []byte, dir Direction) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	if c.IsOrigin() {
		if dir != Inbound {
			return oops.Errorf("originator received an outbound cell")
		}
		for i := 0; i < c.Path.OpenLen(); i++ {
			hop := c.Path.At(i)
			hop.Backward.Crypt(buf)
			recognized, err := hop.Backward.RecognizeRelay(buf)
			if err != nil {
				return err
			}
			if recognized {
				return m.dispatch(c, i, buf, dir)
			}
		}
		if c.Path.OpenLen() < c.Path.Len() {
			return oops.Errorf("unrecognized cell while hop %d awaits keys", c.Path.OpenLen())
		}
		log.WithFields(logger.Fields{
			"at":      "Manager.deliver",
			"circuit": c.LocalID,
		}).Debug("inbound cell recognized by no hop, dropping")
		return nil
	}

	cs := c.Forward
	if dir == Inbound {
		cs = c.Backward
	}
	cs.Crypt(buf)
	recognized, err := cs.RecognizeRelay(buf)
	if err != nil {
		return err
	}
	if recognized {
		return m.dispatch(c, -1, buf, dir)
	}

	next := c.next
	if dir == Inbound {
		next = c.prev
	}
	if !next.valid() {
		log.WithFields(logger.Fields{
			"at":        "Manager.deliver",
			"circuit":   c.LocalID,
			"direction": dir.String(),
		}).Debug("unrecognized cell at end of path, dropping")
		return nil
	}
	out := cell.NewFixed(next.circID, cell.Relay)
	copy(out.Payload(), buf)
	return next.conn.SendCell(out)
}

// dispatch interprets a recognized relay payload. hopIndex names the
// recognizing hop at an originator and is -1 at a relay.
func (m *Manager) dispatch(c *Circuit, hopIndex int, payload []byte, dir Direction) error {
	hdr, data, err := cell.UnpackRelay(payload)
	if err != nil {
		return err
	}

	switch hdr.Command {
	case cell.RelayData:
		return m.handleData(c, hopIndex, hdr.StreamID, data)

	case cell.RelayBegin:
		if c.IsOrigin() || dir != Outbound {
			return oops.Errorf("begin outside an exit position")
		}
		return m.handleBegin(c, hdr.StreamID, data)

	case cell.RelayConnected:
		if !c.IsOrigin() {
			return oops.Errorf("connected at a relay")
		}
		return m.handleConnected(c, hdr.StreamID)

	case cell.RelayEnd:
		reason := EndReasonMisc
		if len(data) > 0 {
			reason = data[0]
		}
		m.handleEnd(c, hdr.StreamID, reason)
		return nil

	case cell.RelaySendme:
		return m.handleSendme(c, hopIndex, hdr.StreamID)

	case cell.RelayExtend:
		if c.IsOrigin() || dir != Outbound {
			return oops.Errorf("extend outside a relay position")
		}
		return m.handleExtend(c, data)

	case cell.RelayExtended:
		if !c.IsOrigin() {
			return oops.Errorf("extended at a relay")
		}
		return m.finishHandshake(c, data)

	case cell.RelayTruncate:
		if c.IsOrigin() {
			return oops.Errorf("truncate at the originator")
		}
		return m.handleTruncate(c)

	case cell.RelayTruncated:
		if !c.IsOrigin() {
			return oops.Errorf("truncated at a relay")
		}
		// The path beyond some hop is gone and which hops survive is
		// ambiguous, so the whole circuit goes.
		log.WithFields(logger.Fields{
			"at":      "Manager.dispatch",
			"circuit": c.LocalID,
		}).Warn("path truncated by relay, closing circuit")
		m.markForClose(c, destroyReasonRequested)
		return nil

	case cell.RelayDrop:
		// Long-range padding, discarded at the recognizing hop.
		return nil

	default:
		log.WithFields(logger.Fields{
			"at":      "Manager.dispatch",
			"circuit": c.LocalID,
			"command": uint8(hdr.Command),
		}).Debug("unknown relay command, ignoring")
		return nil
	}
}

// handleData accounts an arriving DATA cell against the flow windows
// and hands the bytes to the stream's edge.
func (m *Manager) handleData(c *Circuit, hopIndex int, id cell.StreamID, data []byte) error {
	if id == 0 {
		return oops.Errorf("data cell with zero stream id")
	}
	s := c.streams[id]
	if err := m.noteDelivered(c, hopIndex, s); err != nil {
		return err
	}
	if s == nil || s.state == StreamClosed {
		// Data raced a close; the window accounting above already
		// kept the scope in step.
		return nil
	}
	if s.edge != nil {
		if err := s.edge.DeliverData(data); err != nil {
			m.endStreamLocked(c, s, EndReasonMisc)
		}
	}
	return nil
}

// handleBegin services a BEGIN at the exit: open the destination edge
// and answer CONNECTED, or END with a reason.
func (m *Manager) handleBegin(c *Circuit, id cell.StreamID, data []byte) error {
	if id == 0 {
		return oops.Errorf("begin cell with zero stream id")
	}
	if _, exists := c.streams[id]; exists {
		return oops.Errorf("begin reuses live stream id %d", id)
	}
	target := string(data)
	if i := len(target) - 1; i >= 0 && target[i] == 0 {
		target = target[:i]
	}

	if m.edges == nil {
		return m.sendRelayInbound(c, cell.RelayEnd, id, []byte{EndReasonExitPolicy})
	}
	edge, err := m.edges.OpenEdge(target, c.LocalID, id)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "Manager.handleBegin",
			"circuit": c.LocalID,
			"stream":  id,
			"reason":  err.Error(),
		}).Debug("exit connection refused")
		return m.sendRelayInbound(c, cell.RelayEnd, id, []byte{EndReasonConnectRefused})
	}

	s := newStream(id, c.LocalID, -1, edge)
	s.state = StreamOpen
	c.attachStream(s)
	return m.sendRelayInbound(c, cell.RelayConnected, id, nil)
}

// handleConnected opens a pending originator stream.
func (m *Manager) handleConnected(c *Circuit, id cell.StreamID) error {
	s := c.streams[id]
	if s == nil {
		log.WithFields(logger.Fields{
			"at":      "Manager.handleConnected",
			"circuit": c.LocalID,
			"stream":  id,
		}).Debug("connected for unknown stream, ignoring")
		return nil
	}
	if s.state != StreamPending {
		return oops.Errorf("connected on stream %d in state %d", id, s.state)
	}
	s.state = StreamOpen
	m.drainStream(c, s)
	return nil
}

// handleEnd detaches a stream the far side closed. An exit-policy
// refusal at the originator hands the edge to the reattach hook
// instead of closing it, so the caller can retry on another circuit.
func (m *Manager) handleEnd(c *Circuit, id cell.StreamID, reason byte) {
	s := c.streams[id]
	if s == nil {
		return
	}
	c.detachStream(id)
	if c.IsOrigin() && reason == EndReasonExitPolicy && m.OnStreamReattach != nil {
		s.state = StreamPending
		s.HopIndex = -1
		m.OnStreamReattach(s)
		return
	}
	s.state = StreamClosed
	if s.edge != nil {
		s.edge.CloseEdge(reason)
	}
}

// endStreamLocked closes one stream from inside the engine.
func (m *Manager) endStreamLocked(c *Circuit, s *Stream, reason byte) {
	var err error
	if c.IsOrigin() {
		err = m.sendRelayToHop(c, s.HopIndex, cell.RelayEnd, s.ID, []byte{reason})
	} else {
		err = m.sendRelayInbound(c, cell.RelayEnd, s.ID, []byte{reason})
	}
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "Manager.endStreamLocked",
			"circuit": c.LocalID,
			"stream":  s.ID,
			"reason":  err.Error(),
		}).Debug("failed to send end")
	}
	s.state = StreamClosed
	if s.edge != nil {
		s.edge.CloseEdge(reason)
	}
	c.detachStream(s.ID)
}

// sendRelayToHop seals a relay cell for one hop of an originator
// circuit and layers the forward ciphers of that hop and every hop
// before it, innermost first in effect: the cell leaves with hop's
// layer innermost and hop 0's outermost.
func (m *Manager) sendRelayToHop(c *Circuit, hopIndex int, cmd cell.RelayCommand,
	stream cell.StreamID, data []byte) error {
	if !c.next.valid() {
		return oops.Errorf("circuit %d has no first-hop link", c.LocalID)
	}
	hop := c.Path.At(hopIndex)
	if hop == nil || hop.State() != HopOpen {
		return oops.Errorf("send to hop %d of circuit %d: hop not open", hopIndex, c.LocalID)
	}
	payload, err := cell.PackRelay(cell.RelayHeader{
		Command:  cmd,
		StreamID: stream,
	}, data)
	if err != nil {
		return err
	}
	if err := hop.Forward.SealRelay(payload); err != nil {
		return err
	}
	for i := hopIndex; i >= 0; i-- {
		c.Path.At(i).Forward.Crypt(payload)
	}
	out := cell.NewFixed(c.next.circID, cell.Relay)
	copy(out.Payload(), payload)
	return c.next.conn.SendCell(out)
}

// sendRelayInbound seals a relay cell with this relay's backward state
// and sends it toward the originator.
func (m *Manager) sendRelayInbound(c *Circuit, cmd cell.RelayCommand,
	stream cell.StreamID, data []byte) error {
	if !c.prev.valid() {
		return oops.Errorf("circuit %d has no originator-facing link", c.LocalID)
	}
	payload, err := cell.PackRelay(cell.RelayHeader{
		Command:  cmd,
		StreamID: stream,
	}, data)
	if err != nil {
		return err
	}
	if err := c.Backward.SealRelay(payload); err != nil {
		return err
	}
	c.Backward.Crypt(payload)
	out := cell.NewFixed(c.prev.circID, cell.Relay)
	copy(out.Payload(), payload)
	return c.prev.conn.SendCell(out)
}
