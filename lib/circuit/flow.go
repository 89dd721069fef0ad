package circuit

import (
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-onion/lib/cell"
)

// Window credits. A scope (whole circuit, or one hop at the
// originator) starts with CircWindowStart credits and is replenished
// in CircWindowIncrement steps by SENDME cells; streams use the
// smaller pair. A window never goes negative and never exceeds its
// start value; either excursion is a protocol violation.
const (
	CircWindowStart       = 1000
	CircWindowIncrement   = 100
	StreamWindowStart     = 500
	StreamWindowIncrement = 50
)

// spendDeliver consumes one delivery credit, failing on underflow.
func spendDeliver(window *int, scope string) error {
	if *window <= 0 {
		return oops.Errorf("%s deliver window underflow", scope)
	}
	*window--
	return nil
}

// creditPackage adds SENDME credit to a package window, failing if the
// peer replenished more than it ever consumed.
func creditPackage(window *int, increment, start int, scope string) error {
	if *window+increment > start {
		return oops.Errorf("%s package window overflow: %d + %d exceeds %d",
			scope, *window, increment, start)
	}
	*window += increment
	return nil
}

// noteDelivered accounts an inbound DATA cell against the recognizing
// scope and stream, emitting SENDME cells whenever a window drops to
// its replenishment threshold. hopIndex is the recognizing hop at an
// originator and -1 at a relay.
func (m *Manager) noteDelivered(c *Circuit, hopIndex int, s *Stream) error {
	scopeWindow := &c.DeliverWindow
	if hopIndex >= 0 {
		scopeWindow = &c.Path.At(hopIndex).DeliverWindow
	}
	if err := spendDeliver(scopeWindow, "circuit"); err != nil {
		return err
	}
	for *scopeWindow <= CircWindowStart-CircWindowIncrement {
		if err := m.sendSendme(c, hopIndex, 0); err != nil {
			return err
		}
		*scopeWindow += CircWindowIncrement
	}

	if s == nil {
		return nil
	}
	if err := spendDeliver(&s.DeliverWindow, "stream"); err != nil {
		return err
	}
	for s.DeliverWindow <= StreamWindowStart-StreamWindowIncrement {
		if err := m.sendSendme(c, hopIndex, s.ID); err != nil {
			return err
		}
		s.DeliverWindow += StreamWindowIncrement
	}
	return nil
}

// sendSendme emits a SENDME: outbound to the given hop at an
// originator, inbound toward the originator at a relay.
func (m *Manager) sendSendme(c *Circuit, hopIndex int, stream cell.StreamID) error {
	if c.IsOrigin() {
		return m.sendRelayToHop(c, hopIndex, cell.RelaySendme, stream, nil)
	}
	return m.sendRelayInbound(c, cell.RelaySendme, stream, nil)
}

// handleSendme applies a received SENDME to the recognizing scope
// (stream id zero) or to a single stream, then resumes any packaging
// the replenished window allows.
func (m *Manager) handleSendme(c *Circuit, hopIndex int, stream cell.StreamID) error {
	if stream == 0 {
		scopeWindow := &c.PackageWindow
		if hopIndex >= 0 {
			scopeWindow = &c.Path.At(hopIndex).PackageWindow
		}
		if err := creditPackage(scopeWindow, CircWindowIncrement, CircWindowStart, "circuit"); err != nil {
			return err
		}
		m.resumeScope(c, hopIndex)
		return nil
	}
	s := c.streams[stream]
	if s == nil {
		log.WithFields(logger.Fields{
			"at":      "circuit.handleSendme",
			"circuit": c.LocalID,
			"stream":  stream,
		}).Debug("sendme for unknown stream, ignoring")
		return nil
	}
	if err := creditPackage(&s.PackageWindow, StreamWindowIncrement, StreamWindowStart, "stream"); err != nil {
		return err
	}
	m.drainStream(c, s)
	return nil
}

// packageWindowFor returns the scope package window governing a
// stream's send side.
func (m *Manager) packageWindowFor(c *Circuit, s *Stream) *int {
	if s.HopIndex >= 0 {
		return &c.Path.At(s.HopIndex).PackageWindow
	}
	return &c.PackageWindow
}

// drainStream packages buffered stream bytes into DATA cells while
// both the stream and scope windows allow, then applies or lifts edge
// backpressure to match the windows left over.
func (m *Manager) drainStream(c *Circuit, s *Stream) {
	// A failed send inside a drain marks the circuit and truncates an
	// origin's crypt path; nothing here may touch hop state after that.
	if c.marked {
		return
	}
	scopeWindow := m.packageWindowFor(c, s)
	for len(s.sendBuf) > 0 && s.PackageWindow > 0 && *scopeWindow > 0 {
		n := len(s.sendBuf)
		if n > cell.MaxRelayDataLen {
			n = cell.MaxRelayDataLen
		}
		chunk := s.sendBuf[:n]
		var err error
		if c.IsOrigin() {
			err = m.sendRelayToHop(c, s.HopIndex, cell.RelayData, s.ID, chunk)
		} else {
			err = m.sendRelayInbound(c, cell.RelayData, s.ID, chunk)
		}
		if err != nil {
			log.WithFields(logger.Fields{
				"at":      "circuit.drainStream",
				"circuit": c.LocalID,
				"stream":  s.ID,
				"reason":  err.Error(),
			}).Warn("failed to package data")
			m.markForClose(c, destroyReasonInternal)
			return
		}
		s.sendBuf = s.sendBuf[n:]
		s.PackageWindow--
		*scopeWindow--
	}
	if len(s.sendBuf) == 0 {
		s.sendBuf = nil
	}
	m.applyBackpressure(c, s)
}

// applyBackpressure pauses the edge while either window is exhausted
// or bytes are still buffered, and resumes it otherwise.
func (m *Manager) applyBackpressure(c *Circuit, s *Stream) {
	scopeWindow := m.packageWindowFor(c, s)
	pause := s.PackageWindow <= 0 || *scopeWindow <= 0 || len(s.sendBuf) > 0
	if pause == s.readPaused {
		return
	}
	s.readPaused = pause
	if s.edge != nil {
		s.edge.SetReadPaused(pause)
	}
}

// resumeScope retries packaging for every stream in a replenished
// scope, stopping early once the scope window is spent again.
func (m *Manager) resumeScope(c *Circuit, hopIndex int) {
	for _, s := range c.streamSnapshot() {
		if s.HopIndex != hopIndex {
			continue
		}
		m.drainStream(c, s)
		if c.marked {
			return
		}
		if *m.packageWindowFor(c, s) <= 0 {
			return
		}
	}
}

// PackageData accepts application bytes from a stream's edge and
// packages as much as the windows allow, buffering the rest under
// backpressure.
func (m *Manager) PackageData(circ uint64, stream cell.StreamID, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.registry.ByLocal(circ)
	if c == nil || c.marked {
		return oops.Errorf("no such circuit %d", circ)
	}
	s := c.streams[stream]
	if s == nil || s.state == StreamClosed {
		return oops.Errorf("no such stream %d on circuit %d", stream, circ)
	}
	s.sendBuf = append(s.sendBuf, p...)
	m.drainStream(c, s)
	return nil
}
