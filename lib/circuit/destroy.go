package circuit

import (
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-onion/lib/cell"
)

// Reasons carried in the first payload byte of DESTROY.
const (
	destroyReasonNone          byte = 0
	destroyReasonProtocol      byte = 1
	destroyReasonInternal      byte = 2
	destroyReasonRequested     byte = 3
	destroyReasonConnectFailed byte = 6
	destroyReasonConnClosed    byte = 8
	destroyReasonTimeout       byte = 10
)

// markForClose tears a circuit down. It is idempotent; the first call
// wins and later ones return immediately. Each side that still has a
// live link gets at most one DESTROY, attached streams are closed,
// crypto state is released, and a pending build attempt is failed.
func (m *Manager) markForClose(c *Circuit, reason byte) {
	if c.marked {
		return
	}
	c.marked = true

	if c.prev.valid() && !c.destroySentPrev {
		c.destroySentPrev = true
		m.sendDestroy(c.prev, reason)
	}
	if c.next.valid() && !c.destroySentNext {
		c.destroySentNext = true
		m.sendDestroy(c.next, reason)
	}

	for _, s := range c.streamSnapshot() {
		s.state = StreamClosed
		if s.edge != nil {
			s.edge.CloseEdge(EndReasonDestroy)
		}
		c.detachStream(s.ID)
	}

	m.registry.Remove(c)
	if c.IsOrigin() {
		c.Path.Truncate(0)
	} else {
		c.Forward = nil
		c.Backward = nil
	}
	c.pendingExtend = nil

	m.settleAttempt(c.LocalID, oops.Errorf("circuit %d destroyed during build: reason %d", c.LocalID, reason))
	if m.OnCircuitClosed != nil {
		m.OnCircuitClosed(c)
	}
	log.WithFields(logger.Fields{
		"at":      "Manager.markForClose",
		"circuit": c.LocalID,
		"reason":  reason,
	}).Debug("circuit closed")
}

// sendDestroy emits one DESTROY on a link. A send failure is moot: the
// link is about to be reported dead anyway.
func (m *Manager) sendDestroy(l link, reason byte) {
	out := cell.NewFixed(l.circID, cell.Destroy)
	out.Payload()[0] = reason
	if err := l.conn.SendCell(out); err != nil {
		log.WithFields(logger.Fields{
			"at":      "Manager.sendDestroy",
			"circ_id": uint16(l.circID),
			"reason":  err.Error(),
		}).Debug("destroy send failed")
	}
}

// ReapIdle closes streamless circuits unused for longer than the
// configured cutoff and returns how many it closed. The daemon drives
// this from a ticker.
func (m *Manager) ReapIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.IdleCutoff <= 0 {
		return 0
	}
	reaped := 0
	for _, c := range m.registry.All() {
		if len(c.streams) > 0 {
			continue
		}
		if c.idleSince(now) < m.cfg.IdleCutoff {
			continue
		}
		m.markForClose(c, destroyReasonTimeout)
		reaped++
	}
	return reaped
}
