package circuit

import (
	"bytes"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/relayinfo"
	"github.com/go-i2p/go-onion/lib/transport"
)

// maxIDProbes bounds sequential id probing so an attacker-filled id
// space fails fast instead of hanging the allocator.
const maxIDProbes = 64

// linkKey identifies a circuit on one side: the connection and the
// circuit id used on it.
type linkKey struct {
	conn transport.ConnID
	circ cell.CircID
}

// Registry is the process-wide circuit collection. It is not
// internally locked: every caller already runs under the Manager
// mutex, preserving the single-threaded model. Iteration hands out
// snapshots, so closing one circuit while walking another is safe.
type Registry struct {
	nextLocal uint64
	byLocal   map[uint64]*Circuit
	byLink    map[linkKey]*Circuit
	byConn    map[transport.ConnID]map[uint64]bool
	idCursor  map[transport.ConnID]uint16
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byLocal:  make(map[uint64]*Circuit),
		byLink:   make(map[linkKey]*Circuit),
		byConn:   make(map[transport.ConnID]map[uint64]bool),
		idCursor: make(map[transport.ConnID]uint16),
	}
}

// Insert assigns a local id and tracks the circuit.
func (r *Registry) Insert(c *Circuit) {
	r.nextLocal++
	c.LocalID = r.nextLocal
	r.byLocal[c.LocalID] = c
}

// ByLocal looks a circuit up by its process-local handle.
func (r *Registry) ByLocal(id uint64) *Circuit {
	return r.byLocal[id]
}

// ByLink looks a circuit up by (connection, circuit id).
func (r *Registry) ByLink(conn transport.ConnID, id cell.CircID) *Circuit {
	return r.byLink[linkKey{conn, id}]
}

// BindLink indexes a circuit under a (connection, circuit id) pair.
func (r *Registry) BindLink(c *Circuit, conn transport.Conn, id cell.CircID) error {
	key := linkKey{conn.ID(), id}
	if other, ok := r.byLink[key]; ok && other != c {
		return oops.Errorf("circuit id %d already bound on connection %d", id, conn.ID())
	}
	r.byLink[key] = c
	set := r.byConn[conn.ID()]
	if set == nil {
		set = make(map[uint64]bool)
		r.byConn[conn.ID()] = set
	}
	set[c.LocalID] = true
	return nil
}

// UnbindLink drops the index entry for one side of a circuit, keeping
// the other side (which may share the connection) intact.
func (r *Registry) UnbindLink(l link, c *Circuit) {
	if !l.valid() {
		return
	}
	delete(r.byLink, linkKey{l.conn.ID(), l.circID})
	other := c.prev
	if other == l {
		other = c.next
	}
	if other.valid() && other.conn.ID() == l.conn.ID() {
		return
	}
	if set := r.byConn[l.conn.ID()]; set != nil {
		delete(set, c.LocalID)
		if len(set) == 0 {
			delete(r.byConn, l.conn.ID())
		}
	}
}

// Remove drops the circuit and every index entry pointing at it.
func (r *Registry) Remove(c *Circuit) {
	delete(r.byLocal, c.LocalID)
	for _, l := range []link{c.prev, c.next} {
		if !l.valid() {
			continue
		}
		delete(r.byLink, linkKey{l.conn.ID(), l.circID})
		if set := r.byConn[l.conn.ID()]; set != nil {
			delete(set, c.LocalID)
			if len(set) == 0 {
				delete(r.byConn, l.conn.ID())
			}
		}
	}
}

// OnConn returns a snapshot of the circuits bound to a connection.
func (r *Registry) OnConn(conn transport.ConnID) []*Circuit {
	set := r.byConn[conn]
	out := make([]*Circuit, 0, len(set))
	for id := range set {
		if c, ok := r.byLocal[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// All returns a snapshot of every circuit.
func (r *Registry) All() []*Circuit {
	out := make([]*Circuit, 0, len(r.byLocal))
	for _, c := range r.byLocal {
		out = append(out, c)
	}
	return out
}

// Len returns how many circuits are tracked.
func (r *Registry) Len() int { return len(r.byLocal) }

// AllocCircID picks an unused circuit id for a new circuit on conn by
// sequential probing within one half of the id space. Which endpoint
// owns which half is a lexicographic tie-break between the two
// identity digests, so both sides agree without negotiating. Zero is
// never allocated. The probe budget keeps a hostile peer from turning
// allocation into an unbounded scan.
func (r *Registry) AllocCircID(conn transport.Conn, local relayinfo.Digest) (cell.CircID, error) {
	peer := conn.PeerIdentity()
	high := bytes.Compare(local[:], peer[:]) > 0

	cursor := r.idCursor[conn.ID()]
	for i := 0; i < maxIDProbes; i++ {
		cursor++
		cand := cursor & 0x7fff
		if cand == 0 {
			continue
		}
		if high {
			cand |= 0x8000
		}
		if _, used := r.byLink[linkKey{conn.ID(), cell.CircID(cand)}]; !used {
			r.idCursor[conn.ID()] = cursor
			return cell.CircID(cand), nil
		}
	}
	r.idCursor[conn.ID()] = cursor
	log.WithFields(logger.Fields{
		"at":   "Registry.AllocCircID",
		"conn": uint64(conn.ID()),
	}).Error("circuit id space exhausted")
	return 0, oops.Errorf("no free circuit id on connection %d", conn.ID())
}
