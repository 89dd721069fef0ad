package circuit

import (
	"time"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/transport"
)

// State is a circuit's build state.
type State int

const (
	// StateOnionskinPending means a received CREATE is queued for
	// handshake processing.
	StateOnionskinPending State = iota
	// StateORWait means the circuit is waiting for a connection to
	// its next relay.
	StateORWait
	// StateBuilding means a handshake is in flight.
	StateBuilding
	// StateOpen means every hop is open and traffic may flow.
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOnionskinPending:
		return "ONIONSKIN_PENDING"
	case StateORWait:
		return "OR_WAIT"
	case StateBuilding:
		return "BUILDING"
	case StateOpen:
		return "OPEN"
	}
	return "INVALID"
}

// Purpose describes why a circuit exists. It feeds path-length policy.
type Purpose int

const (
	// PurposeGeneral is an ordinary client circuit.
	PurposeGeneral Purpose = iota
	// PurposeRelay marks circuits this node participates in but did
	// not originate.
	PurposeRelay
)

// Direction orients a relay cell on a circuit.
type Direction int

const (
	// Outbound cells move away from the originator.
	Outbound Direction = iota
	// Inbound cells move toward the originator.
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// link names one side of a circuit: a connection and the circuit id
// used on it.
type link struct {
	conn   transport.Conn
	circID cell.CircID
}

func (l link) valid() bool { return l.conn != nil }

// Circuit is one multi-hop tunnel as seen from this node. The
// originator owns a CryptPath; a relay owns a single cipher pair.
// Those two forms are mutually exclusive.
type Circuit struct {
	// LocalID is the process-unique registry handle. Suspended work
	// resumes by looking this up again, never by a held pointer.
	LocalID uint64

	state   State
	purpose Purpose
	marked  bool

	// prev faces the originator, next faces the exit. The originator
	// has no prev; the last relay has no next.
	prev link
	next link

	// Path is set only at the originator.
	Path *CryptPath
	// Forward/Backward are set only at a non-originating relay.
	Forward  *CryptoState
	Backward *CryptoState

	// Circuit-scope windows, used at relays and the exit.
	PackageWindow int
	DeliverWindow int

	createdAt time.Time
	dirtyAt   time.Time

	// destroySent guards the at-most-one-DESTROY-per-side rule.
	destroySentPrev bool
	destroySentNext bool

	// streams holds attached edge streams keyed by id, with ordered
	// ids for deterministic iteration.
	streams   map[cell.StreamID]*Stream
	streamIDs []cell.StreamID
	// nextStreamID is the probe cursor for stream id allocation.
	nextStreamID uint16

	// pendingExtend stashes a relay-side EXTEND until the connection
	// to the target relay is ready.
	pendingExtend *extendRequest
}

// newOriginCircuit allocates an originator circuit in OR_WAIT.
func newOriginCircuit(purpose Purpose) *Circuit {
	now := time.Now()
	return &Circuit{
		state:         StateORWait,
		purpose:       purpose,
		Path:          NewCryptPath(),
		PackageWindow: CircWindowStart,
		DeliverWindow: CircWindowStart,
		createdAt:     now,
		dirtyAt:       now,
		streams:       make(map[cell.StreamID]*Stream),
		nextStreamID:  1,
	}
}

// newRelayCircuit allocates a circuit for a CREATE received on conn.
func newRelayCircuit(conn transport.Conn, id cell.CircID) *Circuit {
	now := time.Now()
	return &Circuit{
		state:         StateOnionskinPending,
		purpose:       PurposeRelay,
		prev:          link{conn: conn, circID: id},
		PackageWindow: CircWindowStart,
		DeliverWindow: CircWindowStart,
		createdAt:     now,
		dirtyAt:       now,
		streams:       make(map[cell.StreamID]*Stream),
		nextStreamID:  1,
	}
}

// State returns the circuit's build state.
func (c *Circuit) State() State { return c.state }

// Purpose returns why the circuit exists.
func (c *Circuit) Purpose() Purpose { return c.purpose }

// IsOrigin reports whether this node originated the circuit.
func (c *Circuit) IsOrigin() bool { return c.Path != nil }

// Marked reports whether the circuit is marked for close.
func (c *Circuit) Marked() bool { return c.marked }

// touch refreshes the dirty timestamp on any use.
func (c *Circuit) touch() { c.dirtyAt = time.Now() }

// idleSince returns how long the circuit has been unused.
func (c *Circuit) idleSince(now time.Time) time.Duration {
	return now.Sub(c.dirtyAt)
}

// Stream returns the attached stream with the given id, or nil.
func (c *Circuit) Stream(id cell.StreamID) *Stream {
	return c.streams[id]
}

// attachStream links a stream into the circuit's ordered list.
func (c *Circuit) attachStream(s *Stream) {
	c.streams[s.ID] = s
	c.streamIDs = append(c.streamIDs, s.ID)
}

// detachStream unlinks a stream by id.
func (c *Circuit) detachStream(id cell.StreamID) {
	if _, ok := c.streams[id]; !ok {
		return
	}
	delete(c.streams, id)
	for i, sid := range c.streamIDs {
		if sid == id {
			c.streamIDs = append(c.streamIDs[:i], c.streamIDs[i+1:]...)
			break
		}
	}
}

// streamSnapshot returns the attached streams in attach order. Closing
// logic iterates the snapshot so teardown callbacks may detach freely.
func (c *Circuit) streamSnapshot() []*Stream {
	out := make([]*Stream, 0, len(c.streamIDs))
	for _, id := range c.streamIDs {
		if s, ok := c.streams[id]; ok {
			out = append(out, s)
		}
	}
	return out
}
