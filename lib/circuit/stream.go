package circuit

import (
	"github.com/samber/oops"

	"github.com/go-i2p/go-onion/lib/cell"
)

// StreamState tracks an edge stream's lifecycle.
type StreamState int

const (
	// StreamPending means BEGIN is in flight.
	StreamPending StreamState = iota
	// StreamOpen means CONNECTED arrived (or BEGIN was accepted).
	StreamOpen
	// StreamClosed means the stream was ended.
	StreamClosed
)

// End reasons carried in END relay cells.
const (
	EndReasonMisc           byte = 1
	EndReasonResolveFailed  byte = 2
	EndReasonConnectRefused byte = 3
	EndReasonExitPolicy     byte = 4
	EndReasonDestroy        byte = 5
	EndReasonDone           byte = 6
)

// Edge is the application-facing end of a stream: the client-side
// connection at the originator, the destination connection at the
// exit. The core only pushes bytes at it and pauses its reading.
type Edge interface {
	// DeliverData hands the edge bytes that arrived on the stream.
	DeliverData(p []byte) error
	// SetReadPaused applies or lifts read backpressure.
	SetReadPaused(paused bool)
	// CloseEdge ends the edge with a reason code.
	CloseEdge(reason byte)
}

// EdgeFactory opens destination connections for BEGIN at an exit.
// A nil factory refuses every BEGIN.
type EdgeFactory interface {
	// OpenEdge connects to target ("host:port"). Data the edge reads
	// must be handed back through Manager.PackageData.
	OpenEdge(target string, circ uint64, stream cell.StreamID) (Edge, error)
}

// Stream is one application data flow multiplexed on a circuit. It
// references its circuit by local id and its hop by index, never by
// pointer, so a circuit torn down with streams attached leaves nothing
// dangling.
type Stream struct {
	ID cell.StreamID
	// Circ is the owning circuit's registry handle.
	Circ uint64
	// HopIndex is the recognizing hop at the originator; -1 at a
	// relay, where the circuit scope applies instead.
	HopIndex int

	state StreamState
	edge  Edge

	PackageWindow int
	DeliverWindow int

	// sendBuf holds bytes accepted from the edge but not yet
	// packaged into cells because a window was exhausted.
	sendBuf    []byte
	readPaused bool
}

// State returns the stream's lifecycle state.
func (s *Stream) State() StreamState { return s.state }

func newStream(id cell.StreamID, circ uint64, hopIndex int, edge Edge) *Stream {
	return &Stream{
		ID:            id,
		Circ:          circ,
		HopIndex:      hopIndex,
		state:         StreamPending,
		edge:          edge,
		PackageWindow: StreamWindowStart,
		DeliverWindow: StreamWindowStart,
	}
}

// allocStreamID picks an unused stream id on the circuit by sequential
// probing of a 16-bit cursor, skipping zero and in-use values, bounded
// so a full id space fails instead of spinning.
func (c *Circuit) allocStreamID() (cell.StreamID, error) {
	for i := 0; i < maxIDProbes; i++ {
		cand := cell.StreamID(c.nextStreamID)
		c.nextStreamID++
		if cand == 0 {
			continue
		}
		if _, used := c.streams[cand]; !used {
			return cand, nil
		}
	}
	return 0, oops.Errorf("stream id space exhausted on circuit %d", c.LocalID)
}
