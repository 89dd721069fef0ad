// Package transport defines the link-layer surface the circuit core
// consumes. Link encryption and peer authentication live outside the
// core: the engine only needs to send and receive whole cells on an
// established connection and to look connections up by peer identity.
package transport

import (
	"net"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/relayinfo"
)

var log = logger.GetGoI2PLogger()

// ConnID identifies one connection for the lifetime of the process.
// Registry entries key off it rather than holding the Conn itself.
type ConnID uint64

// Conn is an established link to a directly connected peer.
type Conn interface {
	// ID returns the process-unique connection id.
	ID() ConnID
	// PeerIdentity returns the authenticated peer identity digest.
	PeerIdentity() relayinfo.Digest
	// Outbound reports whether this side initiated the connection.
	Outbound() bool
	// SendCell queues one cell for delivery. It must not block
	// indefinitely; a dead link surfaces as an error or a later
	// ConnFailed event.
	SendCell(c cell.Cell) error
	// Close tears the link down. Safe to call more than once.
	Close() error
}

// Events is implemented by the circuit engine and invoked by the
// transport as links change state and cells arrive. Calls for one
// connection arrive in order.
type Events interface {
	// CellArrived delivers one validated cell.
	CellArrived(conn Conn, c cell.Cell)
	// ConnOpened fires when a pending Connect completes.
	ConnOpened(conn Conn)
	// ConnFailed fires when an established link dies. The ConnID is
	// dead afterward.
	ConnFailed(conn Conn)
	// ConnectFailed fires when a pending Connect never produced a
	// connection.
	ConnectFailed(id relayinfo.Digest)
}

// Dialer hands out connections. Connect is asynchronous: completion or
// failure is reported through the Events sink, never a return value,
// so callers must not hold references across the wait.
type Dialer interface {
	// LookupByIdentity returns the open connection to a peer, or nil.
	LookupByIdentity(id relayinfo.Digest) Conn
	// Connect starts establishing a link to the peer.
	Connect(addr net.IP, port uint16, id relayinfo.Digest)
}
