// Package cell implements the fixed-size cell codec used on relay links.
//
// A fixed cell is 512 bytes on the wire: a 2-byte big-endian circuit id,
// a 1-byte command, and a 509-byte payload. Control-only commands that
// need more room use a variable-length framing with an explicit 2-byte
// payload length after the command byte.
package cell

import (
	"encoding/binary"

	"github.com/samber/oops"
)

// Command identifies the link-level cell type.
type Command uint8

const (
	Padding     Command = 0
	Create      Command = 1
	Created     Command = 2
	Relay       Command = 3
	Destroy     Command = 4
	CreateFast  Command = 5
	CreatedFast Command = 6
	Versions    Command = 7
)

// String returns the command mnemonic for logging.
func (c Command) String() string {
	switch c {
	case Padding:
		return "PADDING"
	case Create:
		return "CREATE"
	case Created:
		return "CREATED"
	case Relay:
		return "RELAY"
	case Destroy:
		return "DESTROY"
	case CreateFast:
		return "CREATE_FAST"
	case CreatedFast:
		return "CREATED_FAST"
	case Versions:
		return "VERSIONS"
	}
	return "UNKNOWN"
}

// IsVariableLength reports whether cells carrying this command use the
// variable-length framing (VERSIONS and the reserved range >= 128).
func (c Command) IsVariableLength() bool {
	return c == Versions || c >= 128
}

const (
	// CircIDLen is the size of the circuit id field.
	CircIDLen = 2
	// PayloadLen is the fixed payload size of a cell.
	PayloadLen = 509
	// FixedLen is the total wire size of a fixed-length cell.
	FixedLen = CircIDLen + 1 + PayloadLen
	// MaxVarPayloadLen caps variable-length cell payloads as a safety
	// bound against hostile length fields.
	MaxVarPayloadLen = 10000
)

// CircID identifies a circuit on one connection. Zero is reserved for
// cells that do not belong to a circuit.
type CircID uint16

// Cell is a wire cell backed by its raw byte representation. The backing
// slice is FixedLen bytes for fixed cells and header+payload for
// variable-length cells.
type Cell []byte

// NewFixed allocates a fixed-length cell with a zeroed payload.
func NewFixed(id CircID, cmd Command) Cell {
	c := make(Cell, FixedLen)
	binary.BigEndian.PutUint16(c[0:2], uint16(id))
	c[2] = byte(cmd)
	return c
}

// NewVariable allocates a variable-length cell holding payload.
func NewVariable(id CircID, cmd Command, payload []byte) (Cell, error) {
	if len(payload) > MaxVarPayloadLen {
		return nil, oops.Errorf("variable cell payload too large: %d", len(payload))
	}
	c := make(Cell, CircIDLen+3+len(payload))
	binary.BigEndian.PutUint16(c[0:2], uint16(id))
	c[2] = byte(cmd)
	binary.BigEndian.PutUint16(c[3:5], uint16(len(payload)))
	copy(c[5:], payload)
	return c, nil
}

// CircID returns the circuit id field.
func (c Cell) CircID() CircID {
	return CircID(binary.BigEndian.Uint16(c[0:2]))
}

// Command returns the command byte.
func (c Cell) Command() Command {
	return Command(c[2])
}

// Payload returns the payload bytes. For fixed cells this is always
// PayloadLen bytes; for variable cells it is the declared length.
func (c Cell) Payload() []byte {
	if c.Command().IsVariableLength() {
		return c[5:]
	}
	return c[3:]
}

// Valid checks structural consistency of a raw cell read off a link.
func (c Cell) Valid() error {
	if len(c) < CircIDLen+1 {
		return oops.Errorf("cell truncated: %d bytes", len(c))
	}
	if c.Command().IsVariableLength() {
		if len(c) < CircIDLen+3 {
			return oops.Errorf("variable cell missing length field")
		}
		want := int(binary.BigEndian.Uint16(c[3:5]))
		if len(c) != CircIDLen+3+want {
			return oops.Errorf("variable cell length mismatch: have %d want %d", len(c)-CircIDLen-3, want)
		}
		return nil
	}
	if len(c) != FixedLen {
		return oops.Errorf("fixed cell wrong size: %d", len(c))
	}
	return nil
}
