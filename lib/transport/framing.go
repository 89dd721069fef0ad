package transport

import (
	"encoding/binary"
	"io"

	"github.com/samber/oops"

	"github.com/go-i2p/go-onion/lib/cell"
)

// ReadCell reads one whole cell off a byte stream. Fixed-length cells
// are read as circuit id, command, and the full fixed payload;
// variable-length commands carry an explicit payload length.
func ReadCell(r io.Reader) (cell.Cell, error) {
	hdr := make([]byte, cell.CircIDLen+1)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	cmd := cell.Command(hdr[cell.CircIDLen])
	if !cmd.IsVariableLength() {
		c := make(cell.Cell, cell.FixedLen)
		copy(c, hdr)
		if _, err := io.ReadFull(r, c[len(hdr):]); err != nil {
			return nil, oops.Errorf("short cell read: %w", err)
		}
		return c, nil
	}
	var lenField [2]byte
	if _, err := io.ReadFull(r, lenField[:]); err != nil {
		return nil, oops.Errorf("short cell length read: %w", err)
	}
	n := int(binary.BigEndian.Uint16(lenField[:]))
	if n > cell.MaxVarPayloadLen {
		return nil, oops.Errorf("variable cell payload %d exceeds cap", n)
	}
	c := make(cell.Cell, len(hdr)+2+n)
	copy(c, hdr)
	copy(c[len(hdr):], lenField[:])
	if _, err := io.ReadFull(r, c[len(hdr)+2:]); err != nil {
		return nil, oops.Errorf("short variable cell read: %w", err)
	}
	return c, nil
}

// WriteCell writes one whole cell to a byte stream.
func WriteCell(w io.Writer, c cell.Cell) error {
	if err := c.Valid(); err != nil {
		return err
	}
	if _, err := w.Write(c); err != nil {
		return oops.Errorf("cell write: %w", err)
	}
	return nil
}
