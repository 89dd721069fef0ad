package cell

import (
	"encoding/binary"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// RelayCommand identifies the end-to-end sub-protocol command carried
// inside a recognized RELAY cell.
type RelayCommand uint8

const (
	RelayBegin     RelayCommand = 1
	RelayData      RelayCommand = 2
	RelayEnd       RelayCommand = 3
	RelayConnected RelayCommand = 4
	RelaySendme    RelayCommand = 5
	RelayExtend    RelayCommand = 6
	RelayExtended  RelayCommand = 7
	RelayTruncate  RelayCommand = 8
	RelayTruncated RelayCommand = 9
	RelayDrop      RelayCommand = 10
)

// String returns the relay command mnemonic for logging.
func (rc RelayCommand) String() string {
	switch rc {
	case RelayBegin:
		return "BEGIN"
	case RelayData:
		return "DATA"
	case RelayEnd:
		return "END"
	case RelayConnected:
		return "CONNECTED"
	case RelaySendme:
		return "SENDME"
	case RelayExtend:
		return "EXTEND"
	case RelayExtended:
		return "EXTENDED"
	case RelayTruncate:
		return "TRUNCATE"
	case RelayTruncated:
		return "TRUNCATED"
	case RelayDrop:
		return "DROP"
	}
	return "UNKNOWN"
}

// Relay header field offsets inside the 509-byte RELAY payload.
const (
	relayCommandOff    = 0
	relayRecognizedOff = 1
	relayStreamOff     = 3
	relayDigestOff     = 5
	relayLengthOff     = 9

	// RelayHeaderLen is the size of the relay header.
	RelayHeaderLen = 11
	// MaxRelayDataLen is the relay payload capacity of one cell.
	MaxRelayDataLen = PayloadLen - RelayHeaderLen
)

// StreamID identifies one application stream multiplexed on a circuit.
// Zero addresses the circuit itself rather than any stream.
type StreamID uint16

// RelayHeader is the logical header embedded in a RELAY cell payload.
// The Recognized field is zero on the wire; it only carries meaning once
// a hop has removed its cipher layer and checks for recognition.
type RelayHeader struct {
	Command    RelayCommand
	Recognized uint16
	StreamID   StreamID
	Digest     [4]byte
	Length     uint16
}

// PackRelay writes hdr and data into a 509-byte relay payload. The
// digest field is written as given; callers compute it over the payload
// with the field zeroed (see ZeroRelayDigest).
func PackRelay(hdr RelayHeader, data []byte) ([]byte, error) {
	if len(data) > MaxRelayDataLen {
		log.WithFields(logger.Fields{
			"at":  "PackRelay",
			"len": len(data),
		}).Error("relay data exceeds cell capacity")
		return nil, oops.Errorf("relay data too large: %d > %d", len(data), MaxRelayDataLen)
	}
	p := make([]byte, PayloadLen)
	p[relayCommandOff] = byte(hdr.Command)
	binary.BigEndian.PutUint16(p[relayRecognizedOff:], hdr.Recognized)
	binary.BigEndian.PutUint16(p[relayStreamOff:], uint16(hdr.StreamID))
	copy(p[relayDigestOff:relayDigestOff+4], hdr.Digest[:])
	binary.BigEndian.PutUint16(p[relayLengthOff:], uint16(len(data)))
	copy(p[RelayHeaderLen:], data)
	return p, nil
}

// UnpackRelay parses the relay header and data out of a decrypted
// 509-byte relay payload.
func UnpackRelay(p []byte) (RelayHeader, []byte, error) {
	if len(p) < PayloadLen {
		return RelayHeader{}, nil, oops.Errorf("relay payload truncated: %d", len(p))
	}
	hdr := RelayHeader{
		Command:    RelayCommand(p[relayCommandOff]),
		Recognized: binary.BigEndian.Uint16(p[relayRecognizedOff:]),
		StreamID:   StreamID(binary.BigEndian.Uint16(p[relayStreamOff:])),
		Length:     binary.BigEndian.Uint16(p[relayLengthOff:]),
	}
	copy(hdr.Digest[:], p[relayDigestOff:relayDigestOff+4])
	if int(hdr.Length) > MaxRelayDataLen {
		return RelayHeader{}, nil, oops.Errorf("relay length field %d exceeds capacity", hdr.Length)
	}
	return hdr, p[RelayHeaderLen : RelayHeaderLen+int(hdr.Length)], nil
}

// RelayRecognized reports whether the recognized marker of a decrypted
// relay payload is zero. A zero marker is necessary but not sufficient
// for recognition; the digest tag decides.
func RelayRecognized(p []byte) bool {
	return binary.BigEndian.Uint16(p[relayRecognizedOff:]) == 0
}

// RelayStream returns the stream id field of a decrypted relay payload.
func RelayStream(p []byte) StreamID {
	return StreamID(binary.BigEndian.Uint16(p[relayStreamOff:]))
}

// RelayDigest returns the 4-byte integrity tag of a decrypted payload.
func RelayDigest(p []byte) (d [4]byte) {
	copy(d[:], p[relayDigestOff:relayDigestOff+4])
	return
}

// ZeroRelayDigest clears the digest field in place, returning the prior
// value. The running digest is always computed over the payload with
// this field zeroed.
func ZeroRelayDigest(p []byte) (prev [4]byte) {
	copy(prev[:], p[relayDigestOff:relayDigestOff+4])
	p[relayDigestOff] = 0
	p[relayDigestOff+1] = 0
	p[relayDigestOff+2] = 0
	p[relayDigestOff+3] = 0
	return
}

// SetRelayDigest writes the integrity tag into the payload.
func SetRelayDigest(p []byte, d [4]byte) {
	copy(p[relayDigestOff:relayDigestOff+4], d[:])
}
