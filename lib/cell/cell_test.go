package cell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFixed(t *testing.T) {
	c := NewFixed(0x1234, Create)
	require.Len(t, c, FixedLen)
	assert.Equal(t, CircID(0x1234), c.CircID())
	assert.Equal(t, Create, c.Command())
	assert.Len(t, c.Payload(), PayloadLen)
	assert.NoError(t, c.Valid())

	// circuit id is big-endian on the wire
	assert.Equal(t, byte(0x12), c[0])
	assert.Equal(t, byte(0x34), c[1])
}

func TestNewVariable(t *testing.T) {
	payload := []byte{0, 4, 0, 5}
	c, err := NewVariable(0, Versions, payload)
	require.NoError(t, err)
	assert.Equal(t, Versions, c.Command())
	assert.Equal(t, payload, c.Payload())
	assert.NoError(t, c.Valid())

	_, err = NewVariable(0, Versions, make([]byte, MaxVarPayloadLen+1))
	assert.Error(t, err)
}

func TestCellValid(t *testing.T) {
	tests := []struct {
		name string
		cell Cell
		ok   bool
	}{
		{"empty", Cell{}, false},
		{"truncated fixed", Cell(make([]byte, 100)), false},
		{"fixed", NewFixed(1, Relay), true},
		{"oversize fixed", Cell(make([]byte, FixedLen+1)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.ok {
				assert.NoError(t, tt.cell.Valid())
			} else {
				assert.Error(t, tt.cell.Valid())
			}
		})
	}
}

func TestVariableLengthCommands(t *testing.T) {
	assert.True(t, Versions.IsVariableLength())
	assert.True(t, Command(128).IsVariableLength())
	assert.True(t, Command(200).IsVariableLength())
	assert.False(t, Relay.IsVariableLength())
	assert.False(t, Padding.IsVariableLength())
}

func TestPackUnpackRelay(t *testing.T) {
	data := []byte("hello through the onion")
	hdr := RelayHeader{
		Command:  RelayData,
		StreamID: 7,
		Digest:   [4]byte{0xde, 0xad, 0xbe, 0xef},
	}
	p, err := PackRelay(hdr, data)
	require.NoError(t, err)
	require.Len(t, p, PayloadLen)

	got, gotData, err := UnpackRelay(p)
	require.NoError(t, err)
	assert.Equal(t, RelayData, got.Command)
	assert.Equal(t, StreamID(7), got.StreamID)
	assert.Equal(t, hdr.Digest, got.Digest)
	assert.Equal(t, uint16(len(data)), got.Length)
	assert.Equal(t, data, gotData)
	assert.True(t, RelayRecognized(p))
	assert.Equal(t, StreamID(7), RelayStream(p))
}

func TestPackRelayTooLarge(t *testing.T) {
	_, err := PackRelay(RelayHeader{Command: RelayData}, make([]byte, MaxRelayDataLen+1))
	assert.Error(t, err)
}

func TestUnpackRelayBadLength(t *testing.T) {
	p, err := PackRelay(RelayHeader{Command: RelayData}, []byte("x"))
	require.NoError(t, err)
	// corrupt the length field past capacity
	p[relayLengthOff] = 0xff
	p[relayLengthOff+1] = 0xff
	_, _, err = UnpackRelay(p)
	assert.Error(t, err)
}

func TestZeroRelayDigest(t *testing.T) {
	hdr := RelayHeader{Command: RelayData, Digest: [4]byte{1, 2, 3, 4}}
	p, err := PackRelay(hdr, nil)
	require.NoError(t, err)

	prev := ZeroRelayDigest(p)
	assert.Equal(t, [4]byte{1, 2, 3, 4}, prev)
	assert.Equal(t, [4]byte{}, RelayDigest(p))

	SetRelayDigest(p, prev)
	assert.Equal(t, prev, RelayDigest(p))
}
