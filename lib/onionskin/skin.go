package onionskin

import (
	"bytes"

	"github.com/samber/oops"
)

// Type selects the handshake variant for a hop.
type Type int

const (
	// TAP is the hybrid RSA+DH handshake.
	TAP Type = iota
	// Fast is the seed-exchange handshake for protected first hops.
	Fast
	// Ntor is the curve25519 handshake.
	Ntor
)

func (t Type) String() string {
	switch t {
	case TAP:
		return "tap"
	case Fast:
		return "fast"
	case Ntor:
		return "ntor"
	}
	return "unknown"
}

// NtorTag prefixes an ntor handshake carried inside a fixed-size onion
// skin, distinguishing it from a TAP handshake of the same framing.
const NtorTag = "ntorNTORntorNTOR"

// PackSkin frames a client handshake blob into the fixed OnionSkinLen
// bytes carried by CREATE and EXTEND. TAP blobs fill the frame exactly;
// ntor blobs are tag-prefixed and zero-padded.
func PackSkin(t Type, blob []byte) ([]byte, error) {
	switch t {
	case TAP:
		if len(blob) != OnionSkinLen {
			return nil, oops.Errorf("tap onion skin wrong size: %d", len(blob))
		}
		out := make([]byte, OnionSkinLen)
		copy(out, blob)
		return out, nil
	case Ntor:
		if len(NtorTag)+len(blob) > OnionSkinLen {
			return nil, oops.Errorf("ntor onion skin too large: %d", len(blob))
		}
		out := make([]byte, OnionSkinLen)
		copy(out, NtorTag)
		copy(out[len(NtorTag):], blob)
		return out, nil
	}
	return nil, oops.Errorf("handshake type %v cannot be framed as an onion skin", t)
}

// UnpackSkin classifies a received fixed-size onion skin and returns
// the embedded handshake data.
func UnpackSkin(skin []byte) (Type, []byte, error) {
	if len(skin) < OnionSkinLen {
		return 0, nil, oops.Errorf("onion skin truncated: %d", len(skin))
	}
	if bytes.HasPrefix(skin, []byte(NtorTag)) {
		return Ntor, skin[len(NtorTag) : len(NtorTag)+NtorSkinLen], nil
	}
	return TAP, skin[:OnionSkinLen], nil
}
