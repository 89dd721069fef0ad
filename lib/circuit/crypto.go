// Package circuit implements the circuit core: the per-hop crypt path
// and its state machine, the process-wide registry, the incremental
// circuit builder, the onion-peeling relay engine, windowed flow
// control, and stream multiplexing.
//
// All engine state is serialized behind one mutex in Manager. The model
// is cooperative: no handler blocks, long-latency work (connects) is
// issued asynchronously and resumed by event with the circuit looked up
// by id again, never through a reference held across the wait.
package circuit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/subtle"
	"encoding"
	"hash"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/onionskin"
)

var log = logger.GetGoI2PLogger()

// CryptoState is one direction of one hop's relay crypto: a stream
// cipher and a running digest seeded from the handshake key material.
// The digest is fed every relay payload sealed or recognized in this
// direction, so the 4-byte tag also detects dropped or replayed cells
// within a circuit.
type CryptoState struct {
	stream cipher.Stream
	digest hash.Hash
}

// NewCryptoState builds a direction state from a digest seed and
// cipher key. The cipher is AES-CTR with a zero IV; each key is used
// for exactly one keystream.
func NewCryptoState(digestSeed []byte, key []byte) (*CryptoState, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, oops.Errorf("cipher init: %w", err)
	}
	var iv [aes.BlockSize]byte
	d := sha1.New()
	if _, err := d.Write(digestSeed); err != nil {
		return nil, oops.Errorf("digest seed: %w", err)
	}
	return &CryptoState{
		stream: cipher.NewCTR(block, iv[:]),
		digest: d,
	}, nil
}

// newHopStates derives the forward/backward state pair for a hop from
// parsed key material.
func newHopStates(km *onionskin.KeyMaterial) (fwd, back *CryptoState, err error) {
	fwd, err = NewCryptoState(km.ForwardDigestSeed[:], km.ForwardKey[:])
	if err != nil {
		return nil, nil, err
	}
	back, err = NewCryptoState(km.BackwardDigestSeed[:], km.BackwardKey[:])
	if err != nil {
		return nil, nil, err
	}
	return fwd, back, nil
}

// Crypt applies the keystream to p in place. The same operation adds
// or removes a layer.
func (cs *CryptoState) Crypt(p []byte) {
	cs.stream.XORKeyStream(p, p)
}

// SealRelay stamps the integrity tag into a cleartext relay payload and
// advances the running digest. Call before encrypting.
func (cs *CryptoState) SealRelay(p []byte) error {
	cell.ZeroRelayDigest(p)
	if _, err := cs.digest.Write(p); err != nil {
		return oops.Errorf("digest: %w", err)
	}
	var tag [4]byte
	copy(tag[:], cs.digest.Sum(nil)[:4])
	cell.SetRelayDigest(p, tag)
	return nil
}

// RecognizeRelay checks whether a decrypted relay payload is addressed
// to this hop in this direction. On a match the running digest stays
// advanced; otherwise digest state and payload are restored so the cell
// can continue down the path untouched.
//
// An all-zero stream id is recognized unconditionally: such cells are
// circuit-scope control traffic and recognition must not depend on
// digest agreement. Their bytes still feed the digest to keep both
// ends in step.
func (cs *CryptoState) RecognizeRelay(p []byte) (bool, error) {
	if !cell.RelayRecognized(p) {
		return false, nil
	}
	tag := cell.ZeroRelayDigest(p)

	if cell.RelayStream(p) == 0 {
		if _, err := cs.digest.Write(p); err != nil {
			return false, oops.Errorf("digest: %w", err)
		}
		cell.SetRelayDigest(p, tag)
		return true, nil
	}

	snapshot, err := cs.digest.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return false, oops.Errorf("digest snapshot: %w", err)
	}
	if _, err := cs.digest.Write(p); err != nil {
		return false, oops.Errorf("digest: %w", err)
	}
	sum := cs.digest.Sum(nil)
	if subtle.ConstantTimeCompare(sum[:4], tag[:]) == 1 {
		cell.SetRelayDigest(p, tag)
		return true, nil
	}

	// Coincidental zero marker: put everything back.
	if err := cs.digest.(encoding.BinaryUnmarshaler).UnmarshalBinary(snapshot); err != nil {
		return false, oops.Errorf("digest restore: %w", err)
	}
	cell.SetRelayDigest(p, tag)
	return false, nil
}
