package onionskin

import (
	"crypto/rand"
	"crypto/subtle"

	"github.com/samber/oops"
)

// The fast handshake skips public-key crypto entirely. It is only safe
// toward a hop whose link is already authenticated and confidential,
// which limits it to the first hop of a circuit.
const (
	// FastSkinLen is the client seed size.
	FastSkinLen = HashLen
	// FastReplyLen is the server seed plus derivative key data.
	FastReplyLen = 2 * HashLen
)

type fastClient struct {
	seed [FastSkinLen]byte
}

// NewFastClient generates the client seed for a CREATE_FAST handshake.
func NewFastClient() (ClientHandshake, error) {
	c := &fastClient{}
	if _, err := rand.Read(c.seed[:]); err != nil {
		return nil, oops.Errorf("fast handshake seed: %w", err)
	}
	return c, nil
}

func (c *fastClient) Blob() []byte { return c.seed[:] }

func (c *fastClient) Finish(reply []byte, n int) ([]byte, error) {
	if len(reply) < FastReplyLen {
		return nil, oops.Errorf("fast reply truncated: %d", len(reply))
	}
	secret := make([]byte, 0, 2*HashLen)
	secret = append(secret, c.seed[:]...)
	secret = append(secret, reply[:HashLen]...)
	derived, err := kdf(secret, HashLen+n)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(derived[:HashLen], reply[HashLen:FastReplyLen]) != 1 {
		return nil, oops.Errorf("fast handshake KH mismatch")
	}
	return derived[HashLen:], nil
}

// FastServer processes a CREATE_FAST seed and derives n bytes of key
// material plus the CREATED_FAST reply.
func FastServer(blob []byte, n int) (reply, keyMaterial []byte, err error) {
	if len(blob) < FastSkinLen {
		return nil, nil, oops.Errorf("fast onion skin truncated: %d", len(blob))
	}
	var y [HashLen]byte
	if _, err := rand.Read(y[:]); err != nil {
		return nil, nil, oops.Errorf("fast handshake seed: %w", err)
	}
	secret := make([]byte, 0, 2*HashLen)
	secret = append(secret, blob[:FastSkinLen]...)
	secret = append(secret, y[:]...)
	derived, err := kdf(secret, HashLen+n)
	if err != nil {
		return nil, nil, err
	}
	reply = make([]byte, 0, FastReplyLen)
	reply = append(reply, y[:]...)
	reply = append(reply, derived[:HashLen]...)
	return reply, derived[HashLen:], nil
}
