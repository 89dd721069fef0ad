// Package onionskin implements the per-hop circuit handshakes: the
// hybrid RSA+Diffie-Hellman onion skin, the fast seed-exchange variant
// for already-protected first hops, and the curve25519 ntor variant.
// All three expand a shared secret into per-hop digest seeds and cipher
// keys via KDF-TOR.
package onionskin

import (
	"crypto/rand"
	"math/big"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

const (
	// DHLen is the size of a Diffie-Hellman public value.
	DHLen = 128
	// dhPrivateBytes is the size of the random DH exponent.
	dhPrivateBytes = 40
)

// 1024-bit MODP group (Oakley group 2), generator 2.
var (
	dhPrime, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08"+
			"8A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B"+
			"302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9"+
			"A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE6"+
			"49286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8"+
			"FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D"+
			"670C354E4ABC9804F1746C08CA237327FFFFFFFFFFFFFFFF", 16)
	dhGenerator = big.NewInt(2)
)

// dhKeyPair is an ephemeral Diffie-Hellman keypair.
type dhKeyPair struct {
	private *big.Int
	public  *big.Int
}

func generateDH() (*dhKeyPair, error) {
	buf := make([]byte, dhPrivateBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, oops.Errorf("dh keygen: %w", err)
	}
	x := new(big.Int).SetBytes(buf)
	return &dhKeyPair{
		private: x,
		public:  new(big.Int).Exp(dhGenerator, x, dhPrime),
	}, nil
}

// publicBytes returns the public value left-padded to DHLen bytes.
func (kp *dhKeyPair) publicBytes() []byte {
	return leftPad(kp.public.Bytes(), DHLen)
}

// sharedSecret computes g^xy from the peer's public value, rejecting
// degenerate values that would fix the result.
func (kp *dhKeyPair) sharedSecret(peer []byte) ([]byte, error) {
	gy := new(big.Int).SetBytes(peer)
	if err := checkDHPublic(gy); err != nil {
		return nil, err
	}
	s := new(big.Int).Exp(gy, kp.private, dhPrime)
	return leftPad(s.Bytes(), DHLen), nil
}

func checkDHPublic(v *big.Int) error {
	one := big.NewInt(1)
	pMinusOne := new(big.Int).Sub(dhPrime, one)
	if v.Cmp(one) <= 0 || v.Cmp(pMinusOne) >= 0 {
		log.WithFields(logger.Fields{
			"at": "checkDHPublic",
		}).Warn("rejecting degenerate DH public value")
		return oops.Errorf("invalid DH public value")
	}
	return nil
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}
