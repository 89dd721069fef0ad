package onionskin

import (
	"crypto/sha1"

	"github.com/samber/oops"
)

const (
	// HashLen is the digest size used throughout the handshake.
	HashLen = 20
	// KeyLen is the stream cipher key size.
	KeyLen = 16
	// KeyMaterialLen is the per-hop key material a circuit consumes:
	// forward and backward digest seeds followed by forward and
	// backward cipher keys.
	KeyMaterialLen = 2*HashLen + 2*KeyLen
)

// kdf expands secret into n bytes by hashing the secret with an
// incrementing counter byte appended, concatenating digests until n
// bytes are produced.
func kdf(secret []byte, n int) ([]byte, error) {
	if n <= 0 {
		return nil, oops.Errorf("kdf: non-positive length %d", n)
	}
	if n > 255*HashLen {
		return nil, oops.Errorf("kdf: requested length %d too large", n)
	}
	out := make([]byte, 0, n+HashLen)
	buf := make([]byte, len(secret)+1)
	copy(buf, secret)
	for i := 0; len(out) < n; i++ {
		buf[len(secret)] = byte(i)
		d := sha1.Sum(buf)
		out = append(out, d[:]...)
	}
	return out[:n], nil
}

// KeyMaterial is the parsed per-hop key layout. Forward means the
// originator-to-exit direction regardless of which side derived it.
type KeyMaterial struct {
	ForwardDigestSeed  [HashLen]byte
	BackwardDigestSeed [HashLen]byte
	ForwardKey         [KeyLen]byte
	BackwardKey        [KeyLen]byte
}

// ParseKeyMaterial splits raw expanded key material into the per-hop
// layout. Both endpoints of a hop parse it identically: forward always
// means originator-to-exit, and the CTR ciphers make the same key
// usable for sealing on one side and peeling on the other.
func ParseKeyMaterial(raw []byte) (*KeyMaterial, error) {
	if len(raw) < KeyMaterialLen {
		return nil, oops.Errorf("key material too short: %d < %d", len(raw), KeyMaterialLen)
	}
	km := &KeyMaterial{}
	copy(km.ForwardDigestSeed[:], raw[0:HashLen])
	copy(km.BackwardDigestSeed[:], raw[HashLen:2*HashLen])
	copy(km.ForwardKey[:], raw[2*HashLen:2*HashLen+KeyLen])
	copy(km.BackwardKey[:], raw[2*HashLen+KeyLen:KeyMaterialLen])
	return km, nil
}
