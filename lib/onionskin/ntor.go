package onionskin

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/samber/oops"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ntor handshake constants.
const (
	ntorProtoID = "ntor-curve25519-sha256-1"

	// NtorSkinLen is the client handshake: identity digest, server
	// ntor key id, and the client curve25519 public value.
	NtorSkinLen = HashLen + 32 + 32
	// NtorReplyLen is the server public value plus the auth tag.
	NtorReplyLen = 32 + 32
)

var (
	ntorTMac    = []byte(ntorProtoID + ":mac")
	ntorTKey    = []byte(ntorProtoID + ":key_extract")
	ntorTVerify = []byte(ntorProtoID + ":verify")
	ntorMExpand = []byte(ntorProtoID + ":key_expand")
)

// NtorKeyPair is a relay's medium-term ntor onion key.
type NtorKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateNtorKeyPair creates a fresh curve25519 keypair.
func GenerateNtorKeyPair() (*NtorKeyPair, error) {
	kp := &NtorKeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, oops.Errorf("ntor keygen: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

type ntorClient struct {
	blob     []byte
	identity [HashLen]byte
	serverB  [32]byte
	x        [32]byte
	bigX     [32]byte
}

// NewNtorClient builds an ntor client handshake toward the relay with
// the given identity digest and ntor onion key.
func NewNtorClient(identity [HashLen]byte, serverKey [32]byte) (ClientHandshake, error) {
	c := &ntorClient{identity: identity, serverB: serverKey}
	if _, err := rand.Read(c.x[:]); err != nil {
		return nil, oops.Errorf("ntor keygen: %w", err)
	}
	curve25519.ScalarBaseMult(&c.bigX, &c.x)

	blob := make([]byte, 0, NtorSkinLen)
	blob = append(blob, identity[:]...)
	blob = append(blob, serverKey[:]...)
	blob = append(blob, c.bigX[:]...)
	c.blob = blob
	return c, nil
}

func (c *ntorClient) Blob() []byte { return c.blob }

func (c *ntorClient) Finish(reply []byte, n int) ([]byte, error) {
	if len(reply) < NtorReplyLen {
		return nil, oops.Errorf("ntor reply truncated: %d", len(reply))
	}
	var bigY [32]byte
	copy(bigY[:], reply[:32])

	xy, err := curve25519.X25519(c.x[:], bigY[:])
	if err != nil {
		return nil, oops.Errorf("ntor: %w", err)
	}
	xb, err := curve25519.X25519(c.x[:], c.serverB[:])
	if err != nil {
		return nil, oops.Errorf("ntor: %w", err)
	}

	secretInput := ntorSecretInput(xy, xb, c.identity, c.serverB, c.bigX, bigY)
	auth := ntorAuth(secretInput, c.identity, c.serverB, bigY, c.bigX)
	if subtle.ConstantTimeCompare(auth, reply[32:NtorReplyLen]) != 1 {
		return nil, oops.Errorf("ntor auth mismatch")
	}
	return ntorExpand(secretInput, n)
}

// NtorServer processes a received ntor handshake with the relay's ntor
// keypair and identity digest.
func NtorServer(blob []byte, kp *NtorKeyPair, identity [HashLen]byte, n int) (reply, keyMaterial []byte, err error) {
	if len(blob) < NtorSkinLen {
		return nil, nil, oops.Errorf("ntor onion skin truncated: %d", len(blob))
	}
	if subtle.ConstantTimeCompare(blob[:HashLen], identity[:]) != 1 {
		return nil, nil, oops.Errorf("ntor onion skin for wrong identity")
	}
	if subtle.ConstantTimeCompare(blob[HashLen:HashLen+32], kp.Public[:]) != 1 {
		return nil, nil, oops.Errorf("ntor onion skin for unknown key")
	}
	var bigX [32]byte
	copy(bigX[:], blob[HashLen+32:NtorSkinLen])

	var y [32]byte
	if _, err := rand.Read(y[:]); err != nil {
		return nil, nil, oops.Errorf("ntor keygen: %w", err)
	}
	var bigY [32]byte
	curve25519.ScalarBaseMult(&bigY, &y)

	xy, err := curve25519.X25519(y[:], bigX[:])
	if err != nil {
		return nil, nil, oops.Errorf("ntor: %w", err)
	}
	xb, err := curve25519.X25519(kp.Private[:], bigX[:])
	if err != nil {
		return nil, nil, oops.Errorf("ntor: %w", err)
	}

	secretInput := ntorSecretInput(xy, xb, identity, kp.Public, bigX, bigY)
	auth := ntorAuth(secretInput, identity, kp.Public, bigY, bigX)

	keyMaterial, err = ntorExpand(secretInput, n)
	if err != nil {
		return nil, nil, err
	}
	reply = make([]byte, 0, NtorReplyLen)
	reply = append(reply, bigY[:]...)
	reply = append(reply, auth...)
	return reply, keyMaterial, nil
}

func ntorSecretInput(xy, xb []byte, id [HashLen]byte, b, x, y [32]byte) []byte {
	s := make([]byte, 0, 64+HashLen+3*32+len(ntorProtoID))
	s = append(s, xy...)
	s = append(s, xb...)
	s = append(s, id[:]...)
	s = append(s, b[:]...)
	s = append(s, x[:]...)
	s = append(s, y[:]...)
	s = append(s, ntorProtoID...)
	return s
}

func ntorAuth(secretInput []byte, id [HashLen]byte, b, y, x [32]byte) []byte {
	verify := hmacSHA256(ntorTVerify, secretInput)
	ai := make([]byte, 0, len(verify)+HashLen+3*32+len(ntorProtoID)+6)
	ai = append(ai, verify...)
	ai = append(ai, id[:]...)
	ai = append(ai, b[:]...)
	ai = append(ai, y[:]...)
	ai = append(ai, x[:]...)
	ai = append(ai, ntorProtoID...)
	ai = append(ai, "Server"...)
	return hmacSHA256(ntorTMac, ai)
}

func ntorExpand(secretInput []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secretInput, ntorTKey, ntorMExpand)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, oops.Errorf("ntor key expansion: %w", err)
	}
	return out, nil
}

func hmacSHA256(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}
