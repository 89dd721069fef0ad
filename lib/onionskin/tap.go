package onionskin

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// Hybrid onion skin sizes. The RSA block is sized to a 1024-bit onion
// key with OAEP-SHA1 padding (42 bytes overhead); what does not fit in
// the RSA block travels encrypted under the embedded symmetric key.
const (
	rsaBlockLen    = 128
	oaepOverhead   = 2*HashLen + 2
	rsaCapacity    = rsaBlockLen - oaepOverhead // 86
	symPortionLen  = KeyLen + DHLen - rsaCapacity
	// OnionSkinLen is the total client handshake blob size.
	OnionSkinLen = rsaBlockLen + symPortionLen // 186
	// TAPReplyLen is the server reply size: the server DH value
	// followed by the derivative key data KH.
	TAPReplyLen = DHLen + HashLen // 148
)

// ClientHandshake is the originator side of an in-flight handshake: an
// opaque blob to send and the ephemeral secret needed to finish once
// the reply arrives.
type ClientHandshake interface {
	// Blob returns the handshake bytes to carry in CREATE or EXTEND.
	Blob() []byte
	// Finish consumes the reply and derives n bytes of key material.
	Finish(reply []byte, n int) ([]byte, error)
}

type tapClient struct {
	blob []byte
	kp   *dhKeyPair
}

// NewTAPClient builds a hybrid onion skin for a hop whose onion key is
// pub. The returned state holds the ephemeral DH secret until Finish.
func NewTAPClient(pub *rsa.PublicKey) (ClientHandshake, error) {
	if pub == nil {
		return nil, oops.Errorf("nil onion key")
	}
	if pub.Size() != rsaBlockLen {
		return nil, oops.Errorf("onion key modulus is %d bytes, want %d", pub.Size(), rsaBlockLen)
	}
	kp, err := generateDH()
	if err != nil {
		return nil, err
	}
	gx := kp.publicBytes()

	var symKey [KeyLen]byte
	if _, err := rand.Read(symKey[:]); err != nil {
		return nil, oops.Errorf("symmetric key: %w", err)
	}
	// Keep the leading RSA plaintext byte below the modulus range.
	symKey[0] &= 0x7f

	// RSA portion: symmetric key followed by as much of g^x as fits.
	rsaPlain := make([]byte, 0, rsaCapacity)
	rsaPlain = append(rsaPlain, symKey[:]...)
	rsaPlain = append(rsaPlain, gx[:rsaCapacity-KeyLen]...)
	encrypted, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, rsaPlain, nil)
	if err != nil {
		log.WithError(err).Error("onion skin RSA encryption failed")
		return nil, oops.Errorf("rsa encrypt: %w", err)
	}

	// Symmetric portion: the rest of g^x under the embedded key.
	sym, err := ctr(symKey[:], gx[rsaCapacity-KeyLen:])
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, OnionSkinLen)
	blob = append(blob, encrypted...)
	blob = append(blob, sym...)
	return &tapClient{blob: blob, kp: kp}, nil
}

func (c *tapClient) Blob() []byte { return c.blob }

func (c *tapClient) Finish(reply []byte, n int) ([]byte, error) {
	if len(reply) < TAPReplyLen {
		return nil, oops.Errorf("handshake reply truncated: %d", len(reply))
	}
	secret, err := c.kp.sharedSecret(reply[:DHLen])
	if err != nil {
		return nil, err
	}
	derived, err := kdf(secret, HashLen+n)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(derived[:HashLen], reply[DHLen:TAPReplyLen]) != 1 {
		log.WithFields(logger.Fields{
			"at": "tapClient.Finish",
		}).Warn("derivative key data mismatch")
		return nil, oops.Errorf("handshake reply KH mismatch")
	}
	return derived[HashLen:], nil
}

// TAPServer processes a received onion skin with the local onion
// private key and derives n bytes of key material plus the reply blob
// the client needs to derive the same material.
func TAPServer(blob []byte, key *rsa.PrivateKey, n int) (reply, keyMaterial []byte, err error) {
	if len(blob) < OnionSkinLen {
		return nil, nil, oops.Errorf("onion skin truncated: %d", len(blob))
	}
	rsaPlain, err := rsa.DecryptOAEP(sha1.New(), nil, key, blob[:rsaBlockLen], nil)
	if err != nil {
		return nil, nil, oops.Errorf("onion skin rsa decrypt: %w", err)
	}
	if len(rsaPlain) != rsaCapacity {
		return nil, nil, oops.Errorf("onion skin rsa plaintext wrong size: %d", len(rsaPlain))
	}
	symKey := rsaPlain[:KeyLen]
	gxTail, err := ctr(symKey, blob[rsaBlockLen:OnionSkinLen])
	if err != nil {
		return nil, nil, err
	}
	gx := make([]byte, 0, DHLen)
	gx = append(gx, rsaPlain[KeyLen:]...)
	gx = append(gx, gxTail...)

	kp, err := generateDH()
	if err != nil {
		return nil, nil, err
	}
	secret, err := kp.sharedSecret(gx)
	if err != nil {
		return nil, nil, err
	}
	derived, err := kdf(secret, HashLen+n)
	if err != nil {
		return nil, nil, err
	}

	reply = make([]byte, 0, TAPReplyLen)
	reply = append(reply, kp.publicBytes()...)
	reply = append(reply, derived[:HashLen]...)
	return reply, derived[HashLen:], nil
}

// ctr encrypts or decrypts data with AES-CTR under key and a zero IV.
// The keystream is used exactly once per key, so a fixed IV is sound.
func ctr(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, oops.Errorf("aes: %w", err)
	}
	out := make([]byte, len(data))
	var iv [aes.BlockSize]byte
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, data)
	return out, nil
}
