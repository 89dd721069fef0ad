package onionskin

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOnionKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return key
}

func TestTAPRoundTrip(t *testing.T) {
	key := testOnionKey(t)

	client, err := NewTAPClient(&key.PublicKey)
	require.NoError(t, err)
	require.Len(t, client.Blob(), OnionSkinLen)

	reply, serverKM, err := TAPServer(client.Blob(), key, KeyMaterialLen)
	require.NoError(t, err)
	require.Len(t, reply, TAPReplyLen)
	require.Len(t, serverKM, KeyMaterialLen)

	clientKM, err := client.Finish(reply, KeyMaterialLen)
	require.NoError(t, err)
	assert.Equal(t, serverKM, clientKM)
}

func TestTAPRejectsCorruptReply(t *testing.T) {
	key := testOnionKey(t)
	client, err := NewTAPClient(&key.PublicKey)
	require.NoError(t, err)
	reply, _, err := TAPServer(client.Blob(), key, KeyMaterialLen)
	require.NoError(t, err)

	reply[DHLen] ^= 0x01 // flip a KH bit
	_, err = client.Finish(reply, KeyMaterialLen)
	assert.Error(t, err)
}

func TestTAPRejectsCorruptSkin(t *testing.T) {
	key := testOnionKey(t)
	client, err := NewTAPClient(&key.PublicKey)
	require.NoError(t, err)

	skin := append([]byte(nil), client.Blob()...)
	skin[10] ^= 0xff
	_, _, err = TAPServer(skin, key, KeyMaterialLen)
	assert.Error(t, err)
}

func TestTAPRejectsWrongKeySize(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = NewTAPClient(&key.PublicKey)
	assert.Error(t, err)
}

func TestFastRoundTrip(t *testing.T) {
	client, err := NewFastClient()
	require.NoError(t, err)
	require.Len(t, client.Blob(), FastSkinLen)

	reply, serverKM, err := FastServer(client.Blob(), KeyMaterialLen)
	require.NoError(t, err)
	require.Len(t, reply, FastReplyLen)

	clientKM, err := client.Finish(reply, KeyMaterialLen)
	require.NoError(t, err)
	assert.Equal(t, serverKM, clientKM)
}

func TestFastRejectsCorruptReply(t *testing.T) {
	client, err := NewFastClient()
	require.NoError(t, err)
	reply, _, err := FastServer(client.Blob(), KeyMaterialLen)
	require.NoError(t, err)

	reply[HashLen+3] ^= 0x80
	_, err = client.Finish(reply, KeyMaterialLen)
	assert.Error(t, err)
}

func TestNtorRoundTrip(t *testing.T) {
	kp, err := GenerateNtorKeyPair()
	require.NoError(t, err)
	var identity [HashLen]byte
	copy(identity[:], []byte("0123456789abcdefghij"))

	client, err := NewNtorClient(identity, kp.Public)
	require.NoError(t, err)
	require.Len(t, client.Blob(), NtorSkinLen)

	reply, serverKM, err := NtorServer(client.Blob(), kp, identity, KeyMaterialLen)
	require.NoError(t, err)
	require.Len(t, reply, NtorReplyLen)

	clientKM, err := client.Finish(reply, KeyMaterialLen)
	require.NoError(t, err)
	assert.Equal(t, serverKM, clientKM)
}

func TestNtorRejectsWrongIdentity(t *testing.T) {
	kp, err := GenerateNtorKeyPair()
	require.NoError(t, err)
	var identity, other [HashLen]byte
	identity[0] = 1
	other[0] = 2

	client, err := NewNtorClient(identity, kp.Public)
	require.NoError(t, err)
	_, _, err = NtorServer(client.Blob(), kp, other, KeyMaterialLen)
	assert.Error(t, err)
}

func TestNtorRejectsCorruptAuth(t *testing.T) {
	kp, err := GenerateNtorKeyPair()
	require.NoError(t, err)
	var identity [HashLen]byte

	client, err := NewNtorClient(identity, kp.Public)
	require.NoError(t, err)
	reply, _, err := NtorServer(client.Blob(), kp, identity, KeyMaterialLen)
	require.NoError(t, err)

	reply[40] ^= 0x01
	_, err = client.Finish(reply, KeyMaterialLen)
	assert.Error(t, err)
}

func TestKDFExpansion(t *testing.T) {
	secret := []byte("shared secret")

	// Output must be the concatenation of counter-suffixed digests.
	out, err := kdf(secret, 45)
	require.NoError(t, err)
	require.Len(t, out, 45)

	d0 := sha1.Sum(append(append([]byte(nil), secret...), 0))
	d1 := sha1.Sum(append(append([]byte(nil), secret...), 1))
	d2 := sha1.Sum(append(append([]byte(nil), secret...), 2))
	want := append(append(d0[:], d1[:]...), d2[:]...)
	assert.Equal(t, want[:45], out)

	_, err = kdf(secret, 0)
	assert.Error(t, err)
}

func TestParseKeyMaterial(t *testing.T) {
	raw := make([]byte, KeyMaterialLen)
	for i := range raw {
		raw[i] = byte(i)
	}
	km, err := ParseKeyMaterial(raw)
	require.NoError(t, err)

	assert.Equal(t, raw[0:HashLen], km.ForwardDigestSeed[:])
	assert.Equal(t, raw[HashLen:2*HashLen], km.BackwardDigestSeed[:])
	assert.Equal(t, raw[2*HashLen:2*HashLen+KeyLen], km.ForwardKey[:])
	assert.Equal(t, raw[2*HashLen+KeyLen:], km.BackwardKey[:])

	_, err = ParseKeyMaterial(raw[:10])
	assert.Error(t, err)
}

func TestPackUnpackSkin(t *testing.T) {
	// TAP skins fill the frame exactly.
	tapBlob := make([]byte, OnionSkinLen)
	tapBlob[0] = 0x42
	skin, err := PackSkin(TAP, tapBlob)
	require.NoError(t, err)
	typ, data, err := UnpackSkin(skin)
	require.NoError(t, err)
	assert.Equal(t, TAP, typ)
	assert.Equal(t, tapBlob, data)

	// ntor skins are tag-prefixed and padded.
	ntorBlob := make([]byte, NtorSkinLen)
	ntorBlob[3] = 0x99
	skin, err = PackSkin(Ntor, ntorBlob)
	require.NoError(t, err)
	require.Len(t, skin, OnionSkinLen)
	typ, data, err = UnpackSkin(skin)
	require.NoError(t, err)
	assert.Equal(t, Ntor, typ)
	assert.Equal(t, ntorBlob, data)

	_, err = PackSkin(Fast, make([]byte, FastSkinLen))
	assert.Error(t, err)
}

func TestDHRejectsDegenerateValues(t *testing.T) {
	kp, err := generateDH()
	require.NoError(t, err)

	one := make([]byte, DHLen)
	one[DHLen-1] = 1
	_, err = kp.sharedSecret(one)
	assert.Error(t, err)

	zero := make([]byte, DHLen)
	_, err = kp.sharedSecret(zero)
	assert.Error(t, err)

	pMinusOne := new(big.Int).Sub(dhPrime, big.NewInt(1))
	_, err = kp.sharedSecret(leftPad(pMinusOne.Bytes(), DHLen))
	assert.Error(t, err)
}
