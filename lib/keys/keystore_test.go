package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeystoreGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()

	ks, err := NewNodeKeystore(dir)
	require.NoError(t, err)
	require.NotNil(t, ks.IdentityKey())
	require.NotNil(t, ks.OnionKey())
	require.NotNil(t, ks.NtorKey())

	for _, f := range []string{identityKeyFile, onionKeyFile, ntorKeyFile} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, "%s persisted", f)
	}

	id1, err := ks.IdentityDigest()
	require.NoError(t, err)

	// A second load finds the same keys instead of generating new
	// ones.
	ks2, err := NewNodeKeystore(dir)
	require.NoError(t, err)
	id2, err := ks2.IdentityDigest()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, ks.NtorKey().Public, ks2.NtorKey().Public)
	assert.Equal(t, ks.OnionKey().N, ks2.OnionKey().N)
}

func TestKeystoreRejectsCorruptKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityKeyFile), []byte("not pem"), 0o600))

	_, err := NewNodeKeystore(dir)
	assert.Error(t, err)
}

func TestDescriptor(t *testing.T) {
	ks, err := NewNodeKeystore(t.TempDir())
	require.NoError(t, err)

	d, err := ks.Descriptor("testnode", "192.0.2.1", 9001, true)
	require.NoError(t, err)
	assert.Equal(t, "testnode", d.Nickname)
	assert.Equal(t, uint16(9001), d.Port)
	assert.True(t, d.Flags.Exit)
	assert.True(t, d.HasNtor)
	assert.False(t, d.Identity.IsZero())

	_, err = ks.Descriptor("testnode", "not-an-ip", 9001, false)
	assert.Error(t, err)
}
