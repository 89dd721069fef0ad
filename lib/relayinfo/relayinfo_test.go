package relayinfo

import (
	"crypto/rand"
	"crypto/rsa"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor(t *testing.T, nick string, flags Flags) *Descriptor {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	id, err := IdentityDigest(&key.PublicKey)
	require.NoError(t, err)
	return &Descriptor{
		Nickname:  nick,
		Address:   net.IPv4(10, 0, 0, 1),
		Port:      9001,
		Identity:  id,
		OnionKey:  &key.PublicKey,
		Flags:     flags,
		Bandwidth: 100,
	}
}

func TestDirectoryAddLookup(t *testing.T) {
	dir := NewDirectory()
	d := testDescriptor(t, "alpha", Flags{Running: true})
	require.NoError(t, dir.Add(d))

	assert.Equal(t, d, dir.Lookup(d.Identity))
	assert.Nil(t, dir.Lookup(Digest{1}))
	assert.Equal(t, 1, dir.UsableCount())

	assert.Error(t, dir.Add(nil))
	assert.Error(t, dir.Add(&Descriptor{}))
}

func TestSelectorRoleConstraints(t *testing.T) {
	dir := NewDirectory()
	entry := testDescriptor(t, "entry", Flags{Running: true, Entry: true})
	exit := testDescriptor(t, "exit", Flags{Running: true, Exit: true})
	middle := testDescriptor(t, "middle", Flags{Running: true})
	for _, d := range []*Descriptor{entry, exit, middle} {
		require.NoError(t, dir.Add(d))
	}
	sel, err := NewWeightedSelector(dir)
	require.NoError(t, err)

	got, err := sel.ChooseRelay(Constraints{Role: RoleEntry})
	require.NoError(t, err)
	assert.Equal(t, entry.Identity, got.Identity)

	got, err = sel.ChooseRelay(Constraints{Role: RoleExit})
	require.NoError(t, err)
	assert.Equal(t, exit.Identity, got.Identity)
}

func TestSelectorExclusion(t *testing.T) {
	dir := NewDirectory()
	a := testDescriptor(t, "a", Flags{Running: true})
	b := testDescriptor(t, "b", Flags{Running: true})
	require.NoError(t, dir.Add(a))
	require.NoError(t, dir.Add(b))
	sel, err := NewWeightedSelector(dir)
	require.NoError(t, err)

	got, err := sel.ChooseRelay(Constraints{Role: RoleMiddle, Exclude: []Digest{a.Identity}})
	require.NoError(t, err)
	assert.Equal(t, b.Identity, got.Identity)

	_, err = sel.ChooseRelay(Constraints{
		Role:    RoleMiddle,
		Exclude: []Digest{a.Identity, b.Identity},
	})
	assert.ErrorIs(t, err, ErrNoUsableRelay)
}

func TestSelectorFamilyExclusion(t *testing.T) {
	dir := NewDirectory()
	a := testDescriptor(t, "a", Flags{Running: true})
	b := testDescriptor(t, "b", Flags{Running: true})
	b.Family = []Digest{a.Identity} // one-sided declaration is enough
	require.NoError(t, dir.Add(a))
	require.NoError(t, dir.Add(b))
	sel, err := NewWeightedSelector(dir)
	require.NoError(t, err)

	_, err = sel.ChooseRelay(Constraints{
		Role:            RoleMiddle,
		Exclude:         []Digest{a.Identity},
		ExcludeFamilyOf: []*Descriptor{a},
	})
	assert.ErrorIs(t, err, ErrNoUsableRelay)
}

func TestSelectorSkipsNonRunning(t *testing.T) {
	dir := NewDirectory()
	down := testDescriptor(t, "down", Flags{})
	require.NoError(t, dir.Add(down))
	sel, err := NewWeightedSelector(dir)
	require.NoError(t, err)

	_, err = sel.ChooseRelay(Constraints{Role: RoleMiddle})
	assert.ErrorIs(t, err, ErrNoUsableRelay)
}

func TestDirectoryYAMLRoundTrip(t *testing.T) {
	d := testDescriptor(t, "yamlrelay", Flags{Running: true, Exit: true})
	d.NtorKey = [32]byte{1, 2, 3}
	d.HasNtor = true

	one, err := MarshalDescriptor(d)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "relays.yaml")
	require.NoError(t, os.WriteFile(path, indentYAMLList(one), 0o600))

	dir, err := LoadDirectory(path)
	require.NoError(t, err)
	got := dir.Lookup(d.Identity)
	require.NotNil(t, got)
	assert.Equal(t, d.Nickname, got.Nickname)
	assert.Equal(t, d.Port, got.Port)
	assert.True(t, got.HasNtor)
	assert.Equal(t, d.NtorKey, got.NtorKey)
	assert.True(t, got.Flags.Exit)
	assert.Equal(t, d.OnionKey.N, got.OnionKey.N)
}

// indentYAMLList wraps a single marshaled descriptor into a one-element
// "relays:" list document.
func indentYAMLList(one []byte) []byte {
	out := []byte("relays:\n")
	first := true
	for _, line := range splitLines(one) {
		if first {
			out = append(out, "  - "...)
			first = false
		} else {
			out = append(out, "    "...)
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out
}

func splitLines(b []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, b[start:i])
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, b[start:])
	}
	return lines
}
