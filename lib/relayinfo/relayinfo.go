// Package relayinfo holds relay descriptors and path selection. The
// directory protocol that would populate the store is out of scope; the
// core only needs "give me a usable relay matching these constraints".
package relayinfo

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"net"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// DigestLen is the size of a relay identity digest.
const DigestLen = 20

// Digest is the SHA-1 digest of a relay's DER-encoded identity key.
type Digest [DigestLen]byte

// String returns the digest in hex for logging.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// IdentityDigest computes the digest of an identity public key.
func IdentityDigest(pub *rsa.PublicKey) (Digest, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return Digest{}, oops.Errorf("marshal identity key: %w", err)
	}
	return sha1.Sum(der), nil
}

// Flags describe what roles a relay is usable for.
type Flags struct {
	Entry   bool
	Exit    bool
	Running bool
}

// Descriptor is one relay's entry in the directory.
type Descriptor struct {
	Nickname  string
	Address   net.IP
	Port      uint16
	Identity  Digest
	OnionKey  *rsa.PublicKey
	NtorKey   [32]byte
	HasNtor   bool
	Flags     Flags
	Family    []Digest
	Bandwidth uint64
}

// SameFamily reports whether two relays declare each other as family,
// in either direction. Family members never appear in one circuit.
func (d *Descriptor) SameFamily(other *Descriptor) bool {
	for _, f := range d.Family {
		if f == other.Identity {
			return true
		}
	}
	for _, f := range other.Family {
		if f == d.Identity {
			return true
		}
	}
	return false
}

// Directory is an in-memory descriptor store.
type Directory struct {
	mu     sync.RWMutex
	relays map[Digest]*Descriptor
}

// NewDirectory creates an empty descriptor store.
func NewDirectory() *Directory {
	return &Directory{relays: make(map[Digest]*Descriptor)}
}

// Add inserts or replaces a descriptor.
func (dir *Directory) Add(d *Descriptor) error {
	if d == nil || d.Identity.IsZero() {
		return oops.Errorf("descriptor missing identity")
	}
	if d.Address.To4() == nil {
		return oops.Errorf("descriptor %s has no IPv4 address", d.Nickname)
	}
	dir.mu.Lock()
	dir.relays[d.Identity] = d
	dir.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":       "Directory.Add",
		"nickname": d.Nickname,
		"identity": d.Identity.String(),
	}).Debug("descriptor added")
	return nil
}

// Lookup returns the descriptor for an identity, or nil.
func (dir *Directory) Lookup(id Digest) *Descriptor {
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	return dir.relays[id]
}

// UsableCount returns how many running relays are known.
func (dir *Directory) UsableCount() int {
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	n := 0
	for _, d := range dir.relays {
		if d.Flags.Running {
			n++
		}
	}
	return n
}

// snapshot returns the running relays under a read lock.
func (dir *Directory) snapshot() []*Descriptor {
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	out := make([]*Descriptor, 0, len(dir.relays))
	for _, d := range dir.relays {
		if d.Flags.Running {
			out = append(out, d)
		}
	}
	return out
}
