// Package keys persists a node's long-lived key material: the RSA
// identity key, the RSA onion key serving TAP handshakes, and the
// curve25519 ntor key. Keys are generated on first use and loaded on
// every start after that.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/go-i2p/go-onion/lib/onionskin"
	"github.com/go-i2p/go-onion/lib/relayinfo"
)

var log = logger.GetGoI2PLogger()

const (
	identityKeyFile = "identity.pem"
	onionKeyFile    = "onion.pem"
	ntorKeyFile     = "ntor.yaml"
	keyBits         = 1024
)

// NodeKeystore holds the keys loaded from or generated into one
// directory.
type NodeKeystore struct {
	dir      string
	identity *rsa.PrivateKey
	onion    *rsa.PrivateKey
	ntor     *onionskin.NtorKeyPair
}

// NewNodeKeystore loads the keystore at dir, generating any missing
// key on the way. The directory is created if needed.
func NewNodeKeystore(dir string) (*NodeKeystore, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, oops.Errorf("create keystore dir: %w", err)
		}
	}
	ks := &NodeKeystore{dir: dir}

	var err error
	if ks.identity, err = loadOrGenerateRSA(filepath.Join(dir, identityKeyFile)); err != nil {
		return nil, err
	}
	if ks.onion, err = loadOrGenerateRSA(filepath.Join(dir, onionKeyFile)); err != nil {
		return nil, err
	}
	if ks.ntor, err = loadOrGenerateNtor(filepath.Join(dir, ntorKeyFile)); err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{
		"at":  "NewNodeKeystore",
		"dir": dir,
	}).Debug("keystore ready")
	return ks, nil
}

// IdentityKey returns the long-term identity key.
func (ks *NodeKeystore) IdentityKey() *rsa.PrivateKey { return ks.identity }

// OnionKey returns the key serving TAP handshakes.
func (ks *NodeKeystore) OnionKey() *rsa.PrivateKey { return ks.onion }

// NtorKey returns the curve25519 handshake keypair.
func (ks *NodeKeystore) NtorKey() *onionskin.NtorKeyPair { return ks.ntor }

// IdentityDigest returns the digest other nodes know this node by.
func (ks *NodeKeystore) IdentityDigest() (relayinfo.Digest, error) {
	return relayinfo.IdentityDigest(&ks.identity.PublicKey)
}

// Descriptor builds this node's own directory entry.
func (ks *NodeKeystore) Descriptor(nickname, address string, port uint16, exit bool) (*relayinfo.Descriptor, error) {
	id, err := ks.IdentityDigest()
	if err != nil {
		return nil, err
	}
	d := &relayinfo.Descriptor{
		Nickname: nickname,
		Address:  parseIPv4(address),
		Port:     port,
		Identity: id,
		OnionKey: &ks.onion.PublicKey,
		NtorKey:  ks.ntor.Public,
		HasNtor:  true,
		Flags:    relayinfo.Flags{Entry: true, Exit: exit, Running: true},
	}
	if d.Address == nil {
		return nil, oops.Errorf("address %q is not an IPv4 address", address)
	}
	return d, nil
}

func parseIPv4(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

func loadOrGenerateRSA(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key, err := rsa.GenerateKey(rand.Reader, keyBits)
		if err != nil {
			return nil, oops.Errorf("generate key: %w", err)
		}
		block := &pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
			return nil, oops.Errorf("store key %s: %w", path, err)
		}
		log.Debugf("generated new key at %s", path)
		return key, nil
	}
	if err != nil {
		return nil, oops.Errorf("read key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, oops.Errorf("no RSA private key in %s", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, oops.Errorf("parse key %s: %w", path, err)
	}
	return key, nil
}

// ntorKeyYAML is the on-disk form of the curve25519 keypair.
type ntorKeyYAML struct {
	Public  []byte `yaml:"public"`
	Private []byte `yaml:"private"`
}

func loadOrGenerateNtor(path string) (*onionskin.NtorKeyPair, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		kp, err := onionskin.GenerateNtorKeyPair()
		if err != nil {
			return nil, err
		}
		out, err := yaml.Marshal(&ntorKeyYAML{
			Public:  kp.Public[:],
			Private: kp.Private[:],
		})
		if err != nil {
			return nil, oops.Errorf("encode ntor key: %w", err)
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, oops.Errorf("store ntor key: %w", err)
		}
		return kp, nil
	}
	if err != nil {
		return nil, oops.Errorf("read ntor key %s: %w", path, err)
	}
	var raw ntorKeyYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, oops.Errorf("parse ntor key %s: %w", path, err)
	}
	if len(raw.Public) != 32 || len(raw.Private) != 32 {
		return nil, oops.Errorf("ntor key %s has wrong length", path)
	}
	kp := &onionskin.NtorKeyPair{}
	copy(kp.Public[:], raw.Public)
	copy(kp.Private[:], raw.Private)
	return kp, nil
}
