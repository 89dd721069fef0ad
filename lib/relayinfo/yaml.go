package relayinfo

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"net"
	"os"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// descriptorYAML is the on-disk descriptor representation.
type descriptorYAML struct {
	Nickname  string   `yaml:"nickname"`
	Address   string   `yaml:"address"`
	Port      uint16   `yaml:"port"`
	Identity  string   `yaml:"identity"`
	OnionKey  string   `yaml:"onion_key"`
	NtorKey   string   `yaml:"ntor_key,omitempty"`
	Flags     []string `yaml:"flags,omitempty"`
	Family    []string `yaml:"family,omitempty"`
	Bandwidth uint64   `yaml:"bandwidth,omitempty"`
}

type directoryYAML struct {
	Relays []descriptorYAML `yaml:"relays"`
}

// LoadDirectory reads a YAML descriptor file into a Directory.
func LoadDirectory(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Errorf("read directory file: %w", err)
	}
	var doc directoryYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, oops.Errorf("parse directory file: %w", err)
	}
	dir := NewDirectory()
	for i := range doc.Relays {
		d, err := doc.Relays[i].descriptor()
		if err != nil {
			return nil, oops.Errorf("relay %q: %w", doc.Relays[i].Nickname, err)
		}
		if err := dir.Add(d); err != nil {
			return nil, err
		}
	}
	log.WithField("count", len(doc.Relays)).Debug("directory loaded")
	return dir, nil
}

// MarshalDescriptor renders one descriptor as YAML, used when a relay
// publishes its own entry.
func MarshalDescriptor(d *Descriptor) ([]byte, error) {
	y, err := toYAML(d)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(y)
}

func (y *descriptorYAML) descriptor() (*Descriptor, error) {
	ip := net.ParseIP(y.Address)
	if ip == nil {
		return nil, oops.Errorf("bad address %q", y.Address)
	}
	d := &Descriptor{
		Nickname:  y.Nickname,
		Address:   ip,
		Port:      y.Port,
		Bandwidth: y.Bandwidth,
	}
	id, err := parseDigest(y.Identity)
	if err != nil {
		return nil, err
	}
	d.Identity = id

	block, _ := pem.Decode([]byte(y.OnionKey))
	if block == nil {
		return nil, oops.Errorf("onion key is not PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, oops.Errorf("parse onion key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, oops.Errorf("onion key is not RSA")
	}
	d.OnionKey = rsaPub

	if y.NtorKey != "" {
		nk, err := hex.DecodeString(y.NtorKey)
		if err != nil || len(nk) != 32 {
			return nil, oops.Errorf("bad ntor key")
		}
		copy(d.NtorKey[:], nk)
		d.HasNtor = true
	}
	for _, f := range y.Flags {
		switch f {
		case "entry":
			d.Flags.Entry = true
		case "exit":
			d.Flags.Exit = true
		case "running":
			d.Flags.Running = true
		}
	}
	for _, fam := range y.Family {
		fd, err := parseDigest(fam)
		if err != nil {
			return nil, err
		}
		d.Family = append(d.Family, fd)
	}
	return d, nil
}

func toYAML(d *Descriptor) (*descriptorYAML, error) {
	der, err := x509.MarshalPKIXPublicKey(d.OnionKey)
	if err != nil {
		return nil, oops.Errorf("marshal onion key: %w", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	y := &descriptorYAML{
		Nickname:  d.Nickname,
		Address:   d.Address.String(),
		Port:      d.Port,
		Identity:  d.Identity.String(),
		OnionKey:  string(pemKey),
		Bandwidth: d.Bandwidth,
	}
	if d.HasNtor {
		y.NtorKey = hex.EncodeToString(d.NtorKey[:])
	}
	if d.Flags.Entry {
		y.Flags = append(y.Flags, "entry")
	}
	if d.Flags.Exit {
		y.Flags = append(y.Flags, "exit")
	}
	if d.Flags.Running {
		y.Flags = append(y.Flags, "running")
	}
	for _, fam := range d.Family {
		y.Family = append(y.Family, fam.String())
	}
	return y, nil
}

func parseDigest(s string) (Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != DigestLen {
		return Digest{}, oops.Errorf("bad identity digest %q", s)
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}
