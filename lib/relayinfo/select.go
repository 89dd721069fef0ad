package relayinfo

import (
	"crypto/rand"
	"math/big"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// Role constrains what position a selected relay will occupy.
type Role int

const (
	// RoleEntry selects the first hop of a circuit.
	RoleEntry Role = iota
	// RoleMiddle selects an intermediate hop.
	RoleMiddle
	// RoleExit selects the last hop of a circuit.
	RoleExit
)

// Constraints narrow candidate relays for one selection.
type Constraints struct {
	Role Role
	// Exclude lists identities that must not be chosen: relays
	// already in the path, the exit, the local node.
	Exclude []Digest
	// ExcludeFamilyOf extends exclusion to declared families.
	ExcludeFamilyOf []*Descriptor
}

// Selector is the path-selection collaborator consumed by the circuit
// builder.
type Selector interface {
	// ChooseRelay picks a usable relay under the constraints.
	ChooseRelay(c Constraints) (*Descriptor, error)
}

// ErrNoUsableRelay is returned when no candidate survives filtering.
var ErrNoUsableRelay = oops.Errorf("no usable relay matches constraints")

// WeightedSelector picks relays at random, weighted by advertised
// bandwidth, honoring role flags and exclusions.
type WeightedSelector struct {
	dir *Directory
}

// NewWeightedSelector creates a selector over dir.
func NewWeightedSelector(dir *Directory) (*WeightedSelector, error) {
	if dir == nil {
		return nil, oops.Errorf("nil directory")
	}
	return &WeightedSelector{dir: dir}, nil
}

// ChooseRelay implements Selector.
func (s *WeightedSelector) ChooseRelay(c Constraints) (*Descriptor, error) {
	candidates := s.filter(c)
	if len(candidates) == 0 {
		log.WithFields(logger.Fields{
			"at":      "WeightedSelector.ChooseRelay",
			"role":    int(c.Role),
			"exclude": len(c.Exclude),
		}).Warn("no usable relay")
		return nil, ErrNoUsableRelay
	}
	return weightedPick(candidates)
}

func (s *WeightedSelector) filter(c Constraints) []*Descriptor {
	excluded := make(map[Digest]bool, len(c.Exclude))
	for _, id := range c.Exclude {
		excluded[id] = true
	}
	var out []*Descriptor
	for _, d := range s.dir.snapshot() {
		if excluded[d.Identity] {
			continue
		}
		if c.Role == RoleEntry && !d.Flags.Entry {
			continue
		}
		if c.Role == RoleExit && !d.Flags.Exit {
			continue
		}
		if inFamily(d, c.ExcludeFamilyOf) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func inFamily(d *Descriptor, of []*Descriptor) bool {
	for _, o := range of {
		if o == nil {
			continue
		}
		if d.SameFamily(o) {
			return true
		}
	}
	return false
}

// weightedPick selects a candidate with probability proportional to its
// bandwidth. Relays advertising zero bandwidth get weight one so they
// remain selectable.
func weightedPick(candidates []*Descriptor) (*Descriptor, error) {
	total := new(big.Int)
	for _, d := range candidates {
		total.Add(total, big.NewInt(int64(weightOf(d))))
	}
	r, err := rand.Int(rand.Reader, total)
	if err != nil {
		return nil, oops.Errorf("selection randomness: %w", err)
	}
	acc := new(big.Int)
	for _, d := range candidates {
		acc.Add(acc, big.NewInt(int64(weightOf(d))))
		if r.Cmp(acc) < 0 {
			return d, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

func weightOf(d *Descriptor) uint64 {
	if d.Bandwidth == 0 {
		return 1
	}
	return d.Bandwidth
}
