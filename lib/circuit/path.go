package circuit

import (
	"net"

	"github.com/samber/oops"

	"github.com/go-i2p/go-onion/lib/onionskin"
	"github.com/go-i2p/go-onion/lib/relayinfo"
)

// HopState tracks one hop's handshake progress.
type HopState int

const (
	// HopClosed is the initial state: nothing sent yet.
	HopClosed HopState = iota
	// HopAwaitingKeys means this hop's CREATE or EXTEND is in flight.
	HopAwaitingKeys
	// HopOpen means the reply was processed and ciphers are live.
	HopOpen
)

func (s HopState) String() string {
	switch s {
	case HopClosed:
		return "CLOSED"
	case HopAwaitingKeys:
		return "AWAITING_KEYS"
	case HopOpen:
		return "OPEN"
	}
	return "INVALID"
}

// Hop is one element of a crypt path: the relay it targets, the
// in-flight handshake until the reply lands, and the live cipher and
// digest state afterwards. A hop belongs to exactly one circuit and
// dies with it or on truncation of a path suffix.
type Hop struct {
	Address  net.IP
	Port     uint16
	Identity relayinfo.Digest

	state     HopState
	handshake onionskin.ClientHandshake
	hsType    onionskin.Type

	Forward  *CryptoState
	Backward *CryptoState

	// Hop-scope windows, used when this hop is the far end of a
	// stream's data flow at the originator.
	PackageWindow int
	DeliverWindow int
}

// NewHop builds a CLOSED hop targeting desc.
func NewHop(desc *relayinfo.Descriptor) *Hop {
	return &Hop{
		Address:       desc.Address,
		Port:          desc.Port,
		Identity:      desc.Identity,
		state:         HopClosed,
		PackageWindow: CircWindowStart,
		DeliverWindow: CircWindowStart,
	}
}

// State returns the hop's handshake state.
func (h *Hop) State() HopState { return h.state }

// beginHandshake records the in-flight handshake and moves the hop to
// AWAITING_KEYS. A hop handshakes at most once.
func (h *Hop) beginHandshake(hs onionskin.ClientHandshake, t onionskin.Type) error {
	if h.state != HopClosed {
		return oops.Errorf("hop %s handshake in state %s", h.Identity, h.state)
	}
	h.handshake = hs
	h.hsType = t
	h.state = HopAwaitingKeys
	return nil
}

// completeHandshake consumes the handshake reply, initializes the
// cipher pair, and opens the hop.
func (h *Hop) completeHandshake(reply []byte) error {
	if h.state != HopAwaitingKeys || h.handshake == nil {
		return oops.Errorf("hop %s got handshake reply in state %s", h.Identity, h.state)
	}
	raw, err := h.handshake.Finish(reply, onionskin.KeyMaterialLen)
	if err != nil {
		return err
	}
	km, err := onionskin.ParseKeyMaterial(raw)
	if err != nil {
		return err
	}
	fwd, back, err := newHopStates(km)
	if err != nil {
		return err
	}
	h.Forward = fwd
	h.Backward = back
	h.handshake = nil
	h.state = HopOpen
	return nil
}

// CryptPath is the originator-only ordered per-hop state of a circuit.
// Hops open strictly in order, so "next to handshake" is simply the
// first non-open hop.
type CryptPath struct {
	hops []*Hop
}

// NewCryptPath creates an empty path.
func NewCryptPath() *CryptPath {
	return &CryptPath{}
}

// Append adds a hop to the end of the path.
func (p *CryptPath) Append(h *Hop) {
	p.hops = append(p.hops, h)
}

// Len returns the number of hops.
func (p *CryptPath) Len() int { return len(p.hops) }

// At returns the hop at index i.
func (p *CryptPath) At(i int) *Hop {
	if i < 0 || i >= len(p.hops) {
		return nil
	}
	return p.hops[i]
}

// NextPending returns the first hop still needing a handshake, or
// (-1, nil) when every hop is open and the path is complete.
func (p *CryptPath) NextPending() (int, *Hop) {
	for i, h := range p.hops {
		if h.state != HopOpen {
			return i, h
		}
	}
	return -1, nil
}

// OpenLen returns how many leading hops are open.
func (p *CryptPath) OpenLen() int {
	n := 0
	for _, h := range p.hops {
		if h.state != HopOpen {
			break
		}
		n++
	}
	return n
}

// HopIndex returns the index of the hop with the given identity, or -1.
func (p *CryptPath) HopIndex(id relayinfo.Digest) int {
	for i, h := range p.hops {
		if h.Identity == id {
			return i
		}
	}
	return -1
}

// Truncate drops the path suffix starting at index from, freeing the
// removed hops' state.
func (p *CryptPath) Truncate(from int) {
	if from < 0 || from >= len(p.hops) {
		return
	}
	for _, h := range p.hops[from:] {
		h.Forward = nil
		h.Backward = nil
		h.handshake = nil
	}
	p.hops = p.hops[:from]
}

// checkInvariants verifies the AWAITING_KEYS/cipher exclusivity rule
// for every hop. Violations are programming errors; callers treat them
// as protocol violations in production.
func (p *CryptPath) checkInvariants() error {
	for i, h := range p.hops {
		switch h.state {
		case HopAwaitingKeys:
			if h.handshake == nil || h.Forward != nil || h.Backward != nil {
				return oops.Errorf("hop %d awaiting keys with inconsistent state", i)
			}
		case HopClosed, HopOpen:
			if h.handshake != nil {
				return oops.Errorf("hop %d in state %s holds a handshake", i, h.state)
			}
		}
	}
	return nil
}
