package circuit

import (
	"context"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/onionskin"
	"github.com/go-i2p/go-onion/lib/relayinfo"
	"github.com/go-i2p/go-onion/lib/transport"
)

// Config tunes the circuit engine.
type Config struct {
	// FirstHopFast selects CREATE_FAST for the first hop. Only safe
	// when the link transport already authenticates the peer.
	FirstHopFast bool
	// MinPathLen is the base number of hops in a built path.
	MinPathLen int
	// MaxPathLen caps the length-extension draw.
	MaxPathLen int
	// ExtendBias is the per-draw probability of adding another hop
	// beyond MinPathLen.
	ExtendBias float64
	// BuildRetries is how many additional attempts Establish makes
	// after a transient failure.
	BuildRetries int
	// BuildTimeout bounds one build attempt end to end.
	BuildTimeout time.Duration
	// BuildRate and BuildBurst rate-limit circuit launches.
	BuildRate  rate.Limit
	BuildBurst int
	// IdleCutoff is how long a streamless circuit may sit unused
	// before the reaper closes it.
	IdleCutoff time.Duration
}

// DefaultConfig returns the stock engine tuning.
func DefaultConfig() Config {
	return Config{
		MinPathLen:   3,
		MaxPathLen:   8,
		ExtendBias:   0.25,
		BuildRetries: 3,
		BuildTimeout: 30 * time.Second,
		BuildRate:    rate.Limit(8),
		BuildBurst:   16,
		IdleCutoff:   10 * time.Minute,
	}
}

// Establish builds a circuit and blocks until it is open or the
// attempt budget is spent. Transient failures (an unreachable relay, a
// link dying mid-build) burn one retry each; a fresh path is planned
// every time. fixedExit pins the last hop, nil lets the selector pick.
func (m *Manager) Establish(ctx context.Context, purpose Purpose, fixedExit *relayinfo.Descriptor) (*Circuit, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.BuildRetries; attempt++ {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, oops.Errorf("circuit build rate limit: %w", err)
		}
		local, done, err := m.launch(purpose, fixedExit)
		if err != nil {
			lastErr = err
			continue
		}

		timer := time.NewTimer(m.cfg.BuildTimeout)
		select {
		case err := <-done:
			timer.Stop()
			if err != nil {
				lastErr = err
				continue
			}
			if c := m.reconfirmOpen(local); c != nil {
				return c, nil
			}
			lastErr = oops.Errorf("circuit %d closed right after opening", local)
		case <-timer.C:
			m.abandon(local)
			lastErr = oops.Errorf("circuit build timed out after %s", m.cfg.BuildTimeout)
		case <-ctx.Done():
			timer.Stop()
			m.abandon(local)
			return nil, ctx.Err()
		}
	}
	return nil, oops.Errorf("circuit build failed after %d attempts: %w",
		m.cfg.BuildRetries+1, lastErr)
}

// reconfirmOpen re-looks the circuit up after its build attempt
// settled; the engine may have torn it down in between.
func (m *Manager) reconfirmOpen(local uint64) *Circuit {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.registry.ByLocal(local)
	if c == nil || c.marked || c.state != StateOpen {
		return nil
	}
	return c
}

// abandon closes a build that the caller stopped waiting for.
func (m *Manager) abandon(local uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.registry.ByLocal(local); c != nil {
		m.markForClose(c, destroyReasonTimeout)
	}
}

// launch plans a path, allocates the circuit, and starts the first
// handshake, dialing the entry relay if no link to it exists yet.
func (m *Manager) launch(purpose Purpose, fixedExit *relayinfo.Descriptor) (uint64, chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.planPath(purpose, fixedExit)
	if err != nil {
		return 0, nil, err
	}

	c := newOriginCircuit(purpose)
	for _, d := range path {
		c.Path.Append(NewHop(d))
	}
	m.registry.Insert(c)
	done := make(chan error, 1)
	m.attempts[c.LocalID] = done

	entry := path[0]
	if conn := m.dialer.LookupByIdentity(entry.Identity); conn != nil {
		if err := m.bindFirstHop(c, conn); err == nil {
			err = m.sendNextHandshake(c)
		}
		if err != nil {
			m.markForClose(c, destroyReasonInternal)
			return 0, nil, err
		}
	} else {
		m.addConnWaiter(entry.Identity, c.LocalID)
		m.dialer.Connect(entry.Address, entry.Port, entry.Identity)
	}
	log.WithFields(logger.Fields{
		"at":      "Manager.launch",
		"circuit": c.LocalID,
		"hops":    len(path),
	}).Debug("circuit launch")
	return c.LocalID, done, nil
}

// pathLength draws a target hop count: the baseline plus a decaying
// chance of each additional hop.
func (m *Manager) pathLength() int {
	n := m.cfg.MinPathLen
	for n < m.cfg.MaxPathLen && m.coin() < m.cfg.ExtendBias {
		n++
	}
	return n
}

// planPath selects the relays for a new circuit: exit first, then
// entry, then middles, excluding already-chosen relays and their
// declared families at every step. At least two usable relays must be
// known or planning fails outright.
func (m *Manager) planPath(purpose Purpose, fixedExit *relayinfo.Descriptor) ([]*relayinfo.Descriptor, error) {
	usable := m.dir.UsableCount()
	if usable < 2 {
		return nil, oops.Errorf("only %d usable relays known, need at least 2", usable)
	}
	length := m.pathLength()
	if purpose == PurposeRelay {
		length = m.cfg.MinPathLen
	}
	if length > usable {
		length = usable
	}

	exit := fixedExit
	if exit == nil {
		var err error
		exit, err = m.selector.ChooseRelay(relayinfo.Constraints{
			Role:    relayinfo.RoleExit,
			Exclude: []relayinfo.Digest{m.identity},
		})
		if err != nil {
			return nil, err
		}
	}

	chosen := []*relayinfo.Descriptor{exit}
	exclude := []relayinfo.Digest{exit.Identity, m.identity}

	entry, err := m.selector.ChooseRelay(relayinfo.Constraints{
		Role:            relayinfo.RoleEntry,
		Exclude:         exclude,
		ExcludeFamilyOf: chosen,
	})
	if err != nil {
		return nil, err
	}
	chosen = append(chosen, entry)
	exclude = append(exclude, entry.Identity)

	path := make([]*relayinfo.Descriptor, 0, length)
	path = append(path, entry)
	for len(path) < length-1 {
		mid, err := m.selector.ChooseRelay(relayinfo.Constraints{
			Role:            relayinfo.RoleMiddle,
			Exclude:         exclude,
			ExcludeFamilyOf: chosen,
		})
		if err != nil {
			return nil, err
		}
		chosen = append(chosen, mid)
		exclude = append(exclude, mid.Identity)
		path = append(path, mid)
	}
	path = append(path, exit)
	return path, nil
}

// bindFirstHop allocates a circuit id on the entry link and attaches
// the circuit's next side to it.
func (m *Manager) bindFirstHop(c *Circuit, conn transport.Conn) error {
	id, err := m.registry.AllocCircID(conn, m.identity)
	if err != nil {
		return err
	}
	c.next = link{conn: conn, circID: id}
	return m.registry.BindLink(c, conn, id)
}

// sendNextHandshake advances the build: hand the first non-open hop
// its handshake, or declare the circuit open when none remains. The
// first hop gets a raw CREATE (or CREATE_FAST); later hops ride an
// EXTEND addressed to their predecessor.
func (m *Manager) sendNextHandshake(c *Circuit) error {
	idx, hop := c.Path.NextPending()
	if hop == nil {
		c.state = StateOpen
		c.touch()
		log.WithFields(logger.Fields{
			"at":      "Manager.sendNextHandshake",
			"circuit": c.LocalID,
			"hops":    c.Path.Len(),
		}).Debug("circuit open")
		m.settleAttempt(c.LocalID, nil)
		return nil
	}

	desc := m.dir.Lookup(hop.Identity)
	if desc == nil {
		return oops.Errorf("no descriptor for hop %s", hop.Identity)
	}

	var hs onionskin.ClientHandshake
	var t onionskin.Type
	var err error
	switch {
	case idx == 0 && m.cfg.FirstHopFast:
		t = onionskin.Fast
		hs, err = onionskin.NewFastClient()
	case desc.HasNtor:
		t = onionskin.Ntor
		hs, err = onionskin.NewNtorClient(hop.Identity, desc.NtorKey)
	default:
		t = onionskin.TAP
		hs, err = onionskin.NewTAPClient(desc.OnionKey)
	}
	if err != nil {
		return err
	}
	if err := hop.beginHandshake(hs, t); err != nil {
		return err
	}
	c.state = StateBuilding
	c.touch()

	if idx == 0 {
		if t == onionskin.Fast {
			out := cell.NewFixed(c.next.circID, cell.CreateFast)
			copy(out.Payload(), hs.Blob())
			return c.next.conn.SendCell(out)
		}
		skin, err := onionskin.PackSkin(t, hs.Blob())
		if err != nil {
			return err
		}
		out := cell.NewFixed(c.next.circID, cell.Create)
		copy(out.Payload(), skin)
		return c.next.conn.SendCell(out)
	}

	skin, err := onionskin.PackSkin(t, hs.Blob())
	if err != nil {
		return err
	}
	payload, err := packExtend(hop.Address, hop.Port, skin, hop.Identity)
	if err != nil {
		return err
	}
	return m.sendRelayToHop(c, idx-1, cell.RelayExtend, 0, payload)
}

// finishHandshake consumes a handshake reply for the hop currently
// awaiting keys, then advances the build.
func (m *Manager) finishHandshake(c *Circuit, reply []byte) error {
	_, hop := c.Path.NextPending()
	if hop == nil || hop.State() != HopAwaitingKeys {
		return oops.Errorf("handshake reply with no hop awaiting keys")
	}
	if err := hop.completeHandshake(reply); err != nil {
		return err
	}
	return m.sendNextHandshake(c)
}
