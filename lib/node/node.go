// Package node assembles a running onion node from its parts: the
// keystore, the relay directory, the TCP link layer, and the circuit
// engine.
package node

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/circuit"
	"github.com/go-i2p/go-onion/lib/config"
	"github.com/go-i2p/go-onion/lib/keys"
	"github.com/go-i2p/go-onion/lib/relayinfo"
	"github.com/go-i2p/go-onion/lib/transport"
)

var log = logger.GetGoI2PLogger()

// reapInterval is how often the idle-circuit reaper runs.
const reapInterval = time.Minute

// Node is one onion node: client, relay, or both depending on
// configuration.
type Node struct {
	*keys.NodeKeystore

	cfg       *config.NodeConfig
	identity  relayinfo.Digest
	directory *relayinfo.Directory
	tcp       *transport.TCP
	manager   *circuit.Manager

	closeChnl chan bool
	running   bool
	runMux    sync.RWMutex
}

// eventsProxy lets the transport be constructed before the circuit
// engine that consumes its events.
type eventsProxy struct{ sink transport.Events }

func (p *eventsProxy) CellArrived(conn transport.Conn, c cell.Cell) { p.sink.CellArrived(conn, c) }
func (p *eventsProxy) ConnOpened(conn transport.Conn) { p.sink.ConnOpened(conn) }
func (p *eventsProxy) ConnFailed(conn transport.Conn) { p.sink.ConnFailed(conn) }
func (p *eventsProxy) ConnectFailed(id relayinfo.Digest) { p.sink.ConnectFailed(id) }

// CreateNode assembles a node with the provided configuration.
func CreateNode(cfg *config.NodeConfig) (*Node, error) {
	log.Debug("Creating node with provided configuration")

	ks, err := keys.NewNodeKeystore(cfg.WorkingDir)
	if err != nil {
		log.WithError(err).Error("Failed to create node keystore")
		return nil, err
	}
	identity, err := ks.IdentityDigest()
	if err != nil {
		return nil, err
	}

	dir, err := loadDirectory(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ORPort != 0 {
		self, err := ks.Descriptor(cfg.Nickname, cfg.Address, cfg.ORPort, cfg.Exit)
		if err != nil {
			return nil, err
		}
		if err := dir.Add(self); err != nil {
			return nil, err
		}
	}

	selector, err := relayinfo.NewWeightedSelector(dir)
	if err != nil {
		return nil, err
	}

	proxy := &eventsProxy{}
	tcp := transport.NewTCP(identity, proxy)

	var edges circuit.EdgeFactory
	if cfg.Exit {
		edges = &exitFactory{}
	}
	manager := circuit.NewManager(engineConfig(cfg), identity,
		ks.OnionKey(), ks.NtorKey(), dir, selector, tcp, edges)
	proxy.sink = manager
	if f, ok := edges.(*exitFactory); ok {
		f.m = manager
	}

	n := &Node{
		NodeKeystore: ks,
		cfg:          cfg,
		identity:     identity,
		directory:    dir,
		tcp:          tcp,
		manager:      manager,
		closeChnl:    make(chan bool),
	}
	log.Debug("Node created successfully")
	return n, nil
}

func loadDirectory(cfg *config.NodeConfig) (*relayinfo.Directory, error) {
	if _, err := os.Stat(cfg.Directory.Path); os.IsNotExist(err) {
		log.WithFields(logger.Fields{
			"at":   "loadDirectory",
			"path": cfg.Directory.Path,
		}).Warn("no directory file, starting with an empty directory")
		return relayinfo.NewDirectory(), nil
	}
	return relayinfo.LoadDirectory(cfg.Directory.Path)
}

func engineConfig(cfg *config.NodeConfig) circuit.Config {
	ec := circuit.DefaultConfig()
	ec.FirstHopFast = cfg.FirstHopFast
	if b := cfg.Build; b != nil {
		ec.BuildRetries = b.Retries
		ec.BuildTimeout = b.Timeout
		ec.BuildRate = rate.Limit(b.Rate)
		ec.BuildBurst = b.Burst
		ec.MinPathLen = b.MinPathLen
		ec.MaxPathLen = b.MaxPathLen
		ec.ExtendBias = b.ExtendBias
	}
	ec.IdleCutoff = cfg.IdleCutoff
	return ec
}

// Identity returns the digest this node is known by.
func (n *Node) Identity() relayinfo.Digest { return n.identity }

// Circuits returns the circuit engine.
func (n *Node) Circuits() *circuit.Manager { return n.manager }

// Directory returns the relay directory.
func (n *Node) Directory() *relayinfo.Directory { return n.directory }

// Start brings the node up: the relay listener when configured, and
// the idle-circuit reaper.
func (n *Node) Start() error {
	n.runMux.Lock()
	defer n.runMux.Unlock()
	if n.running {
		return oops.Errorf("node already running")
	}

	if n.cfg.ORPort != 0 {
		addr := fmt.Sprintf("%s:%d", n.cfg.Address, n.cfg.ORPort)
		if err := n.tcp.Listen(addr); err != nil {
			return err
		}
	}
	go n.reapLoop()

	n.running = true
	log.WithFields(logger.Fields{
		"at":       "Node.Start",
		"identity": n.identity.String(),
		"or_port":  n.cfg.ORPort,
	}).Debug("node started")
	return nil
}

func (n *Node) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if reaped := n.manager.ReapIdle(now); reaped > 0 {
				log.WithFields(logger.Fields{
					"at":     "Node.reapLoop",
					"reaped": reaped,
				}).Debug("closed idle circuits")
			}
		case <-n.closeChnl:
			return
		}
	}
}

// Stop signals the node to shut down.
func (n *Node) Stop() {
	n.runMux.Lock()
	defer n.runMux.Unlock()
	if !n.running {
		return
	}
	n.running = false
	close(n.closeChnl)
}

// Wait blocks until Stop is called.
func (n *Node) Wait() {
	<-n.closeChnl
}

// Close releases the node's network resources. Call after Stop.
func (n *Node) Close() error {
	return n.tcp.Close()
}

// Running reports whether the node has been started and not stopped.
func (n *Node) Running() bool {
	n.runMux.RLock()
	defer n.runMux.RUnlock()
	return n.running
}
