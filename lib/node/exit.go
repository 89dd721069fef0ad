package node

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-onion/lib/cell"
	"github.com/go-i2p/go-onion/lib/circuit"
)

const exitDialTimeout = 10 * time.Second

// exitFactory opens plain TCP connections on behalf of circuits that
// terminate here. It is only installed when the node is configured as
// an exit.
type exitFactory struct {
	m *circuit.Manager
}

func (f *exitFactory) OpenEdge(target string, circ uint64, stream cell.StreamID) (circuit.Edge, error) {
	raw, err := net.DialTimeout("tcp", target, exitDialTimeout)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":     "exitFactory.OpenEdge",
			"target": target,
		}).Debug("exit dial failed")
		return nil, err
	}
	e := &exitEdge{
		f:      f,
		conn:   raw,
		circ:   circ,
		stream: stream,
		resume: make(chan struct{}, 1),
	}
	go e.readLoop()
	return e, nil
}

// exitEdge pumps bytes between one TCP connection and one stream.
// DeliverData and SetReadPaused are called with the circuit engine's
// lock held, so neither may call back into the engine directly.
type exitEdge struct {
	f      *exitFactory
	conn   net.Conn
	circ   uint64
	stream cell.StreamID

	mu     sync.Mutex
	paused bool
	closed bool
	resume chan struct{}
}

func (e *exitEdge) DeliverData(p []byte) error {
	_, err := e.conn.Write(p)
	return err
}

func (e *exitEdge) SetReadPaused(paused bool) {
	e.mu.Lock()
	was := e.paused
	e.paused = paused
	e.mu.Unlock()
	if was && !paused {
		select {
		case e.resume <- struct{}{}:
		default:
		}
	}
}

func (e *exitEdge) CloseEdge(reason byte) {
	e.mu.Lock()
	already := e.closed
	e.closed = true
	e.mu.Unlock()
	if !already {
		e.conn.Close()
	}
}

func (e *exitEdge) waitUnpaused() bool {
	for {
		e.mu.Lock()
		paused, closed := e.paused, e.closed
		e.mu.Unlock()
		if closed {
			return false
		}
		if !paused {
			return true
		}
		<-e.resume
	}
}

func (e *exitEdge) readLoop() {
	buf := make([]byte, cell.MaxRelayDataLen)
	for {
		if !e.waitUnpaused() {
			return
		}
		n, err := e.conn.Read(buf)
		if n > 0 {
			if perr := e.f.m.PackageData(e.circ, e.stream, buf[:n]); perr != nil {
				e.CloseEdge(circuit.EndReasonMisc)
				return
			}
		}
		if err != nil {
			reason := circuit.EndReasonDone
			if err != io.EOF {
				reason = circuit.EndReasonMisc
			}
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if !closed {
				e.f.m.EndStream(e.circ, e.stream, reason)
			}
			e.CloseEdge(reason)
			return
		}
	}
}
