// Package daemon holds the services a ports daemon runs on top of a node:
// bootstrap ports that connect daemons without a broker, and an echo
// service answering on them.
package daemon

import (
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sarchlab/ports/naming"
	"github.com/sarchlab/ports/ports"
)

// BootstrapPortName derives the name of the port that local uses to talk to
// remote. Both sides can compute the names of both ends, so a pair of
// daemons can connect their first ports without exchanging anything.
func BootstrapPortName(local, remote ports.NodeName) ports.PortName {
	n := naming.Name{
		V1: local.V1 ^ bits.RotateLeft64(remote.V1, 17) ^ 0x9e3779b97f4a7c15,
		V2: local.V2 ^ bits.RotateLeft64(remote.V2, 31) ^ 0xbf58476d1ce4e5b9,
	}

	if !n.IsValid() {
		n.V2 = 1
	}

	return ports.MakePortName(n)
}

// ConnectBootstrap creates the local end of the bootstrap port pair between
// node and remote.
func ConnectBootstrap(node *ports.Node, remote ports.NodeName) (ports.PortRef, error) {
	ref, err := node.CreateUninitializedPortWithName(
		BootstrapPortName(node.Name(), remote))
	if err != nil {
		return ports.PortRef{}, err
	}

	err = node.InitializePort(ref, remote, BootstrapPortName(remote, node.Name()))
	if err != nil {
		return ports.PortRef{}, err
	}

	return ref, nil
}

// Echo answers every message received on its ports with the same payload.
// Ports that arrive attached to a message are served as well.
type Echo struct {
	logger *zap.Logger

	lock     sync.Mutex
	served   map[ports.PortName]bool
	pending  []pendingPort
	draining bool

	echoed atomic.Uint64
}

type pendingPort struct {
	node *ports.Node
	ref  ports.PortRef
}

// NewEcho creates an echo service that serves no port yet.
func NewEcho(logger *zap.Logger) *Echo {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Echo{
		logger: logger,
		served: make(map[ports.PortName]bool),
	}
}

// Serve starts answering on a port and handles what is already queued.
func (e *Echo) Serve(node *ports.Node, ref ports.PortRef) {
	e.lock.Lock()
	e.served[ref.Name()] = true
	e.lock.Unlock()

	e.HandleStatus(node, ref)
}

// Serves tells whether a port is being answered on.
func (e *Echo) Serves(name ports.PortName) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.served[name]
}

// Echoed returns the number of messages answered.
func (e *Echo) Echoed() uint64 {
	return e.echoed.Load()
}

// HandleStatus drains a served port. It matches transport.StatusHandler.
// Calls that arrive while a drain is running, including calls caused by the
// drain itself, are queued and handled by the running drain.
func (e *Echo) HandleStatus(node *ports.Node, ref ports.PortRef) {
	e.lock.Lock()
	if !e.served[ref.Name()] {
		e.lock.Unlock()
		return
	}

	e.pending = append(e.pending, pendingPort{node: node, ref: ref})
	if e.draining {
		e.lock.Unlock()
		return
	}
	e.draining = true

	for len(e.pending) > 0 {
		next := e.pending[0]
		e.pending = e.pending[1:]
		e.lock.Unlock()

		e.drain(next.node, next.ref)

		e.lock.Lock()
	}

	e.pending = nil
	e.draining = false
	e.lock.Unlock()
}

func (e *Echo) drain(node *ports.Node, ref ports.PortRef) {
	for {
		msg, err := node.GetMessage(ref, nil)

		switch {
		case errors.Is(err, ports.ErrPortPeerClosed):
			e.stopServing(node, ref)
			return
		case errors.Is(err, ports.ErrPortUnknown):
			e.forget(ref.Name())
			return
		case err != nil:
			e.logger.Warn("reading served port",
				zap.Stringer("port", ref.Name()), zap.Error(err))
			return
		case msg == nil:
			return
		}

		e.adopt(node, msg.Ports)

		err = node.SendUserMessage(ref, ports.NewMessage(msg.Payload))
		if err != nil {
			e.logger.Warn("echoing",
				zap.Stringer("port", ref.Name()), zap.Error(err))
			continue
		}

		e.echoed.Add(1)
	}
}

func (e *Echo) adopt(node *ports.Node, names []ports.PortName) {
	for _, name := range names {
		ref, err := node.GetPort(name)
		if err != nil {
			continue
		}

		e.lock.Lock()
		e.served[name] = true
		e.pending = append(e.pending, pendingPort{node: node, ref: ref})
		e.lock.Unlock()
	}
}

func (e *Echo) stopServing(node *ports.Node, ref ports.PortRef) {
	e.forget(ref.Name())

	if err := node.ClosePort(ref); err != nil {
		e.logger.Debug("closing served port",
			zap.Stringer("port", ref.Name()), zap.Error(err))
	}
}

func (e *Echo) forget(name ports.PortName) {
	e.lock.Lock()
	delete(e.served, name)
	e.lock.Unlock()
}
