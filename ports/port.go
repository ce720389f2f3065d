package ports

import (
	"fmt"
	"sort"
	"sync"
)

// PortState is the lifecycle state of a port.
type PortState int

const (
	// PortUninitialized ports exist but have no peer yet.
	PortUninitialized PortState = iota

	// PortReceiving ports deliver incoming messages to the local consumer.
	PortReceiving

	// PortBuffering ports were sent to another node that has not confirmed
	// the transfer yet. Incoming messages are held.
	PortBuffering

	// PortProxying ports forward every incoming message to the port they
	// were transferred to, until proxy removal completes.
	PortProxying

	// PortClosed ports are gone.
	PortClosed
)

func (s PortState) String() string {
	switch s {
	case PortUninitialized:
		return "Uninitialized"
	case PortReceiving:
		return "Receiving"
	case PortBuffering:
		return "Buffering"
	case PortProxying:
		return "Proxying"
	case PortClosed:
		return "Closed"
	default:
		return fmt.Sprintf("PortState(%d)", int(s))
	}
}

// port is the node-private state of a port. Every field is guarded by lock.
// forwardLock serializes proxies draining their queue and is always taken
// before lock.
type port struct {
	lock        sync.Mutex
	forwardLock sync.Mutex

	state    PortState
	peerNode NodeName
	peerPort PortName

	nextSequenceNumToSend    uint64
	lastSequenceNumToReceive uint64

	peerClosed               bool
	removeProxyOnLastMessage bool

	messageQueue *MessageQueue
	userData     any
}

func newPort(nextSequenceNumToSend, nextSequenceNumToReceive uint64) *port {
	return &port{
		state:                    PortUninitialized,
		nextSequenceNumToSend:    nextSequenceNumToSend,
		lastSequenceNumToReceive: 0,
		messageQueue:             NewMessageQueueFrom(nextSequenceNumToReceive),
	}
}

// canAcceptMoreMessages reports whether the port still expects messages.
// Caller holds p.lock.
func (p *port) canAcceptMoreMessages() bool {
	if p.state == PortClosed {
		return false
	}

	if p.peerClosed || p.removeProxyOnLastMessage {
		next := p.messageQueue.NextSequenceNum()
		if p.lastSequenceNumToReceive == next-1 {
			return false
		}
	}

	return true
}

// A PortRef refers to a port owned by a Node. PortRefs are plain values:
// copying one is free and does not keep the port alive. Once the node erases
// the port, every ref to it stops resolving. The zero PortRef is empty.
type PortRef struct {
	name  PortName
	index uint32
	gen   uint32
}

// Name returns the name of the referenced port.
func (r PortRef) Name() PortName {
	return r.name
}

// IsValid reports whether the ref is non-empty. A valid ref may still point
// to a port that has been erased since.
func (r PortRef) IsValid() bool {
	return r.gen != 0 && r.name.IsValid()
}

func (r PortRef) String() string {
	if !r.IsValid() {
		return "PortRef(empty)"
	}

	return fmt.Sprintf("PortRef(%s)", r.name)
}

type lockedPort struct {
	name PortName
	port *port
}

// lockPorts locks the given ports in name order, which is the only order
// ports are ever locked in together. It returns the unlock function.
func lockPorts(ports ...lockedPort) func() {
	sorted := make([]lockedPort, len(ports))
	copy(sorted, ports)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].name.Less(sorted[j].name)
	})

	locked := make([]*port, 0, len(sorted))
	for i, lp := range sorted {
		if i > 0 && sorted[i-1].port == lp.port {
			continue
		}

		lp.port.lock.Lock()
		locked = append(locked, lp.port)
	}

	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].lock.Unlock()
		}
	}
}
