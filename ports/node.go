package ports

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sarchlab/ports/hooking"
	"github.com/sarchlab/ports/naming"
)

// A Node owns a set of ports. It assigns sequence numbers to outgoing
// messages, feeds incoming messages into the right MessageQueue, and runs
// the port transfer and closure protocols with other nodes through its
// NodeDelegate.
//
// All methods are safe for concurrent use. The node keeps one mutex per port
// and one for its port table; MessageQueues are only touched under the lock
// of the port that owns them.
type Node struct {
	*hooking.HookableBase

	name     NodeName
	delegate NodeDelegate
	logger   *zap.Logger
	names    naming.Generator

	lock   sync.Mutex
	arena  *portArena
	erased *lru.Cache[PortName, struct{}]

	localLock   sync.Mutex
	localEvents []Event
	draining    bool
}

// PortStatus summarizes a receiving port for its consumer.
type PortStatus struct {
	HasMessages       bool
	ReceivingMessages bool
	PeerClosed        bool
	PeerRemote        bool
	QueuedMessages    int
	QueuedBytes       int
}

// PortInfo is a point-in-time snapshot of a port, for introspection.
type PortInfo struct {
	Name                     PortName  `json:"name"`
	State                    PortState `json:"-"`
	StateName                string    `json:"state"`
	PeerNode                 NodeName  `json:"peer_node"`
	PeerPort                 PortName  `json:"peer_port"`
	NextSequenceNumToSend    uint64    `json:"next_sequence_num_to_send"`
	NextSequenceNumToReceive uint64    `json:"next_sequence_num_to_receive"`
	QueuedMessages           int       `json:"queued_messages"`
	QueuedBytes              int       `json:"queued_bytes"`
	PeerClosed               bool      `json:"peer_closed"`
	Signalable               bool      `json:"signalable"`
}

// Name returns the name of the node.
func (n *Node) Name() NodeName {
	return n.name
}

// CreateUninitializedPort creates a port with no peer. The port must be
// initialized with InitializePort before it can send or receive.
func (n *Node) CreateUninitializedPort() (PortRef, error) {
	p := newPort(InitialSequenceNum, InitialSequenceNum)

	return n.addPortWithName(n.generatePortName(), p)
}

// CreateUninitializedPortWithName is like CreateUninitializedPort but uses
// a name agreed on out of band, so that nodes can connect their first ports
// without exchanging messages. It fails with ErrPortExists if the name is
// taken.
func (n *Node) CreateUninitializedPortWithName(name PortName) (PortRef, error) {
	if !name.IsValid() {
		panic("port name is not valid")
	}

	p := newPort(InitialSequenceNum, InitialSequenceNum)

	return n.addPortWithName(name, p)
}

// InitializePort connects an uninitialized port to its peer.
func (n *Node) InitializePort(
	ref PortRef,
	peerNode NodeName,
	peerPort PortName,
) error {
	p, err := n.portFor(ref)
	if err != nil {
		return err
	}

	p.lock.Lock()
	if p.state != PortUninitialized {
		state := p.state
		p.lock.Unlock()

		return fmt.Errorf("initializing %s in state %s: %w",
			ref.Name(), state, ErrPortStateUnexpected)
	}

	p.state = PortReceiving
	p.peerNode = peerNode
	p.peerPort = peerPort
	signalable := p.messageQueue.Signalable()
	p.lock.Unlock()

	if signalable {
		n.delegate.PortStatusChanged(ref)
	}

	return nil
}

// CreatePortPair creates two local ports peered with each other.
func (n *Node) CreatePortPair() (PortRef, PortRef, error) {
	ref0, err := n.CreateUninitializedPort()
	if err != nil {
		return PortRef{}, PortRef{}, err
	}

	ref1, err := n.CreateUninitializedPort()
	if err != nil {
		return PortRef{}, PortRef{}, err
	}

	if err := n.InitializePort(ref0, n.name, ref1.Name()); err != nil {
		return PortRef{}, PortRef{}, err
	}

	if err := n.InitializePort(ref1, n.name, ref0.Name()); err != nil {
		return PortRef{}, PortRef{}, err
	}

	return ref0, ref1, nil
}

// GetPort resolves a port name into a ref.
func (n *Node) GetPort(name PortName) (PortRef, error) {
	n.lock.Lock()
	ref, _, found := n.arena.lookup(name)
	n.lock.Unlock()

	if !found {
		return PortRef{}, fmt.Errorf("%w: %s", ErrPortUnknown, name)
	}

	return ref, nil
}

// GetStatus reports the status of a receiving port.
func (n *Node) GetStatus(ref PortRef) (PortStatus, error) {
	p, err := n.portFor(ref)
	if err != nil {
		return PortStatus{}, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.state != PortReceiving {
		return PortStatus{}, fmt.Errorf("status of %s in state %s: %w",
			ref.Name(), p.state, ErrPortStateUnexpected)
	}

	return PortStatus{
		HasMessages:       p.messageQueue.HasNextMessage(),
		ReceivingMessages: p.canAcceptMoreMessages(),
		PeerClosed:        p.peerClosed,
		PeerRemote:        p.peerNode != n.name,
		QueuedMessages:    p.messageQueue.Len(),
		QueuedBytes:       p.messageQueue.QueuedBytes(),
	}, nil
}

// GetMessage takes the next message from a receiving port. It returns a nil
// message when nothing is releasable or the selector declines the next
// message. Once the peer is closed and every message it sent has been taken,
// GetMessage returns ErrPortPeerClosed.
func (n *Node) GetMessage(ref PortRef, selector MessageSelector) (*Message, error) {
	p, err := n.portFor(ref)
	if err != nil {
		return nil, err
	}

	p.lock.Lock()
	if p.state != PortReceiving {
		state := p.state
		p.lock.Unlock()

		return nil, fmt.Errorf("getting message from %s in state %s: %w",
			ref.Name(), state, ErrPortStateUnexpected)
	}

	if !p.canAcceptMoreMessages() {
		p.lock.Unlock()
		return nil, ErrPortPeerClosed
	}

	msg := p.messageQueue.GetNextMessageIf(selector)
	p.lock.Unlock()

	if msg == nil {
		return nil, nil
	}

	// Ports that arrived with the message start reporting status changes
	// only now that their consumer can know about them.
	for _, name := range msg.Ports {
		n.setSignalableByName(name, true)
	}

	n.InvokeHook(hooking.HookCtx{
		Domain: n,
		Pos:    HookPosMsgRetrieved,
		Item:   msg,
		Detail: ref.Name(),
	})

	return msg, nil
}

// SetSignalable turns status change notifications for a port on or off.
func (n *Node) SetSignalable(ref PortRef, signalable bool) error {
	p, err := n.portFor(ref)
	if err != nil {
		return err
	}

	p.lock.Lock()
	p.messageQueue.SetSignalable(signalable)
	p.lock.Unlock()

	return nil
}

// SetUserData attaches arbitrary data to a port.
func (n *Node) SetUserData(ref PortRef, data any) error {
	p, err := n.portFor(ref)
	if err != nil {
		return err
	}

	p.lock.Lock()
	p.userData = data
	p.lock.Unlock()

	return nil
}

// GetUserData returns the data attached with SetUserData.
func (n *Node) GetUserData(ref PortRef) (any, error) {
	p, err := n.portFor(ref)
	if err != nil {
		return nil, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	return p.userData, nil
}

// ClosePort closes a receiving or uninitialized port. Messages still queued
// on the port are discarded: the ports they carry are closed too and their
// handles released. The peer learns about the closure together with the
// sequence number of the last message this port sent.
//
// The port is closed even when an error is returned; the error reports
// resources that could not be released cleanly.
func (n *Node) ClosePort(ref PortRef) error {
	p, err := n.portFor(ref)
	if err != nil {
		return err
	}

	p.lock.Lock()
	switch p.state {
	case PortUninitialized:
		p.state = PortClosed
		p.lock.Unlock()
		n.erasePort(ref.Name())
		n.invokePortHook(HookPosPortClosed, ref.Name())

		return nil
	case PortReceiving:
	default:
		state := p.state
		p.lock.Unlock()

		return fmt.Errorf("closing %s in state %s: %w",
			ref.Name(), state, ErrPortStateUnexpected)
	}

	lastSequenceNum := p.nextSequenceNumToSend - 1
	peerNode, peerPort := p.peerNode, p.peerPort
	referenced := p.messageQueue.GetReferencedPorts()
	undelivered := p.messageQueue.TakeAllMessages()
	p.state = PortClosed
	p.lock.Unlock()

	n.erasePort(ref.Name())

	n.sendEvent(peerNode, &ObserveClosureEvent{
		Port:            peerPort,
		LastSequenceNum: lastSequenceNum,
	})

	err = n.discard(referenced, undelivered)

	n.logger.Debug("port closed",
		zap.Stringer("port", ref.Name()),
		zap.Uint64("last_sequence_num", lastSequenceNum),
		zap.Int("discarded", len(undelivered)))
	n.invokePortHook(HookPosPortClosed, ref.Name())

	if err != nil {
		return fmt.Errorf("closing %s: %w", ref.Name(), err)
	}

	return nil
}

// LostConnectionToNode tells the node that no more events will flow to or
// from another node. Ports peered with that node see their peer as closed
// after the messages already received; proxies routing through it are
// removed.
func (n *Node) LostConnectionToNode(lost NodeName) error {
	n.lock.Lock()
	refs := n.arena.refs()
	n.lock.Unlock()

	var toNotify []PortRef
	var toRemove []PortRef

	for _, ref := range refs {
		p, err := n.portFor(ref)
		if err != nil {
			continue
		}

		p.lock.Lock()
		if p.peerNode == lost && p.state != PortClosed {
			if !p.peerClosed {
				p.peerClosed = true
				p.lastSequenceNumToReceive = p.messageQueue.lastContiguousSequenceNum()

				if p.state == PortReceiving && p.messageQueue.Signalable() {
					toNotify = append(toNotify, ref)
				}
			}

			if p.state != PortReceiving && p.state != PortUninitialized {
				toRemove = append(toRemove, ref)
			}
		}
		p.lock.Unlock()
	}

	var errs error
	for _, ref := range toRemove {
		errs = multierr.Append(errs, n.destroyProxy(ref))
	}

	for _, ref := range toNotify {
		n.delegate.PortStatusChanged(ref)
	}

	n.logger.Info("lost connection to node",
		zap.Stringer("lost", lost),
		zap.Int("notified", len(toNotify)),
		zap.Int("removed", len(toRemove)))

	return errs
}

// CanShutdownCleanly reports whether the node has no port in the middle of
// being transferred. With allowLocalPorts false, any remaining port blocks a
// clean shutdown.
func (n *Node) CanShutdownCleanly(allowLocalPorts bool) bool {
	n.lock.Lock()
	refs := n.arena.refs()
	n.lock.Unlock()

	if !allowLocalPorts {
		return len(refs) == 0
	}

	for _, ref := range refs {
		p, err := n.portFor(ref)
		if err != nil {
			continue
		}

		p.lock.Lock()
		busy := p.peerNode != n.name && p.state != PortReceiving
		p.lock.Unlock()

		if busy {
			return false
		}
	}

	return true
}

// PortCount returns the number of ports the node owns.
func (n *Node) PortCount() int {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.arena.len()
}

// Ports returns a snapshot of every port, ordered by name.
func (n *Node) Ports() []PortInfo {
	n.lock.Lock()
	refs := n.arena.refs()
	n.lock.Unlock()

	infos := make([]PortInfo, 0, len(refs))
	for _, ref := range refs {
		info, err := n.PortInfo(ref.Name())
		if err == nil {
			infos = append(infos, info)
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name.Less(infos[j].Name)
	})

	return infos
}

// PortInfo returns a snapshot of one port.
func (n *Node) PortInfo(name PortName) (PortInfo, error) {
	ref, err := n.GetPort(name)
	if err != nil {
		return PortInfo{}, err
	}

	p, err := n.portFor(ref)
	if err != nil {
		return PortInfo{}, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	return PortInfo{
		Name:                     name,
		State:                    p.state,
		StateName:                p.state.String(),
		PeerNode:                 p.peerNode,
		PeerPort:                 p.peerPort,
		NextSequenceNumToSend:    p.nextSequenceNumToSend,
		NextSequenceNumToReceive: p.messageQueue.NextSequenceNum(),
		QueuedMessages:           p.messageQueue.Len(),
		QueuedBytes:              p.messageQueue.QueuedBytes(),
		PeerClosed:               p.peerClosed,
		Signalable:               p.messageQueue.Signalable(),
	}, nil
}

func (n *Node) generatePortName() PortName {
	return MakePortName(n.names.Generate())
}

func (n *Node) portFor(ref PortRef) (*port, error) {
	n.lock.Lock()
	p, found := n.arena.resolve(ref)
	n.lock.Unlock()

	if !found {
		return nil, fmt.Errorf("%w: %s", ErrPortUnknown, ref)
	}

	return p, nil
}

func (n *Node) lookup(name PortName) (PortRef, *port, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.arena.lookup(name)
}

func (n *Node) addPortWithName(name PortName, p *port) (PortRef, error) {
	n.lock.Lock()
	ref, err := n.arena.add(name, p)
	n.lock.Unlock()

	if err != nil {
		return PortRef{}, fmt.Errorf("adding %s: %w", name, err)
	}

	n.invokePortHook(HookPosPortCreated, name)

	return ref, nil
}

func (n *Node) erasePort(name PortName) {
	n.lock.Lock()
	_, found := n.arena.erase(name)
	n.lock.Unlock()

	if found {
		n.erased.Add(name, struct{}{})
	}
}

func (n *Node) setSignalableByName(name PortName, signalable bool) {
	_, p, found := n.lookup(name)
	if !found {
		return
	}

	p.lock.Lock()
	p.messageQueue.SetSignalable(signalable)
	p.lock.Unlock()
}

// discard closes the local ports referenced by discarded messages and
// releases the handles of the messages.
func (n *Node) discard(referenced []PortName, msgs []*Message) error {
	var err error

	for _, name := range referenced {
		ref, lookupErr := n.GetPort(name)
		if lookupErr != nil {
			continue
		}

		err = multierr.Append(err, n.ClosePort(ref))
	}

	for _, msg := range msgs {
		err = multierr.Append(err, msg.CloseHandles())
	}

	return err
}

func (n *Node) invokePortHook(pos *hooking.HookPos, name PortName) {
	n.InvokeHook(hooking.HookCtx{
		Domain: n,
		Pos:    pos,
		Item:   name,
	})
}
