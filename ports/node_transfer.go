package ports

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sarchlab/ports/hooking"
)

// SendUserMessage sends a message from a receiving port to its peer. The
// node assigns the message the port's next sequence number. Every port
// listed in msg.Ports is transferred with the message: it leaves this node's
// control and msg.Ports is rewritten with the names the ports will have at
// the destination.
//
// On error nothing is sent and the caller keeps ownership of the message and
// of the attached ports.
func (n *Node) SendUserMessage(ref PortRef, msg *Message) error {
	if msg == nil {
		panic("sending nil message")
	}

	p, err := n.portFor(ref)
	if err != nil {
		return err
	}

	attached, err := n.collectAttached(ref.Name(), msg)
	if err != nil {
		return err
	}

	unlock := lockPorts(append(attached, lockedPort{ref.Name(), p})...)

	if err := n.checkSendable(ref.Name(), p, attached); err != nil {
		unlock()
		return err
	}

	msg.sequenceNum = p.nextSequenceNumToSend
	p.nextSequenceNumToSend++

	peerNode, peerPort := p.peerNode, p.peerPort

	descriptors := make([]PortDescriptor, len(attached))
	for i, a := range attached {
		descriptors[i], msg.Ports[i] = n.convertToProxy(a.name, a.port, peerNode)
	}

	unlock()

	n.sendEvent(peerNode, &UserMessageEvent{
		Port:        peerPort,
		Message:     msg,
		Descriptors: descriptors,
	})

	n.InvokeHook(hooking.HookCtx{
		Domain: n,
		Pos:    HookPosMsgSent,
		Item:   msg,
		Detail: ref.Name(),
	})

	return nil
}

func (n *Node) collectAttached(
	sender PortName,
	msg *Message,
) ([]lockedPort, error) {
	attached := make([]lockedPort, 0, len(msg.Ports))
	seen := make(map[PortName]struct{}, len(msg.Ports))

	for _, name := range msg.Ports {
		if name == sender {
			return nil, fmt.Errorf("%w: %s", ErrPortCannotSendSelf, name)
		}

		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%s attached twice: %w",
				name, ErrPortStateUnexpected)
		}
		seen[name] = struct{}{}

		_, ap, found := n.lookup(name)
		if !found {
			return nil, fmt.Errorf("attaching %s: %w", name, ErrPortUnknown)
		}

		attached = append(attached, lockedPort{name: name, port: ap})
	}

	return attached, nil
}

// checkSendable validates a send. Caller holds the locks of the sender and
// of every attached port.
func (n *Node) checkSendable(
	sender PortName,
	p *port,
	attached []lockedPort,
) error {
	if p.state != PortReceiving {
		return fmt.Errorf("sending from %s in state %s: %w",
			sender, p.state, ErrPortStateUnexpected)
	}

	if p.peerClosed {
		return fmt.Errorf("sending from %s: %w", sender, ErrPortPeerClosed)
	}

	for _, a := range attached {
		if p.peerNode == n.name && p.peerPort == a.name {
			return fmt.Errorf("%w: %s", ErrPortCannotSendPeer, a.name)
		}

		if a.port.state != PortReceiving {
			return fmt.Errorf("attaching %s in state %s: %w",
				a.name, a.port.state, ErrPortStateUnexpected)
		}
	}

	return nil
}

// convertToProxy turns a receiving port into a buffering proxy for a port
// that is about to be created on toNode. It returns the descriptor of the new
// port and the name it will have. Caller holds p.lock.
func (n *Node) convertToProxy(
	name PortName,
	p *port,
	toNode NodeName,
) (PortDescriptor, PortName) {
	newName := n.generatePortName()

	descriptor := PortDescriptor{
		PeerNode:                 p.peerNode,
		PeerPort:                 p.peerPort,
		ReferringNode:            n.name,
		ReferringPort:            name,
		NextSequenceNumToSend:    p.nextSequenceNumToSend,
		NextSequenceNumToReceive: p.messageQueue.NextSequenceNum(),
		LastSequenceNumToReceive: p.lastSequenceNumToReceive,
		PeerClosed:               p.peerClosed,
	}

	p.state = PortBuffering
	if p.peerClosed {
		p.removeProxyOnLastMessage = true
	}

	p.peerNode = toNode
	p.peerPort = newName

	return descriptor, newName
}

// prepareForwarded converts the ports carried by a message that a proxy is
// about to forward. The ports were accepted on this node when the message
// arrived and have never been seen by a consumer.
func (n *Node) prepareForwarded(toNode NodeName, msg *Message) []PortDescriptor {
	descriptors := make([]PortDescriptor, len(msg.Ports))

	for i, name := range msg.Ports {
		_, ap, found := n.lookup(name)
		if !found {
			descriptors[i], msg.Ports[i] = n.deadDescriptor()
			continue
		}

		ap.lock.Lock()
		if ap.state == PortReceiving {
			descriptors[i], msg.Ports[i] = n.convertToProxy(name, ap, toNode)
		} else {
			descriptors[i], msg.Ports[i] = n.deadDescriptor()
		}
		ap.lock.Unlock()
	}

	return descriptors
}

// deadDescriptor describes a port whose peer is already closed and which
// will never receive anything.
func (n *Node) deadDescriptor() (PortDescriptor, PortName) {
	return PortDescriptor{
		PeerNode:                 n.name,
		PeerPort:                 InvalidPortName,
		ReferringNode:            n.name,
		ReferringPort:            InvalidPortName,
		NextSequenceNumToSend:    InitialSequenceNum,
		NextSequenceNumToReceive: InitialSequenceNum,
		LastSequenceNumToReceive: InitialSequenceNum - 1,
		PeerClosed:               true,
	}, n.generatePortName()
}

// acceptPort creates the local end of a transferred port and confirms the
// transfer to the node it came from.
func (n *Node) acceptPort(name PortName, descriptor PortDescriptor) error {
	p := newPort(
		descriptor.NextSequenceNumToSend,
		descriptor.NextSequenceNumToReceive,
	)
	p.state = PortReceiving
	p.peerNode = descriptor.PeerNode
	p.peerPort = descriptor.PeerPort
	p.lastSequenceNumToReceive = descriptor.LastSequenceNumToReceive
	p.peerClosed = descriptor.PeerClosed
	p.messageQueue.SetSignalable(false)

	if _, err := n.addPortWithName(name, p); err != nil {
		return err
	}

	if descriptor.ReferringPort.IsValid() {
		n.sendEvent(descriptor.ReferringNode, &PortAcceptedEvent{
			Port: descriptor.ReferringPort,
		})
	}

	return nil
}

// sendEvent routes an event to its node. Events for this node are queued and
// handled after the caller returns its locks, never recursively.
func (n *Node) sendEvent(to NodeName, event Event) {
	if to != n.name {
		n.delegate.ForwardEvent(to, event)
		return
	}

	n.localLock.Lock()
	n.localEvents = append(n.localEvents, event)
	if n.draining {
		n.localLock.Unlock()
		return
	}
	n.draining = true

	for len(n.localEvents) > 0 {
		next := n.localEvents[0]
		n.localEvents[0] = nil
		n.localEvents = n.localEvents[1:]
		n.localLock.Unlock()

		if err := n.AcceptEvent(next); err != nil {
			n.logger.Debug("local event failed",
				zap.Stringer("type", next.Type()),
				zap.Stringer("port", next.TargetPort()),
				zap.Error(err))
		}

		n.localLock.Lock()
	}

	n.localEvents = nil
	n.draining = false
	n.localLock.Unlock()
}
