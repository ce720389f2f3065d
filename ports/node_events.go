package ports

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sarchlab/ports/hooking"
)

// AcceptEvent handles an event addressed to one of the node's ports. The
// transport calls it for events coming from other nodes.
//
// Events for ports the node does not know are dropped. A returned error
// describes an event that was rejected; the node state stays consistent
// either way.
func (n *Node) AcceptEvent(event Event) error {
	switch e := event.(type) {
	case *UserMessageEvent:
		return n.onUserMessage(e)
	case *PortAcceptedEvent:
		return n.onPortAccepted(e)
	case *ObserveProxyEvent:
		return n.onObserveProxy(e)
	case *ObserveProxyAckEvent:
		return n.onObserveProxyAck(e)
	case *ObserveClosureEvent:
		return n.onObserveClosure(e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, event)
	}
}

func (n *Node) onUserMessage(e *UserMessageEvent) error {
	if e.Message == nil || len(e.Descriptors) != len(e.Message.Ports) {
		return fmt.Errorf("user message for %s: %w", e.Port, ErrMalformedEvent)
	}

	accepted := make([]PortName, 0, len(e.Message.Ports))

	var acceptErr error
	for i, name := range e.Message.Ports {
		if err := n.acceptPort(name, e.Descriptors[i]); err != nil {
			acceptErr = multierr.Append(acceptErr, err)
			continue
		}

		accepted = append(accepted, name)
	}

	if acceptErr != nil {
		n.rejectUserMessage(e, accepted, acceptErr)
		return acceptErr
	}

	ref, p, found := n.lookup(e.Port)
	if !found {
		n.rejectUserMessage(e, accepted, ErrPortUnknown)
		return nil
	}

	p.lock.Lock()

	var (
		result AcceptResult
		err    error
	)

	if p.canAcceptMoreMessages() {
		result, err = p.messageQueue.AcceptMessage(e.Message)
	} else {
		err = fmt.Errorf("%s not accepting messages: %w",
			e.Port, ErrPortPeerClosed)
	}

	state := p.state
	signalable := p.messageQueue.Signalable()
	p.lock.Unlock()

	if err != nil {
		n.rejectUserMessage(e, accepted, err)

		if errors.Is(err, ErrPortPeerClosed) {
			return nil
		}

		return err
	}

	n.InvokeHook(hooking.HookCtx{
		Domain: n,
		Pos:    HookPosMsgAccepted,
		Item:   e.Message,
		Detail: e.Port,
	})

	switch {
	case state == PortProxying:
		n.drainProxy(ref, p)
	case state == PortReceiving && result == BecameReady && signalable:
		n.delegate.PortStatusChanged(ref)
	}

	return nil
}

// rejectUserMessage drops a user message. The ports accepted for it are
// closed again and its handles released.
func (n *Node) rejectUserMessage(
	e *UserMessageEvent,
	accepted []PortName,
	reason error,
) {
	err := n.discard(accepted, []*Message{e.Message})
	if err != nil {
		n.logger.Warn("discarding rejected message",
			zap.Stringer("port", e.Port),
			zap.Error(err))
	}

	n.dropEvent(e, reason)
}

func (n *Node) onPortAccepted(e *PortAcceptedEvent) error {
	ref, p, found := n.lookup(e.Port)
	if !found {
		n.dropEvent(e, ErrPortUnknown)
		return nil
	}

	p.lock.Lock()
	if p.state != PortBuffering {
		state := p.state
		p.lock.Unlock()

		return fmt.Errorf("port accepted for %s in state %s: %w",
			e.Port, state, ErrPortStateUnexpected)
	}

	p.state = PortProxying
	removeOnLastMessage := p.removeProxyOnLastMessage
	p.lock.Unlock()

	n.drainProxy(ref, p)

	if !removeOnLastMessage {
		n.initiateProxyRemoval(ref, p)
	}

	return nil
}

// initiateProxyRemoval announces the proxy to the rest of the port cycle so
// that the port sending to it can bypass it.
func (n *Node) initiateProxyRemoval(ref PortRef, p *port) {
	p.lock.Lock()
	if p.state != PortProxying {
		p.lock.Unlock()
		return
	}

	peerNode, peerPort := p.peerNode, p.peerPort
	p.lock.Unlock()

	n.sendEvent(peerNode, &ObserveProxyEvent{
		Port:            peerPort,
		ProxyNode:       n.name,
		ProxyPort:       ref.Name(),
		ProxyTargetNode: peerNode,
		ProxyTargetPort: peerPort,
	})
}

func (n *Node) onObserveProxy(e *ObserveProxyEvent) error {
	ref, p, found := n.lookup(e.Port)
	if !found {
		n.dropEvent(e, ErrPortUnknown)
		return nil
	}

	p.lock.Lock()

	if p.peerNode != e.ProxyNode || p.peerPort != e.ProxyPort {
		peerNode, peerPort := p.peerNode, p.peerPort
		p.lock.Unlock()

		forwarded := *e
		forwarded.Port = peerPort
		n.sendEvent(peerNode, &forwarded)

		return nil
	}

	if p.state != PortReceiving {
		p.lock.Unlock()

		// Not ready to bypass the proxy yet. The proxy retries.
		n.sendEvent(e.ProxyNode, &ObserveProxyAckEvent{
			Port:            e.ProxyPort,
			LastSequenceNum: InvalidSequenceNum,
		})

		return nil
	}

	p.peerNode = e.ProxyTargetNode
	p.peerPort = e.ProxyTargetPort
	lastSent := p.nextSequenceNumToSend - 1
	signalable := p.messageQueue.Signalable()
	p.lock.Unlock()

	n.sendEvent(e.ProxyNode, &ObserveProxyAckEvent{
		Port:            e.ProxyPort,
		LastSequenceNum: lastSent,
	})

	if signalable {
		n.delegate.PortStatusChanged(ref)
	}

	return nil
}

func (n *Node) onObserveProxyAck(e *ObserveProxyAckEvent) error {
	ref, p, found := n.lookup(e.Port)
	if !found {
		n.dropEvent(e, ErrPortUnknown)
		return nil
	}

	p.lock.Lock()
	if p.state != PortProxying {
		state := p.state
		p.lock.Unlock()

		return fmt.Errorf("proxy ack for %s in state %s: %w",
			e.Port, state, ErrPortStateUnexpected)
	}

	if e.LastSequenceNum == InvalidSequenceNum {
		p.lock.Unlock()
		n.initiateProxyRemoval(ref, p)

		return nil
	}

	p.removeProxyOnLastMessage = true
	p.lastSequenceNumToReceive = e.LastSequenceNum
	p.lock.Unlock()

	n.drainProxy(ref, p)

	return nil
}

func (n *Node) onObserveClosure(e *ObserveClosureEvent) error {
	ref, p, found := n.lookup(e.Port)
	if !found {
		n.dropEvent(e, ErrPortUnknown)
		return nil
	}

	p.lock.Lock()

	p.peerClosed = true
	p.lastSequenceNumToReceive = e.LastSequenceNum

	forwarded := *e
	forwarded.Port = p.peerPort
	peerNode := p.peerNode

	state := p.state
	notify := false

	if state == PortReceiving {
		notify = p.messageQueue.Signalable()

		// Proxies still between this port and the closed one can go away
		// after the last message this port sent.
		forwarded.LastSequenceNum = p.nextSequenceNumToSend - 1
	} else {
		p.removeProxyOnLastMessage = true
	}

	p.lock.Unlock()

	if state == PortProxying {
		n.drainProxy(ref, p)
	}

	n.sendEvent(peerNode, &forwarded)

	if notify {
		n.delegate.PortStatusChanged(ref)
	}

	return nil
}

// drainProxy forwards every releasable message of a proxy and erases the
// proxy once it has forwarded the last message it will ever receive.
func (n *Node) drainProxy(ref PortRef, p *port) {
	type pending struct {
		to    NodeName
		event Event
	}

	var events []pending

	p.forwardLock.Lock()

	for {
		p.lock.Lock()
		if p.state != PortProxying {
			p.lock.Unlock()
			break
		}

		msg := p.messageQueue.GetNextMessageIf(nil)
		peerNode, peerPort := p.peerNode, p.peerPort
		p.lock.Unlock()

		if msg == nil {
			break
		}

		events = append(events, pending{
			to: peerNode,
			event: &UserMessageEvent{
				Port:        peerPort,
				Message:     msg,
				Descriptors: n.prepareForwarded(peerNode, msg),
			},
		})
	}

	removed := n.tryRemoveProxy(ref, p)

	p.forwardLock.Unlock()

	for _, pe := range events {
		n.sendEvent(pe.to, pe.event)
	}

	if removed {
		n.logger.Debug("proxy removed", zap.Stringer("port", ref.Name()))
		n.invokePortHook(HookPosProxyRemoved, ref.Name())
	}
}

func (n *Node) tryRemoveProxy(ref PortRef, p *port) bool {
	p.lock.Lock()
	removable := p.state == PortProxying &&
		p.removeProxyOnLastMessage &&
		!p.canAcceptMoreMessages()
	if removable {
		p.state = PortClosed
	}
	p.lock.Unlock()

	if removable {
		n.erasePort(ref.Name())
	}

	return removable
}

// destroyProxy erases a proxy or buffering port that can no longer reach the
// port it was transferred to.
func (n *Node) destroyProxy(ref PortRef) error {
	p, err := n.portFor(ref)
	if err != nil {
		return nil
	}

	p.forwardLock.Lock()
	p.lock.Lock()
	referenced := p.messageQueue.GetReferencedPorts()
	undelivered := p.messageQueue.TakeAllMessages()
	p.state = PortClosed
	p.lock.Unlock()
	p.forwardLock.Unlock()

	n.erasePort(ref.Name())
	n.invokePortHook(HookPosProxyRemoved, ref.Name())

	return n.discard(referenced, undelivered)
}

// dropEvent reports an event that could not be delivered. Events for ports
// erased recently are expected while the port cycle settles.
func (n *Node) dropEvent(event Event, reason error) {
	n.InvokeHook(hooking.HookCtx{
		Domain: n,
		Pos:    HookPosEventDropped,
		Item:   event,
		Detail: reason,
	})

	fields := []zap.Field{
		zap.Stringer("type", event.Type()),
		zap.Stringer("port", event.TargetPort()),
		zap.Error(reason),
	}

	if n.erased.Contains(event.TargetPort()) {
		n.logger.Debug("dropping event for erased port", fields...)
		return
	}

	n.logger.Warn("dropping event", fields...)
}
