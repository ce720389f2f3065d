package ports

import "fmt"

// EventType enumerates the events nodes exchange.
type EventType uint8

const (
	EventUserMessage EventType = iota + 1
	EventPortAccepted
	EventObserveProxy
	EventObserveProxyAck
	EventObserveClosure
)

func (t EventType) String() string {
	switch t {
	case EventUserMessage:
		return "UserMessage"
	case EventPortAccepted:
		return "PortAccepted"
	case EventObserveProxy:
		return "ObserveProxy"
	case EventObserveProxyAck:
		return "ObserveProxyAck"
	case EventObserveClosure:
		return "ObserveClosure"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// An Event is addressed to a single port and travels between nodes.
type Event interface {
	Type() EventType
	TargetPort() PortName
}

// PortDescriptor carries the state of a port being transferred to another
// node inside a user message.
type PortDescriptor struct {
	PeerNode      NodeName
	PeerPort      PortName
	ReferringNode NodeName
	ReferringPort PortName

	NextSequenceNumToSend    uint64
	NextSequenceNumToReceive uint64
	LastSequenceNumToReceive uint64
	PeerClosed               bool
}

// UserMessageEvent delivers a message. Descriptors[i] describes
// Message.Ports[i].
type UserMessageEvent struct {
	Port        PortName
	Message     *Message
	Descriptors []PortDescriptor
}

// Type implements Event.
func (e *UserMessageEvent) Type() EventType { return EventUserMessage }

// TargetPort implements Event.
func (e *UserMessageEvent) TargetPort() PortName { return e.Port }

// PortAcceptedEvent tells the node a port was sent from that the
// destination has created the new port, so the old one may start proxying.
type PortAcceptedEvent struct {
	Port PortName
}

// Type implements Event.
func (e *PortAcceptedEvent) Type() EventType { return EventPortAccepted }

// TargetPort implements Event.
func (e *PortAcceptedEvent) TargetPort() PortName { return e.Port }

// ObserveProxyEvent asks the peer of a proxy to route around it.
type ObserveProxyEvent struct {
	Port            PortName
	ProxyNode       NodeName
	ProxyPort       PortName
	ProxyTargetNode NodeName
	ProxyTargetPort PortName
}

// Type implements Event.
func (e *ObserveProxyEvent) Type() EventType { return EventObserveProxy }

// TargetPort implements Event.
func (e *ObserveProxyEvent) TargetPort() PortName { return e.Port }

// ObserveProxyAckEvent answers an ObserveProxyEvent with the sequence number
// of the last message the peer sent through the proxy. InvalidSequenceNum
// asks the proxy to try again later.
type ObserveProxyAckEvent struct {
	Port            PortName
	LastSequenceNum uint64
}

// Type implements Event.
func (e *ObserveProxyAckEvent) Type() EventType { return EventObserveProxyAck }

// TargetPort implements Event.
func (e *ObserveProxyAckEvent) TargetPort() PortName { return e.Port }

// ObserveClosureEvent tells a port its peer closed after sending
// LastSequenceNum.
type ObserveClosureEvent struct {
	Port            PortName
	LastSequenceNum uint64
}

// Type implements Event.
func (e *ObserveClosureEvent) Type() EventType { return EventObserveClosure }

// TargetPort implements Event.
func (e *ObserveClosureEvent) TargetPort() PortName { return e.Port }
