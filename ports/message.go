package ports

import (
	"math"

	"go.uber.org/multierr"
)

const (
	// InitialSequenceNum is the sequence number of the first message sent
	// from a port.
	InitialSequenceNum uint64 = 1

	// InvalidSequenceNum is never assigned to a real message.
	InvalidSequenceNum uint64 = math.MaxUint64
)

// Handle is an opaque platform resource travelling with a message. The
// ports layer never looks inside a handle; it only closes handles of
// messages that get discarded.
type Handle interface {
	Close() error
}

// A Message is the unit of data sent through ports. Once a message is
// handed to a Node or a MessageQueue, the caller gives up ownership.
type Message struct {
	// Payload is opaque to the ports layer.
	Payload []byte

	// Ports lists the ports transferred with this message. The sender fills
	// in local port names; the receiving side sees the names of the newly
	// accepted ports.
	Ports []PortName

	// Handles are platform handles attached by the sender.
	Handles []Handle

	sequenceNum uint64
}

// MessageSelector decides whether a releasable message should be handed out.
// A nil selector accepts every message.
type MessageSelector func(msg *Message) bool

// NewMessage creates a message with the given payload and attached ports.
func NewMessage(payload []byte, ports ...PortName) *Message {
	return &Message{
		Payload:     payload,
		Ports:       ports,
		sequenceNum: InvalidSequenceNum,
	}
}

// SequenceNum returns the sequence number assigned to the message.
func (m *Message) SequenceNum() uint64 {
	return m.sequenceNum
}

// SetSequenceNum overrides the sequence number. Nodes assign sequence numbers
// on send; transports restore them on receive.
func (m *Message) SetSequenceNum(n uint64) {
	m.sequenceNum = n
}

// NumBytes returns the payload size.
func (m *Message) NumBytes() int {
	return len(m.Payload)
}

// CloseHandles closes every attached handle and forgets them.
func (m *Message) CloseHandles() error {
	var err error
	for _, h := range m.Handles {
		if h != nil {
			err = multierr.Append(err, h.Close())
		}
	}

	m.Handles = nil

	return err
}
