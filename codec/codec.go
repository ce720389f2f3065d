// Package codec encodes node events for transports that cross a process
// boundary. Events use the protobuf wire format without generated code;
// frames carry a uvarint length prefix.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/s2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sarchlab/ports/naming"
	"github.com/sarchlab/ports/ports"
)

// Field numbers of the event envelope.
const (
	fieldType        protowire.Number = 1
	fieldPort        protowire.Number = 2
	fieldSequenceNum protowire.Number = 3
	fieldPayload     protowire.Number = 4
	fieldPayloadS2   protowire.Number = 5
	fieldAttached    protowire.Number = 6
	fieldDescriptor  protowire.Number = 7
	fieldProxyNode   protowire.Number = 8
	fieldProxyPort   protowire.Number = 9
	fieldTargetNode  protowire.Number = 10
	fieldTargetPort  protowire.Number = 11
	fieldLastSeq     protowire.Number = 12
	fieldFrom        protowire.Number = 15
	fieldListenAddr  protowire.Number = 16
)

// Field numbers of a port descriptor.
const (
	descPeerNode      protowire.Number = 1
	descPeerPort      protowire.Number = 2
	descReferringNode protowire.Number = 3
	descReferringPort protowire.Number = 4
	descNextSend      protowire.Number = 5
	descNextReceive   protowire.Number = 6
	descLastReceive   protowire.Number = 7
	descPeerClosed    protowire.Number = 8
)

// Field numbers of a name.
const (
	nameV1 protowire.Number = 1
	nameV2 protowire.Number = 2
)

const (
	defaultCompressThreshold = 4096
	defaultMaxFrameSize      = 64 << 20

	// Compressed payloads are s2 streams of small blocks, so a decoder never
	// allocates much more than the bytes it has actually decoded.
	compressBlockSize = 64 << 10
)

// A Codec turns events into bytes and back.
type Codec struct {
	compressThreshold int
	maxFrameSize      int
}

// Builder builds Codecs.
type Builder struct {
	compressThreshold int
	maxFrameSize      int
}

// MakeBuilder creates a builder with default settings.
func MakeBuilder() Builder {
	return Builder{
		compressThreshold: defaultCompressThreshold,
		maxFrameSize:      defaultMaxFrameSize,
	}
}

// WithCompressThreshold sets the payload size from which payloads are
// compressed. Zero or less disables compression.
func (b Builder) WithCompressThreshold(n int) Builder {
	b.compressThreshold = n
	return b
}

// WithMaxFrameSize sets the largest frame the codec writes or reads.
func (b Builder) WithMaxFrameSize(n int) Builder {
	b.maxFrameSize = n
	return b
}

// Build creates the codec.
func (b Builder) Build() *Codec {
	if b.maxFrameSize <= 0 {
		panic("max frame size must be positive")
	}

	return &Codec{
		compressThreshold: b.compressThreshold,
		maxFrameSize:      b.maxFrameSize,
	}
}

// Encode serializes an event.
func (c *Codec) Encode(event ports.Event) ([]byte, error) {
	return c.appendEvent(nil, event)
}

func (c *Codec) appendEvent(b []byte, event ports.Event) ([]byte, error) {
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(event.Type()))
	b = appendName(b, fieldPort, event.TargetPort().Name)

	switch e := event.(type) {
	case *ports.UserMessageEvent:
		return c.appendUserMessage(b, e)
	case *ports.PortAcceptedEvent:
	case *ports.ObserveProxyEvent:
		b = appendName(b, fieldProxyNode, e.ProxyNode.Name)
		b = appendName(b, fieldProxyPort, e.ProxyPort.Name)
		b = appendName(b, fieldTargetNode, e.ProxyTargetNode.Name)
		b = appendName(b, fieldTargetPort, e.ProxyTargetPort.Name)
	case *ports.ObserveProxyAckEvent:
		b = appendVarintField(b, fieldLastSeq, e.LastSequenceNum)
	case *ports.ObserveClosureEvent:
		b = appendVarintField(b, fieldLastSeq, e.LastSequenceNum)
	default:
		return nil, fmt.Errorf("%w: %T", ports.ErrUnknownEvent, event)
	}

	return b, nil
}

func (c *Codec) appendUserMessage(
	b []byte,
	e *ports.UserMessageEvent,
) ([]byte, error) {
	msg := e.Message
	if msg == nil {
		return nil, fmt.Errorf("user message without message: %w",
			ports.ErrMalformedEvent)
	}

	if len(msg.Handles) > 0 {
		return nil, ErrHandlesNotTransferable
	}

	if len(msg.Ports) != len(e.Descriptors) {
		return nil, fmt.Errorf("%d ports with %d descriptors: %w",
			len(msg.Ports), len(e.Descriptors), ports.ErrMalformedEvent)
	}

	b = appendVarintField(b, fieldSequenceNum, msg.SequenceNum())

	if c.compressThreshold > 0 && len(msg.Payload) >= c.compressThreshold {
		compressed, err := compress(msg.Payload)
		if err != nil {
			return nil, err
		}

		b = protowire.AppendTag(b, fieldPayloadS2, protowire.BytesType)
		b = protowire.AppendBytes(b, compressed)
	} else if len(msg.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Payload)
	}

	for _, name := range msg.Ports {
		b = appendName(b, fieldAttached, name.Name)
	}

	for _, d := range e.Descriptors {
		b = protowire.AppendTag(b, fieldDescriptor, protowire.BytesType)
		b = protowire.AppendBytes(b, appendDescriptor(nil, d))
	}

	return b, nil
}

func appendDescriptor(b []byte, d ports.PortDescriptor) []byte {
	b = appendName(b, descPeerNode, d.PeerNode.Name)
	b = appendName(b, descPeerPort, d.PeerPort.Name)
	b = appendName(b, descReferringNode, d.ReferringNode.Name)
	b = appendName(b, descReferringPort, d.ReferringPort.Name)
	b = appendVarintField(b, descNextSend, d.NextSequenceNumToSend)
	b = appendVarintField(b, descNextReceive, d.NextSequenceNumToReceive)
	b = appendVarintField(b, descLastReceive, d.LastSequenceNumToReceive)
	b = appendVarintField(b, descPeerClosed, protowire.EncodeBool(d.PeerClosed))

	return b
}

func appendName(b []byte, num protowire.Number, n naming.Name) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, nameV1, protowire.Fixed64Type)
	inner = protowire.AppendFixed64(inner, n.V1)
	inner = protowire.AppendTag(inner, nameV2, protowire.Fixed64Type)
	inner = protowire.AppendFixed64(inner, n.V2)

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, inner)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// envelope collects the decoded fields of an event before the event is
// assembled.
type envelope struct {
	eventType   ports.EventType
	port        naming.Name
	from        naming.Name
	listenAddr  string
	sequenceNum uint64
	payload     []byte
	attached    []naming.Name
	descriptors []ports.PortDescriptor
	proxyNode   naming.Name
	proxyPort   naming.Name
	targetNode  naming.Name
	targetPort  naming.Name
	lastSeq     uint64
}

// Decode parses an event produced by Encode.
func (c *Codec) Decode(b []byte) (ports.Event, error) {
	env, err := c.parseEnvelope(b)
	if err != nil {
		return nil, err
	}

	return env.event()
}

func (c *Codec) parseEnvelope(b []byte) (*envelope, error) {
	env := &envelope{sequenceNum: ports.InvalidSequenceNum}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		n, err := c.parseEnvelopeField(env, num, typ, b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
	}

	return env, nil
}

func (c *Codec) parseEnvelopeField(
	env *envelope,
	num protowire.Number,
	typ protowire.Type,
	b []byte,
) (int, error) {
	switch {
	case num == fieldType && typ == protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 && v > math.MaxUint8 {
			return 0, fmt.Errorf("%w: event type %d", ErrMalformed, v)
		}

		env.eventType = ports.EventType(v)
		return checked(n)
	case num == fieldSequenceNum && typ == protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		env.sequenceNum = v
		return checked(n)
	case num == fieldLastSeq && typ == protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		env.lastSeq = v
		return checked(n)
	case typ != protowire.BytesType:
		return checked(protowire.ConsumeFieldValue(num, typ, b))
	}

	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, malformed(protowire.ParseError(n))
	}

	var err error

	switch num {
	case fieldPort:
		env.port, err = parseName(v)
	case fieldFrom:
		env.from, err = parseName(v)
	case fieldListenAddr:
		env.listenAddr = string(v)
	case fieldPayload:
		env.payload = append([]byte(nil), v...)
	case fieldPayloadS2:
		env.payload, err = c.decompress(v)
	case fieldAttached:
		var name naming.Name
		name, err = parseName(v)
		env.attached = append(env.attached, name)
	case fieldDescriptor:
		var d ports.PortDescriptor
		d, err = parseDescriptor(v)
		env.descriptors = append(env.descriptors, d)
	case fieldProxyNode:
		env.proxyNode, err = parseName(v)
	case fieldProxyPort:
		env.proxyPort, err = parseName(v)
	case fieldTargetNode:
		env.targetNode, err = parseName(v)
	case fieldTargetPort:
		env.targetPort, err = parseName(v)
	}

	return n, err
}

func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := s2.NewWriter(&buf,
		s2.WriterBlockSize(compressBlockSize),
		s2.WriterConcurrency(1))

	if _, err := w.Write(payload); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decompress decodes block by block. Declared block lengths are checked
// against the block size before anything is allocated for them.
func (c *Codec) decompress(v []byte) ([]byte, error) {
	r := s2.NewReader(bytes.NewReader(v),
		s2.ReaderMaxBlockSize(compressBlockSize),
		s2.ReaderAllocBlock(compressBlockSize))

	var payload bytes.Buffer

	n, err := payload.ReadFrom(io.LimitReader(r, int64(c.maxFrameSize)+1))
	if err != nil {
		return nil, malformed(err)
	}

	if n > int64(c.maxFrameSize) {
		return nil, fmt.Errorf("%w: payload over %d bytes",
			ErrFrameTooLarge, c.maxFrameSize)
	}

	return payload.Bytes(), nil
}

func (env *envelope) event() (ports.Event, error) {
	port := ports.MakePortName(env.port)

	switch env.eventType {
	case ports.EventUserMessage:
		if len(env.attached) != len(env.descriptors) {
			return nil, fmt.Errorf("%d ports with %d descriptors: %w",
				len(env.attached), len(env.descriptors), ErrMalformed)
		}

		msg := ports.NewMessage(env.payload)
		msg.SetSequenceNum(env.sequenceNum)
		for _, name := range env.attached {
			msg.Ports = append(msg.Ports, ports.MakePortName(name))
		}

		return &ports.UserMessageEvent{
			Port:        port,
			Message:     msg,
			Descriptors: env.descriptors,
		}, nil
	case ports.EventPortAccepted:
		return &ports.PortAcceptedEvent{Port: port}, nil
	case ports.EventObserveProxy:
		return &ports.ObserveProxyEvent{
			Port:            port,
			ProxyNode:       ports.MakeNodeName(env.proxyNode),
			ProxyPort:       ports.MakePortName(env.proxyPort),
			ProxyTargetNode: ports.MakeNodeName(env.targetNode),
			ProxyTargetPort: ports.MakePortName(env.targetPort),
		}, nil
	case ports.EventObserveProxyAck:
		return &ports.ObserveProxyAckEvent{
			Port:            port,
			LastSequenceNum: env.lastSeq,
		}, nil
	case ports.EventObserveClosure:
		return &ports.ObserveClosureEvent{
			Port:            port,
			LastSequenceNum: env.lastSeq,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ports.ErrUnknownEvent, env.eventType)
	}
}

func parseDescriptor(b []byte) (ports.PortDescriptor, error) {
	var d ports.PortDescriptor

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return d, malformed(protowire.ParseError(n))
			}
			b = b[n:]

			switch num {
			case descNextSend:
				d.NextSequenceNumToSend = v
			case descNextReceive:
				d.NextSequenceNumToReceive = v
			case descLastReceive:
				d.LastSequenceNumToReceive = v
			case descPeerClosed:
				d.PeerClosed = protowire.DecodeBool(v)
			}

			continue
		}

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return d, malformed(protowire.ParseError(n))
			}
			b = b[n:]

			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return d, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		name, err := parseName(v)
		if err != nil {
			return d, err
		}

		switch num {
		case descPeerNode:
			d.PeerNode = ports.MakeNodeName(name)
		case descPeerPort:
			d.PeerPort = ports.MakePortName(name)
		case descReferringNode:
			d.ReferringNode = ports.MakeNodeName(name)
		case descReferringPort:
			d.ReferringPort = ports.MakePortName(name)
		}
	}

	if d.NextSequenceNumToSend < ports.InitialSequenceNum ||
		d.NextSequenceNumToReceive < ports.InitialSequenceNum {
		return d, fmt.Errorf("%w: descriptor resumes at send %d, receive %d",
			ErrMalformed, d.NextSequenceNumToSend, d.NextSequenceNumToReceive)
	}

	return d, nil
}

func parseName(b []byte) (naming.Name, error) {
	var name naming.Name

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return name, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.Fixed64Type {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return name, malformed(protowire.ParseError(n))
			}
			b = b[n:]

			continue
		}

		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return name, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case nameV1:
			name.V1 = v
		case nameV2:
			name.V2 = v
		}
	}

	return name, nil
}

func checked(n int) (int, error) {
	if n < 0 {
		return 0, malformed(protowire.ParseError(n))
	}

	return n, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
