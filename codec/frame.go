package codec

import (
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sarchlab/ports/ports"
)

// A Frame is the unit written on a stream between two nodes. A frame
// without an event is a hello that announces the sender and, optionally,
// the address the sender accepts connections on.
type Frame struct {
	From       ports.NodeName
	ListenAddr string
	Event      ports.Event
}

// FrameReader is what ReadFrame reads from. *bufio.Reader satisfies it.
type FrameReader interface {
	io.Reader
	io.ByteReader
}

// WriteFrame writes one length-prefixed frame with a single Write call.
func (c *Codec) WriteFrame(w io.Writer, f Frame) error {
	body := appendName(nil, fieldFrom, f.From.Name)

	if f.ListenAddr != "" {
		body = protowire.AppendTag(body, fieldListenAddr, protowire.BytesType)
		body = protowire.AppendString(body, f.ListenAddr)
	}

	if f.Event != nil {
		var err error

		body, err = c.appendEvent(body, f.Event)
		if err != nil {
			return err
		}
	}

	if len(body) > c.maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	prefix := varint.ToUvarint(uint64(len(body)))
	buf := make([]byte, 0, len(prefix)+len(body))
	buf = append(buf, prefix...)
	buf = append(buf, body...)

	_, err := w.Write(buf)

	return err
}

// ReadFrame reads one frame. It returns io.EOF when the stream ends cleanly
// between frames.
func (c *Codec) ReadFrame(r FrameReader) (Frame, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		return Frame{}, err
	}

	if size > uint64(c.maxFrameSize) {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}

		return Frame{}, err
	}

	env, err := c.parseEnvelope(body)
	if err != nil {
		return Frame{}, err
	}

	f := Frame{
		From:       ports.MakeNodeName(env.from),
		ListenAddr: env.listenAddr,
	}
	if env.eventType == 0 {
		return f, nil
	}

	f.Event, err = env.event()
	if err != nil {
		return Frame{}, err
	}

	return f, nil
}
