package ports

import "errors"

var (
	// ErrPortUnknown is returned when a name or ref does not resolve to a
	// live port on the node.
	ErrPortUnknown = errors.New("port unknown")

	// ErrPortExists is returned when adding a port whose name is taken.
	ErrPortExists = errors.New("port already exists")

	// ErrPortStateUnexpected is returned when an operation does not fit the
	// port's current state.
	ErrPortStateUnexpected = errors.New("port state unexpected")

	// ErrPortPeerClosed is returned once a port's peer is closed and every
	// message it sent has been consumed.
	ErrPortPeerClosed = errors.New("port peer closed")

	// ErrPortCannotSendSelf is returned when a message tries to carry the
	// port it is sent on.
	ErrPortCannotSendSelf = errors.New("port cannot send itself")

	// ErrPortCannotSendPeer is returned when a message tries to carry the
	// peer of the port it is sent on.
	ErrPortCannotSendPeer = errors.New("port cannot send its peer")

	// ErrInvalidSequenceNum is returned when a message has no usable
	// sequence number.
	ErrInvalidSequenceNum = errors.New("invalid sequence number")

	// ErrDuplicateSequenceNum is returned when a sequence number arrives a
	// second time on the same port.
	ErrDuplicateSequenceNum = errors.New("duplicate sequence number")

	// ErrUnknownEvent is returned for event kinds the node cannot handle.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrMalformedEvent is returned for events whose fields do not agree
	// with each other.
	ErrMalformedEvent = errors.New("malformed event")
)
