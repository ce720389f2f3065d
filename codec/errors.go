package codec

import "errors"

var (
	// ErrHandlesNotTransferable is returned when encoding a message that
	// carries platform handles. Handles cannot cross a process boundary.
	ErrHandlesNotTransferable = errors.New("handles are not transferable")

	// ErrFrameTooLarge is returned for frames above the size limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformed is returned when bytes do not decode into an event.
	ErrMalformed = errors.New("malformed event encoding")
)
