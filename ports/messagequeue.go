package ports

import (
	"container/heap"
	"fmt"
)

// AcceptResult reports how accepting a message changed a MessageQueue.
type AcceptResult int

const (
	// NoChange means the queue's releasability did not change. Either the
	// new message cannot be released yet, or a message was already
	// releasable before.
	NoChange AcceptResult = iota

	// BecameReady means the queue went from having no releasable message to
	// having one. It fires once per transition; the consumer should drain the
	// queue until HasNextMessage returns false to re-arm it.
	BecameReady
)

func (r AcceptResult) String() string {
	switch r {
	case NoChange:
		return "NoChange"
	case BecameReady:
		return "BecameReady"
	default:
		return fmt.Sprintf("AcceptResult(%d)", int(r))
	}
}

// A MessageQueue buffers the messages that arrive at a port, in any order,
// and releases them strictly in sequence order.
//
// MessageQueue is not safe for concurrent use. The Node that owns the port
// serializes every call under the port's lock.
type MessageQueue struct {
	nextSequenceNum uint64
	signalable      bool
	queuedBytes     int

	heap     messageHeap
	buffered map[uint64]struct{}
}

// NewMessageQueue creates a queue that expects InitialSequenceNum first.
func NewMessageQueue() *MessageQueue {
	return NewMessageQueueFrom(InitialSequenceNum)
}

// NewMessageQueueFrom creates a queue that resumes at nextSequenceNum. Ports
// that move between nodes use this to continue their stream.
func NewMessageQueueFrom(nextSequenceNum uint64) *MessageQueue {
	return &MessageQueue{
		nextSequenceNum: nextSequenceNum,
		signalable:      true,
		buffered:        make(map[uint64]struct{}),
	}
}

// NextSequenceNum returns the sequence number the queue releases next.
func (q *MessageQueue) NextSequenceNum() uint64 {
	return q.nextSequenceNum
}

// Signalable reports whether state transitions should be surfaced to
// observers.
func (q *MessageQueue) Signalable() bool {
	return q.signalable
}

// SetSignalable turns observer notifications on or off. It never affects
// ordering.
func (q *MessageQueue) SetSignalable(signalable bool) {
	q.signalable = signalable
}

// Len returns the number of buffered messages, releasable or not.
func (q *MessageQueue) Len() int {
	return len(q.heap)
}

// QueuedBytes returns the payload bytes of all buffered messages.
func (q *MessageQueue) QueuedBytes() int {
	return q.queuedBytes
}

// HasNextMessage reports whether the message with the expected sequence
// number is buffered.
func (q *MessageQueue) HasNextMessage() bool {
	return len(q.heap) > 0 && q.heap[0].sequenceNum == q.nextSequenceNum
}

// GetNextMessageIf removes and returns the next message if there is one and
// the selector accepts it. Otherwise it returns nil and leaves the queue
// untouched.
func (q *MessageQueue) GetNextMessageIf(selector MessageSelector) *Message {
	if !q.HasNextMessage() {
		return nil
	}

	if selector != nil && !selector(q.heap[0]) {
		return nil
	}

	msg := heap.Pop(&q.heap).(*Message)
	delete(q.buffered, msg.sequenceNum)
	q.queuedBytes -= msg.NumBytes()
	q.nextSequenceNum++

	return msg
}

// AcceptMessage buffers a message. The returned result is BecameReady only on
// the transition into having a releasable message.
//
// A message whose sequence number was already released or is already
// buffered is rejected with ErrDuplicateSequenceNum, and a message without a
// valid sequence number with ErrInvalidSequenceNum. Rejected messages are not
// buffered and stay owned by the caller.
func (q *MessageQueue) AcceptMessage(msg *Message) (AcceptResult, error) {
	if msg == nil {
		panic("accepting nil message")
	}

	seq := msg.sequenceNum
	if seq == 0 || seq == InvalidSequenceNum {
		return NoChange, fmt.Errorf("%w: %d", ErrInvalidSequenceNum, seq)
	}

	if seq < q.nextSequenceNum {
		return NoChange, fmt.Errorf(
			"%w: %d already released, expecting %d",
			ErrDuplicateSequenceNum, seq, q.nextSequenceNum)
	}

	if _, found := q.buffered[seq]; found {
		return NoChange, fmt.Errorf(
			"%w: %d already buffered", ErrDuplicateSequenceNum, seq)
	}

	hadNext := q.HasNextMessage()

	heap.Push(&q.heap, msg)
	q.buffered[seq] = struct{}{}
	q.queuedBytes += msg.NumBytes()

	if !hadNext && q.HasNextMessage() {
		return BecameReady, nil
	}

	return NoChange, nil
}

// GetReferencedPorts returns the ports attached to every buffered message,
// including the ones that cannot be released yet.
func (q *MessageQueue) GetReferencedPorts() []PortName {
	var names []PortName

	for _, msg := range q.heap {
		names = append(names, msg.Ports...)
	}

	return names
}

// lastContiguousSequenceNum returns the highest sequence number that can be
// released without waiting for another message.
func (q *MessageQueue) lastContiguousSequenceNum() uint64 {
	last := q.nextSequenceNum - 1
	for {
		if _, found := q.buffered[last+1]; !found {
			return last
		}

		last++
	}
}

// TakeAllMessages removes every buffered message and returns them in
// sequence order. The next expected sequence number does not change.
func (q *MessageQueue) TakeAllMessages() []*Message {
	msgs := make([]*Message, 0, len(q.heap))
	for len(q.heap) > 0 {
		msgs = append(msgs, heap.Pop(&q.heap).(*Message))
	}

	q.buffered = make(map[uint64]struct{})
	q.queuedBytes = 0

	return msgs
}

type messageHeap []*Message

func (h messageHeap) Len() int {
	return len(h)
}

func (h messageHeap) Less(i, j int) bool {
	return h[i].sequenceNum < h[j].sequenceNum
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *messageHeap) Push(x any) {
	*h = append(*h, x.(*Message))
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	msg := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]

	return msg
}
