package ports

import (
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ports/naming"
)

func seqMsg(seq uint64, payload string, ports ...PortName) *Message {
	msg := NewMessage([]byte(payload), ports...)
	msg.SetSequenceNum(seq)

	return msg
}

func testPortName(v uint64) PortName {
	return MakePortName(naming.Name{V1: v, V2: v})
}

func mustAccept(q *MessageQueue, msg *Message) AcceptResult {
	result, err := q.AcceptMessage(msg)
	Expect(err).NotTo(HaveOccurred())

	return result
}

var _ = Describe("MessageQueue", func() {
	var q *MessageQueue

	BeforeEach(func() {
		q = NewMessageQueue()
	})

	It("should start at the initial sequence number", func() {
		Expect(q.NextSequenceNum()).To(Equal(InitialSequenceNum))
		Expect(q.HasNextMessage()).To(BeFalse())
		Expect(q.Signalable()).To(BeTrue())
		Expect(q.Len()).To(Equal(0))
	})

	It("should resume from a given sequence number", func() {
		q = NewMessageQueueFrom(7)

		Expect(mustAccept(q, seqMsg(8, "b"))).To(Equal(NoChange))
		Expect(mustAccept(q, seqMsg(7, "a"))).To(Equal(BecameReady))
		Expect(string(q.GetNextMessageIf(nil).Payload)).To(Equal("a"))
		Expect(q.NextSequenceNum()).To(Equal(uint64(8)))
	})

	It("should release messages in order for any arrival order", func() {
		const n = 64

		seqs := make([]uint64, n)
		for i := range seqs {
			seqs[i] = uint64(i + 1)
		}

		r := rand.New(rand.NewSource(1))
		r.Shuffle(n, func(i, j int) { seqs[i], seqs[j] = seqs[j], seqs[i] })

		seenFirst := false
		for _, s := range seqs {
			if !seenFirst {
				Expect(q.HasNextMessage()).To(BeFalse())
			}

			mustAccept(q, seqMsg(s, ""))
			seenFirst = seenFirst || s == 1
		}

		for i := uint64(1); i <= n; i++ {
			msg := q.GetNextMessageIf(nil)
			Expect(msg).NotTo(BeNil())
			Expect(msg.SequenceNum()).To(Equal(i))
		}

		Expect(q.HasNextMessage()).To(BeFalse())
		Expect(q.Len()).To(Equal(0))
	})

	It("should report readiness only on the rising edge", func() {
		Expect(mustAccept(q, seqMsg(2, "b"))).To(Equal(NoChange))
		Expect(mustAccept(q, seqMsg(1, "a"))).To(Equal(BecameReady))
		Expect(mustAccept(q, seqMsg(3, "c"))).To(Equal(NoChange))

		for q.HasNextMessage() {
			q.GetNextMessageIf(nil)
		}

		Expect(mustAccept(q, seqMsg(4, "d"))).To(Equal(BecameReady))
	})

	It("should keep a message the selector declines", func() {
		mustAccept(q, seqMsg(1, "a"))

		msg := q.GetNextMessageIf(func(*Message) bool { return false })

		Expect(msg).To(BeNil())
		Expect(q.HasNextMessage()).To(BeTrue())
		Expect(q.NextSequenceNum()).To(Equal(uint64(1)))

		msg = q.GetNextMessageIf(func(m *Message) bool {
			return string(m.Payload) == "a"
		})
		Expect(msg).NotTo(BeNil())
	})

	It("should not change anything when nothing is releasable", func() {
		mustAccept(q, seqMsg(2, "b"))

		Expect(q.GetNextMessageIf(nil)).To(BeNil())
		Expect(q.GetNextMessageIf(nil)).To(BeNil())
		Expect(q.NextSequenceNum()).To(Equal(uint64(1)))
		Expect(q.Len()).To(Equal(1))
	})

	It("should collect ports of messages that are not releasable yet", func() {
		p1 := testPortName(1)
		p2 := testPortName(2)

		mustAccept(q, seqMsg(2, "b", p1))
		mustAccept(q, seqMsg(3, "c", p2))

		Expect(q.HasNextMessage()).To(BeFalse())
		Expect(q.GetReferencedPorts()).To(ConsistOf(p1, p2))
	})

	It("should walk through the A, C, B scenario", func() {
		Expect(mustAccept(q, seqMsg(1, "A"))).To(Equal(BecameReady))
		Expect(mustAccept(q, seqMsg(3, "C"))).To(Equal(NoChange))

		Expect(string(q.GetNextMessageIf(nil).Payload)).To(Equal("A"))
		Expect(q.NextSequenceNum()).To(Equal(uint64(2)))
		Expect(q.HasNextMessage()).To(BeFalse())

		Expect(mustAccept(q, seqMsg(2, "B"))).To(Equal(BecameReady))
		Expect(string(q.GetNextMessageIf(nil).Payload)).To(Equal("B"))
		Expect(q.NextSequenceNum()).To(Equal(uint64(3)))
		Expect(string(q.GetNextMessageIf(nil).Payload)).To(Equal("C"))
		Expect(q.NextSequenceNum()).To(Equal(uint64(4)))

		Expect(q.HasNextMessage()).To(BeFalse())
		Expect(q.Len()).To(Equal(0))
	})

	It("should reject a sequence number that is already buffered", func() {
		first := seqMsg(2, "first")
		mustAccept(q, first)

		_, err := q.AcceptMessage(seqMsg(2, "second"))

		Expect(err).To(MatchError(ErrDuplicateSequenceNum))
		Expect(q.Len()).To(Equal(1))

		mustAccept(q, seqMsg(1, "a"))
		q.GetNextMessageIf(nil)
		Expect(q.GetNextMessageIf(nil)).To(BeIdenticalTo(first))
	})

	It("should reject a sequence number that was already released", func() {
		mustAccept(q, seqMsg(1, "a"))
		q.GetNextMessageIf(nil)

		_, err := q.AcceptMessage(seqMsg(1, "again"))

		Expect(err).To(MatchError(ErrDuplicateSequenceNum))
		Expect(q.HasNextMessage()).To(BeFalse())
	})

	It("should reject invalid sequence numbers", func() {
		_, err := q.AcceptMessage(seqMsg(0, ""))
		Expect(err).To(MatchError(ErrInvalidSequenceNum))

		_, err = q.AcceptMessage(NewMessage(nil))
		Expect(err).To(MatchError(ErrInvalidSequenceNum))
	})

	It("should panic on nil messages", func() {
		Expect(func() { _, _ = q.AcceptMessage(nil) }).To(Panic())
	})

	It("should track queued bytes", func() {
		mustAccept(q, seqMsg(1, "abc"))
		mustAccept(q, seqMsg(3, "de"))

		Expect(q.QueuedBytes()).To(Equal(5))

		q.GetNextMessageIf(nil)
		Expect(q.QueuedBytes()).To(Equal(2))
	})

	It("should not let signalable affect ordering", func() {
		q.SetSignalable(false)

		Expect(mustAccept(q, seqMsg(2, "b"))).To(Equal(NoChange))
		Expect(mustAccept(q, seqMsg(1, "a"))).To(Equal(BecameReady))
		Expect(q.GetNextMessageIf(nil).SequenceNum()).To(Equal(uint64(1)))
		Expect(q.Signalable()).To(BeFalse())
	})

	It("should take every message in order", func() {
		mustAccept(q, seqMsg(4, "d"))
		mustAccept(q, seqMsg(2, "b"))
		mustAccept(q, seqMsg(3, "c"))

		msgs := q.TakeAllMessages()

		Expect(msgs).To(HaveLen(3))
		Expect(msgs[0].SequenceNum()).To(Equal(uint64(2)))
		Expect(msgs[2].SequenceNum()).To(Equal(uint64(4)))
		Expect(q.Len()).To(Equal(0))
		Expect(q.QueuedBytes()).To(Equal(0))
		Expect(q.NextSequenceNum()).To(Equal(uint64(1)))
	})

	It("should find the end of the contiguous run", func() {
		Expect(q.lastContiguousSequenceNum()).To(Equal(uint64(0)))

		mustAccept(q, seqMsg(1, ""))
		mustAccept(q, seqMsg(2, ""))
		mustAccept(q, seqMsg(4, ""))

		Expect(q.lastContiguousSequenceNum()).To(Equal(uint64(2)))
	})
})
