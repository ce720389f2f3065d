package ports

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("portArena", func() {
	var arena *portArena

	BeforeEach(func() {
		arena = newPortArena()
	})

	It("should resolve refs it handed out", func() {
		p := newPort(1, 1)

		ref, err := arena.add(testPortName(1), p)

		Expect(err).NotTo(HaveOccurred())
		Expect(ref.IsValid()).To(BeTrue())
		Expect(ref.Name()).To(Equal(testPortName(1)))

		resolved, found := arena.resolve(ref)
		Expect(found).To(BeTrue())
		Expect(resolved).To(BeIdenticalTo(p))
	})

	It("should refuse duplicated names", func() {
		_, err := arena.add(testPortName(1), newPort(1, 1))
		Expect(err).NotTo(HaveOccurred())

		_, err = arena.add(testPortName(1), newPort(1, 1))
		Expect(err).To(MatchError(ErrPortExists))
	})

	It("should stop resolving stale refs after a slot is reused", func() {
		oldRef, _ := arena.add(testPortName(1), newPort(1, 1))
		arena.erase(testPortName(1))

		newRef, err := arena.add(testPortName(2), newPort(1, 1))
		Expect(err).NotTo(HaveOccurred())

		Expect(newRef.index).To(Equal(oldRef.index))
		Expect(newRef.gen).NotTo(Equal(oldRef.gen))

		_, found := arena.resolve(oldRef)
		Expect(found).To(BeFalse())

		_, found = arena.resolve(newRef)
		Expect(found).To(BeTrue())
	})

	It("should not resolve the empty ref", func() {
		_, found := arena.resolve(PortRef{})

		Expect(found).To(BeFalse())
		Expect(PortRef{}.IsValid()).To(BeFalse())
		Expect(PortRef{}.String()).To(Equal("PortRef(empty)"))
	})

	It("should list refs of live ports", func() {
		arena.add(testPortName(1), newPort(1, 1))
		arena.add(testPortName(2), newPort(1, 1))
		arena.add(testPortName(3), newPort(1, 1))
		arena.erase(testPortName(2))

		names := []PortName{}
		for _, ref := range arena.refs() {
			names = append(names, ref.Name())
		}

		Expect(names).To(ConsistOf(testPortName(1), testPortName(3)))
		Expect(arena.len()).To(Equal(2))
	})
})

var _ = Describe("lockPorts", func() {
	It("should lock each port once, even when listed twice", func() {
		p1 := newPort(1, 1)
		p2 := newPort(1, 1)

		unlock := lockPorts(
			lockedPort{testPortName(2), p2},
			lockedPort{testPortName(1), p1},
			lockedPort{testPortName(2), p2},
		)

		Expect(p1.lock.TryLock()).To(BeFalse())
		Expect(p2.lock.TryLock()).To(BeFalse())

		unlock()

		Expect(p1.lock.TryLock()).To(BeTrue())
		Expect(p2.lock.TryLock()).To(BeTrue())
	})
})

var _ = Describe("port", func() {
	It("should stop accepting after the last message from a closed peer", func() {
		p := newPort(1, 1)
		p.state = PortReceiving
		Expect(p.canAcceptMoreMessages()).To(BeTrue())

		p.peerClosed = true
		p.lastSequenceNumToReceive = 1
		Expect(p.canAcceptMoreMessages()).To(BeTrue())

		_, err := p.messageQueue.AcceptMessage(seqMsg(1, "a"))
		Expect(err).NotTo(HaveOccurred())
		p.messageQueue.GetNextMessageIf(nil)

		Expect(p.canAcceptMoreMessages()).To(BeFalse())
	})

	It("should never accept once closed", func() {
		p := newPort(1, 1)
		p.state = PortClosed

		Expect(p.canAcceptMoreMessages()).To(BeFalse())
	})
})
