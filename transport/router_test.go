package transport

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ports/ports"
)

type statusLog struct {
	lock sync.Mutex
	refs []ports.PortRef
}

func (l *statusLog) handle(_ *ports.Node, ref ports.PortRef) {
	l.lock.Lock()
	l.refs = append(l.refs, ref)
	l.lock.Unlock()
}

func (l *statusLog) count(ref ports.PortRef) func() int {
	return func() int {
		l.lock.Lock()
		defer l.lock.Unlock()

		n := 0
		for _, r := range l.refs {
			if r == ref {
				n++
			}
		}

		return n
	}
}

var _ = Describe("Router", func() {
	var (
		router *Router
		status *statusLog
		n0, n1 *ports.Node
		a, b   ports.PortRef
	)

	BeforeEach(func() {
		router = NewRouter(nil)
		status = &statusLog{}
		n0 = router.AddNode(testNodeBuilder(1), testNodeName(1), status.handle)
		n1 = router.AddNode(testNodeBuilder(2), testNodeName(2), status.handle)
		a, b = connectPorts(n0, n1)
	})

	AfterEach(func() {
		router.Close()
	})

	It("should list its nodes", func() {
		Expect(router.Nodes()).To(ConsistOf(n0, n1))
	})

	It("should refuse a node name twice", func() {
		Expect(func() {
			router.AddNode(testNodeBuilder(1), testNodeName(1), nil)
		}).To(Panic())
	})

	It("should deliver messages between nodes", func() {
		Expect(n0.SendUserMessage(a, ports.NewMessage([]byte("hello")))).
			To(Succeed())

		Eventually(status.count(b)).Should(BeNumerically(">=", 2))
		Eventually(receive(n1, b)).Should(Equal("hello"))
	})

	It("should keep order across many messages", func() {
		for i := 0; i < 100; i++ {
			Expect(n0.SendUserMessage(a, ports.NewMessage([]byte{byte(i)}))).
				To(Succeed())
		}

		for i := 0; i < 100; i++ {
			var msg *ports.Message
			Eventually(func() *ports.Message {
				msg, _ = n1.GetMessage(b, nil)
				return msg
			}).ShouldNot(BeNil())
			Expect(msg.Payload).To(Equal([]byte{byte(i)}))
		}
	})

	It("should move ports between nodes", func() {
		c, d, err := n0.CreatePortPair()
		Expect(err).NotTo(HaveOccurred())

		Expect(n0.SendUserMessage(a, ports.NewMessage(nil, d.Name()))).
			To(Succeed())

		var carrier *ports.Message
		Eventually(func() *ports.Message {
			carrier = receiveMsg(n1, b)()
			return carrier
		}).ShouldNot(BeNil())

		moved, err := n1.GetPort(carrier.Ports[0])
		Expect(err).NotTo(HaveOccurred())

		Expect(n0.SendUserMessage(c, ports.NewMessage([]byte("hi")))).
			To(Succeed())

		Eventually(receive(n1, moved)).Should(Equal("hi"))
		Eventually(n0.PortCount).Should(Equal(2))
	})

	It("should report closure when a node is removed", func() {
		router.RemoveNode(n0.Name())

		Eventually(peerClosedErr(n1, b)).Should(MatchError(ports.ErrPortPeerClosed))
		Expect(router.Nodes()).To(ConsistOf(n1))
	})

	It("should drop events for unknown nodes", func() {
		u, err := n0.CreateUninitializedPort()
		Expect(err).NotTo(HaveOccurred())
		Expect(n0.InitializePort(u, testNodeName(9), ports.InvalidPortName)).
			To(Succeed())

		Expect(n0.SendUserMessage(u, ports.NewMessage(nil))).To(Succeed())
	})

	It("should refuse nodes once closed", func() {
		router.Close()

		Expect(func() {
			router.AddNode(testNodeBuilder(3), testNodeName(3), nil)
		}).To(Panic())
	})
})
