package ports

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/sarchlab/ports/hooking"
	"github.com/sarchlab/ports/naming"
)

type closeCountingHandle struct {
	closed int
	err    error
}

func (h *closeCountingHandle) Close() error {
	h.closed++
	return h.err
}

type recordingHook struct {
	ctxs []hooking.HookCtx
}

func (h *recordingHook) Func(ctx hooking.HookCtx) {
	h.ctxs = append(h.ctxs, ctx)
}

func (h *recordingHook) count(pos *hooking.HookPos) int {
	n := 0
	for _, ctx := range h.ctxs {
		if ctx.Pos == pos {
			n++
		}
	}

	return n
}

var _ = Describe("Node", func() {
	var (
		mockCtrl *gomock.Controller
		delegate *MockNodeDelegate
		node     *Node
		hook     *recordingHook
		a, b     PortRef
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		delegate = NewMockNodeDelegate(mockCtrl)
		node = MakeBuilder().
			WithDelegate(delegate).
			WithNameGenerator(naming.NewSequentialGenerator(1)).
			Build(MakeNodeName(naming.Name{V1: 100, V2: 1}))

		hook = &recordingHook{}
		node.AcceptHook(hook)

		delegate.EXPECT().PortStatusChanged(gomock.Any()).Times(2)

		var err error
		a, b, err = node.CreatePortPair()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should panic when built without a delegate", func() {
		Expect(func() {
			MakeBuilder().Build(MakeNodeName(naming.Name{V1: 1}))
		}).To(Panic())
	})

	It("should panic when built with an invalid name", func() {
		Expect(func() { NewNode(InvalidNodeName, delegate) }).To(Panic())
	})

	It("should peer the two ports of a pair", func() {
		infoA, err := node.PortInfo(a.Name())
		Expect(err).NotTo(HaveOccurred())
		Expect(infoA.State).To(Equal(PortReceiving))
		Expect(infoA.PeerNode).To(Equal(node.Name()))
		Expect(infoA.PeerPort).To(Equal(b.Name()))

		ref, err := node.GetPort(b.Name())
		Expect(err).NotTo(HaveOccurred())
		Expect(ref).To(Equal(b))
		Expect(node.PortCount()).To(Equal(2))
		Expect(hook.count(HookPosPortCreated)).To(Equal(2))
	})

	It("should deliver messages between local ports", func() {
		delegate.EXPECT().PortStatusChanged(b)

		Expect(node.SendUserMessage(a, NewMessage([]byte("hello")))).To(Succeed())

		status, err := node.GetStatus(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.HasMessages).To(BeTrue())
		Expect(status.ReceivingMessages).To(BeTrue())
		Expect(status.PeerRemote).To(BeFalse())
		Expect(status.QueuedBytes).To(Equal(5))

		msg, err := node.GetMessage(b, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(msg.Payload)).To(Equal("hello"))
		Expect(msg.SequenceNum()).To(Equal(InitialSequenceNum))

		msg, err = node.GetMessage(b, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg).To(BeNil())

		Expect(hook.count(HookPosMsgSent)).To(Equal(1))
		Expect(hook.count(HookPosMsgAccepted)).To(Equal(1))
		Expect(hook.count(HookPosMsgRetrieved)).To(Equal(1))
	})

	It("should notify only once until the port is drained", func() {
		delegate.EXPECT().PortStatusChanged(b).Times(2)

		Expect(node.SendUserMessage(a, NewMessage([]byte("1")))).To(Succeed())
		Expect(node.SendUserMessage(a, NewMessage([]byte("2")))).To(Succeed())

		for i := 0; i < 2; i++ {
			msg, err := node.GetMessage(b, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg).NotTo(BeNil())
		}

		Expect(node.SendUserMessage(a, NewMessage([]byte("3")))).To(Succeed())
	})

	It("should not notify ports that are not signalable", func() {
		Expect(node.SetSignalable(b, false)).To(Succeed())

		Expect(node.SendUserMessage(a, NewMessage(nil))).To(Succeed())

		status, err := node.GetStatus(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.HasMessages).To(BeTrue())
	})

	It("should keep user data on the port", func() {
		Expect(node.SetUserData(a, "consumer")).To(Succeed())

		data, err := node.GetUserData(a)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal("consumer"))
	})

	It("should refuse to send a port over itself", func() {
		err := node.SendUserMessage(a, NewMessage(nil, a.Name()))

		Expect(err).To(MatchError(ErrPortCannotSendSelf))
	})

	It("should refuse to send a port to its peer", func() {
		err := node.SendUserMessage(a, NewMessage(nil, b.Name()))

		Expect(err).To(MatchError(ErrPortCannotSendPeer))
	})

	It("should refuse to attach unknown ports", func() {
		err := node.SendUserMessage(a, NewMessage(nil, testPortName(99)))

		Expect(err).To(MatchError(ErrPortUnknown))
	})

	It("should refuse to attach uninitialized ports", func() {
		u, err := node.CreateUninitializedPort()
		Expect(err).NotTo(HaveOccurred())

		err = node.SendUserMessage(a, NewMessage(nil, u.Name()))

		Expect(err).To(MatchError(ErrPortStateUnexpected))
	})

	It("should refuse to use uninitialized ports", func() {
		u, err := node.CreateUninitializedPort()
		Expect(err).NotTo(HaveOccurred())

		_, err = node.GetMessage(u, nil)
		Expect(err).To(MatchError(ErrPortStateUnexpected))

		_, err = node.GetStatus(u)
		Expect(err).To(MatchError(ErrPortStateUnexpected))

		err = node.SendUserMessage(u, NewMessage(nil))
		Expect(err).To(MatchError(ErrPortStateUnexpected))
	})

	It("should refuse to initialize a port twice", func() {
		err := node.InitializePort(a, node.Name(), b.Name())

		Expect(err).To(MatchError(ErrPortStateUnexpected))
	})

	It("should not report initializing a port that is not signalable", func() {
		u, err := node.CreateUninitializedPort()
		Expect(err).NotTo(HaveOccurred())
		Expect(node.SetSignalable(u, false)).To(Succeed())

		Expect(node.InitializePort(u, node.Name(), a.Name())).To(Succeed())

		status, err := node.GetStatus(u)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.ReceivingMessages).To(BeTrue())
	})

	It("should close uninitialized ports quietly", func() {
		u, err := node.CreateUninitializedPort()
		Expect(err).NotTo(HaveOccurred())

		Expect(node.ClosePort(u)).To(Succeed())
		Expect(node.PortCount()).To(Equal(2))
	})

	It("should create ports with agreed names", func() {
		name := MakePortName(naming.Name{V1: 7, V2: 7})

		u, err := node.CreateUninitializedPortWithName(name)
		Expect(err).NotTo(HaveOccurred())
		Expect(u.Name()).To(Equal(name))

		_, err = node.CreateUninitializedPortWithName(name)
		Expect(err).To(MatchError(ErrPortExists))

		Expect(func() {
			_, _ = node.CreateUninitializedPortWithName(InvalidPortName)
		}).To(Panic())
	})

	It("should let the peer drain before reporting closure", func() {
		delegate.EXPECT().PortStatusChanged(b).Times(2)

		Expect(node.SendUserMessage(a, NewMessage([]byte("last")))).To(Succeed())
		Expect(node.ClosePort(a)).To(Succeed())

		status, err := node.GetStatus(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.PeerClosed).To(BeTrue())
		Expect(status.ReceivingMessages).To(BeTrue())

		msg, err := node.GetMessage(b, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(msg.Payload)).To(Equal("last"))

		_, err = node.GetMessage(b, nil)
		Expect(err).To(MatchError(ErrPortPeerClosed))

		err = node.SendUserMessage(b, NewMessage(nil))
		Expect(err).To(MatchError(ErrPortPeerClosed))

		Expect(hook.count(HookPosPortClosed)).To(Equal(1))
	})

	It("should stop resolving refs of closed ports", func() {
		delegate.EXPECT().PortStatusChanged(b)

		Expect(node.ClosePort(a)).To(Succeed())

		_, err := node.GetStatus(a)
		Expect(err).To(MatchError(ErrPortUnknown))

		_, err = node.GetPort(a.Name())
		Expect(err).To(MatchError(ErrPortUnknown))

		u, err := node.CreateUninitializedPort()
		Expect(err).NotTo(HaveOccurred())
		Expect(u).NotTo(Equal(a))

		err = node.SetUserData(a, 1)
		Expect(err).To(MatchError(ErrPortUnknown))
	})

	It("should release everything still queued on close", func() {
		delegate.EXPECT().PortStatusChanged(gomock.Any()).AnyTimes()

		c, d, err := node.CreatePortPair()
		Expect(err).NotTo(HaveOccurred())

		handle := &closeCountingHandle{}
		msg := NewMessage([]byte("carry"), d.Name())
		msg.Handles = []Handle{handle}

		Expect(node.SendUserMessage(a, msg)).To(Succeed())
		Expect(node.PortCount()).To(Equal(4))

		Expect(node.ClosePort(b)).To(Succeed())

		Expect(handle.closed).To(Equal(1))

		status, err := node.GetStatus(c)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.PeerClosed).To(BeTrue())
		Expect(node.PortCount()).To(Equal(2))
	})

	It("should report handle errors but still close", func() {
		delegate.EXPECT().PortStatusChanged(b).Times(1)
		delegate.EXPECT().PortStatusChanged(a).Times(1)

		handle := &closeCountingHandle{err: errors.New("busy")}
		msg := NewMessage(nil)
		msg.Handles = []Handle{handle}
		Expect(node.SendUserMessage(a, msg)).To(Succeed())

		err := node.ClosePort(b)

		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("busy"))
		_, err = node.GetPort(b.Name())
		Expect(err).To(MatchError(ErrPortUnknown))
	})

	It("should move a port within the node and bypass the proxy", func() {
		delegate.EXPECT().PortStatusChanged(gomock.Any()).AnyTimes()

		c, d, err := node.CreatePortPair()
		Expect(err).NotTo(HaveOccurred())

		Expect(node.SendUserMessage(c, NewMessage([]byte("early")))).To(Succeed())
		Expect(node.SendUserMessage(a, NewMessage(nil, d.Name()))).To(Succeed())

		carrier, err := node.GetMessage(b, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(carrier.Ports).To(HaveLen(1))

		moved, err := node.GetPort(carrier.Ports[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(moved.Name()).NotTo(Equal(d.Name()))

		_, err = node.GetPort(d.Name())
		Expect(err).To(MatchError(ErrPortUnknown))
		Expect(hook.count(HookPosProxyRemoved)).To(Equal(1))

		infoC, err := node.PortInfo(c.Name())
		Expect(err).NotTo(HaveOccurred())
		Expect(infoC.PeerPort).To(Equal(moved.Name()))

		Expect(node.SendUserMessage(c, NewMessage([]byte("late")))).To(Succeed())

		first, err := node.GetMessage(moved, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(first.Payload)).To(Equal("early"))

		second, err := node.GetMessage(moved, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(second.Payload)).To(Equal("late"))
	})

	It("should keep moved ports quiet until their message is taken", func() {
		delegate.EXPECT().PortStatusChanged(gomock.Any()).AnyTimes()

		c, d, err := node.CreatePortPair()
		Expect(err).NotTo(HaveOccurred())

		Expect(node.SendUserMessage(a, NewMessage(nil, d.Name()))).To(Succeed())

		Expect(node.SendUserMessage(c, NewMessage([]byte("x")))).To(Succeed())

		infos := node.Ports()
		var moved PortInfo
		for _, info := range infos {
			if info.Name != a.Name() && info.Name != b.Name() &&
				info.Name != c.Name() {
				moved = info
			}
		}
		Expect(moved.Signalable).To(BeFalse())
		Expect(moved.QueuedMessages).To(Equal(1))

		_, err = node.GetMessage(b, nil)
		Expect(err).NotTo(HaveOccurred())

		info, err := node.PortInfo(moved.Name)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Signalable).To(BeTrue())
	})

	It("should reject duplicated sequence numbers", func() {
		delegate.EXPECT().PortStatusChanged(b)

		msg := NewMessage([]byte("one"))
		msg.SetSequenceNum(1)
		Expect(node.AcceptEvent(&UserMessageEvent{Port: b.Name(), Message: msg})).
			To(Succeed())

		dup := NewMessage([]byte("two"))
		dup.SetSequenceNum(1)
		handle := &closeCountingHandle{}
		dup.Handles = []Handle{handle}

		err := node.AcceptEvent(&UserMessageEvent{Port: b.Name(), Message: dup})

		Expect(err).To(MatchError(ErrDuplicateSequenceNum))
		Expect(handle.closed).To(Equal(1))
		Expect(hook.count(HookPosEventDropped)).To(Equal(1))

		got, err := node.GetMessage(b, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got.Payload)).To(Equal("one"))
	})

	It("should reject malformed user messages", func() {
		msg := NewMessage(nil, testPortName(5))
		msg.SetSequenceNum(1)

		err := node.AcceptEvent(&UserMessageEvent{Port: b.Name(), Message: msg})

		Expect(err).To(MatchError(ErrMalformedEvent))
	})

	It("should drop events for unknown ports", func() {
		err := node.AcceptEvent(&ObserveClosureEvent{
			Port:            testPortName(42),
			LastSequenceNum: 3,
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(hook.count(HookPosEventDropped)).To(Equal(1))
	})

	It("should refuse unexpected port accepted events", func() {
		err := node.AcceptEvent(&PortAcceptedEvent{Port: a.Name()})

		Expect(err).To(MatchError(ErrPortStateUnexpected))
	})

	It("should know when it can shut down", func() {
		Expect(node.CanShutdownCleanly(true)).To(BeTrue())
		Expect(node.CanShutdownCleanly(false)).To(BeFalse())

		delegate.EXPECT().PortStatusChanged(b)
		Expect(node.ClosePort(a)).To(Succeed())
		Expect(node.ClosePort(b)).To(Succeed())

		Expect(node.CanShutdownCleanly(false)).To(BeTrue())
	})
})
