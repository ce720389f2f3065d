package transport

import (
	"bytes"
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ports/codec"
	"github.com/sarchlab/ports/ports"
)

var _ = Describe("TCPTransport", func() {
	var (
		t0, t1 *TCPTransport
		n0, n1 *ports.Node
		a, b   ports.PortRef
	)

	BeforeEach(func() {
		c := codec.MakeBuilder().WithCompressThreshold(128).Build()

		t0, n0 = MakeTCPBuilder().
			WithCodec(c).
			WithDialTimeout(time.Second).
			Build(testNodeBuilder(1), testNodeName(1))
		t1, n1 = MakeTCPBuilder().
			WithCodec(c).
			WithDialTimeout(time.Second).
			Build(testNodeBuilder(2), testNodeName(2))

		ctx := context.Background()
		Expect(t0.Listen(ctx)).To(Succeed())
		Expect(t1.Listen(ctx)).To(Succeed())

		t0.AddPeer(n1.Name(), t1.Addr())
		t1.AddPeer(n0.Name(), t0.Addr())

		a, b = connectPorts(n0, n1)
	})

	AfterEach(func() {
		Expect(t0.Close()).To(Succeed())
		Expect(t1.Close()).To(Succeed())
	})

	It("should return the node it serves", func() {
		Expect(t0.Node()).To(BeIdenticalTo(n0))
		Expect(t0.Addr()).NotTo(BeEmpty())
	})

	It("should deliver messages in order", func() {
		for _, p := range []string{"one", "two", "three"} {
			Expect(n0.SendUserMessage(a, ports.NewMessage([]byte(p)))).
				To(Succeed())
		}

		Eventually(receive(n1, b)).Should(Equal("one"))
		Eventually(receive(n1, b)).Should(Equal("two"))
		Eventually(receive(n1, b)).Should(Equal("three"))
	})

	It("should carry large payloads", func() {
		payload := bytes.Repeat([]byte("0123456789"), 10000)

		Expect(n0.SendUserMessage(a, ports.NewMessage(payload))).To(Succeed())

		Eventually(receiveMsg(n1, b)).Should(
			WithTransform(func(m *ports.Message) []byte {
				if m == nil {
					return nil
				}

				return m.Payload
			}, Equal(payload)))
	})

	It("should move ports across processes", func() {
		c, d, err := n0.CreatePortPair()
		Expect(err).NotTo(HaveOccurred())

		Expect(n0.SendUserMessage(c, ports.NewMessage([]byte("queued")))).
			To(Succeed())
		Expect(n0.SendUserMessage(a, ports.NewMessage(nil, d.Name()))).
			To(Succeed())

		var carrier *ports.Message
		Eventually(func() *ports.Message {
			carrier = receiveMsg(n1, b)()
			return carrier
		}).ShouldNot(BeNil())

		moved, err := n1.GetPort(carrier.Ports[0])
		Expect(err).NotTo(HaveOccurred())

		Eventually(receive(n1, moved)).Should(Equal("queued"))
		Eventually(n0.PortCount).Should(Equal(2))

		Expect(n1.SendUserMessage(moved, ports.NewMessage([]byte("reply")))).
			To(Succeed())
		Eventually(receive(n0, c)).Should(Equal("reply"))
	})

	It("should report the peer closed when the other side goes away", func() {
		Expect(n0.SendUserMessage(a, ports.NewMessage([]byte("hi")))).
			To(Succeed())
		Eventually(receive(n1, b)).Should(Equal("hi"))

		Expect(t0.Close()).To(Succeed())

		Eventually(peerClosedErr(n1, b)).Should(MatchError(ports.ErrPortPeerClosed))
	})

	It("should close ports peered with unreachable nodes", func() {
		u, err := n0.CreateUninitializedPort()
		Expect(err).NotTo(HaveOccurred())
		Expect(n0.InitializePort(u, testNodeName(9), ports.InvalidPortName)).
			To(Succeed())

		Expect(n0.SendUserMessage(u, ports.NewMessage(nil))).To(Succeed())

		Eventually(func() bool {
			status, err := n0.GetStatus(u)
			return err == nil && status.PeerClosed
		}).Should(BeTrue())
	})
})

var _ = Describe("TCPTransport learning peers", func() {
	It("should answer nodes that dial in without being configured", func() {
		joined := make(chan ports.NodeName, 1)

		server, serverNode := MakeTCPBuilder().
			WithPeerHandler(func(_ *ports.Node, peer ports.NodeName) {
				joined <- peer
			}).
			Build(testNodeBuilder(1), testNodeName(1))
		client, clientNode := MakeTCPBuilder().
			Build(testNodeBuilder(2), testNodeName(2))

		defer func() {
			Expect(client.Close()).To(Succeed())
			Expect(server.Close()).To(Succeed())
		}()

		ctx := context.Background()
		Expect(server.Listen(ctx)).To(Succeed())
		Expect(client.Listen(ctx)).To(Succeed())

		client.AddPeer(serverNode.Name(), server.Addr())

		a, b := connectPorts(clientNode, serverNode)

		Expect(clientNode.SendUserMessage(a, ports.NewMessage([]byte("ping")))).
			To(Succeed())

		Eventually(joined).Should(Receive(Equal(clientNode.Name())))
		Eventually(receive(serverNode, b)).Should(Equal("ping"))

		Expect(serverNode.SendUserMessage(b, ports.NewMessage([]byte("pong")))).
			To(Succeed())
		Eventually(receive(clientNode, a)).Should(Equal("pong"))
	})
})
