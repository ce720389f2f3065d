// Package transport moves node events between nodes. A Router connects
// nodes that live in the same process; a TCPTransport connects nodes in
// different processes.
package transport

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sarchlab/ports/ports"
)

// StatusHandler receives port status changes of a node.
type StatusHandler func(node *ports.Node, ref ports.PortRef)

// Router delivers events between nodes of the same process. Every node gets
// an inbox drained by its own goroutine, so events reach a node in the
// order they were forwarded to it and a node never handles events
// concurrently with itself.
type Router struct {
	logger *zap.Logger

	lock    sync.Mutex
	inboxes map[ports.NodeName]*inbox
	closed  bool

	wg sync.WaitGroup
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Router{
		logger:  logger,
		inboxes: make(map[ports.NodeName]*inbox),
	}
}

// AddNode builds a node connected to the router. The builder's delegate is
// replaced by the router.
func (r *Router) AddNode(
	b ports.Builder,
	name ports.NodeName,
	onStatus StatusHandler,
) *ports.Node {
	d := &routerDelegate{router: r, from: name, onStatus: onStatus}
	node := b.WithDelegate(d).Build(name)
	d.node = node

	ib := newInbox(node)

	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		panic("adding node to a closed router")
	}

	if _, found := r.inboxes[name]; found {
		r.lock.Unlock()
		panic("node " + name.String() + " already added")
	}

	r.inboxes[name] = ib
	r.lock.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ib.run(r.logger)
	}()

	return node
}

// Nodes returns the nodes connected to the router.
func (r *Router) Nodes() []*ports.Node {
	r.lock.Lock()
	defer r.lock.Unlock()

	nodes := make([]*ports.Node, 0, len(r.inboxes))
	for _, ib := range r.inboxes {
		nodes = append(nodes, ib.node)
	}

	return nodes
}

// RemoveNode disconnects a node. Events still queued for it are dropped. The
// removed node and every remaining node learn that their connection is
// lost.
func (r *Router) RemoveNode(name ports.NodeName) {
	r.lock.Lock()
	ib, found := r.inboxes[name]
	delete(r.inboxes, name)

	others := make([]*ports.Node, 0, len(r.inboxes))
	for _, other := range r.inboxes {
		others = append(others, other.node)
	}
	r.lock.Unlock()

	if !found {
		return
	}

	ib.close()

	for _, node := range others {
		r.lose(node, name)
		r.lose(ib.node, node.Name())
	}
}

func (r *Router) lose(node *ports.Node, lost ports.NodeName) {
	if err := node.LostConnectionToNode(lost); err != nil {
		r.logger.Warn("handling lost node",
			zap.Stringer("node", node.Name()),
			zap.Stringer("lost", lost),
			zap.Error(err))
	}
}

// Close stops every inbox goroutine and waits for them to finish.
func (r *Router) Close() {
	r.lock.Lock()
	r.closed = true
	inboxes := r.inboxes
	r.inboxes = make(map[ports.NodeName]*inbox)
	r.lock.Unlock()

	for _, ib := range inboxes {
		ib.close()
	}

	r.wg.Wait()
}

func (r *Router) forward(from, to ports.NodeName, event ports.Event) {
	r.lock.Lock()
	ib, found := r.inboxes[to]
	r.lock.Unlock()

	if !found {
		r.logger.Warn("dropping event for unknown node",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Stringer("type", event.Type()))

		return
	}

	ib.push(event)
}

type routerDelegate struct {
	router   *Router
	from     ports.NodeName
	node     *ports.Node
	onStatus StatusHandler
}

func (d *routerDelegate) ForwardEvent(to ports.NodeName, event ports.Event) {
	d.router.forward(d.from, to, event)
}

func (d *routerDelegate) PortStatusChanged(ref ports.PortRef) {
	if d.onStatus != nil {
		d.onStatus(d.node, ref)
	}
}

// inbox is an unbounded FIFO of events for one node. Pushing never blocks,
// so nodes forwarding to each other cannot deadlock.
type inbox struct {
	node *ports.Node

	lock   sync.Mutex
	events []ports.Event
	closed bool
	wake   chan struct{}
}

func newInbox(node *ports.Node) *inbox {
	return &inbox{
		node: node,
		wake: make(chan struct{}, 1),
	}
}

func (ib *inbox) push(event ports.Event) {
	ib.lock.Lock()
	if ib.closed {
		ib.lock.Unlock()
		return
	}
	ib.events = append(ib.events, event)
	ib.lock.Unlock()

	select {
	case ib.wake <- struct{}{}:
	default:
	}
}

func (ib *inbox) close() {
	ib.lock.Lock()
	ib.closed = true
	ib.events = nil
	ib.lock.Unlock()

	select {
	case ib.wake <- struct{}{}:
	default:
	}
}

func (ib *inbox) run(logger *zap.Logger) {
	for {
		ib.lock.Lock()
		if ib.closed {
			ib.lock.Unlock()
			return
		}

		events := ib.events
		ib.events = nil
		ib.lock.Unlock()

		if len(events) == 0 {
			<-ib.wake
			continue
		}

		for _, event := range events {
			if err := ib.node.AcceptEvent(event); err != nil {
				logger.Warn("event rejected",
					zap.Stringer("node", ib.node.Name()),
					zap.Stringer("type", event.Type()),
					zap.Stringer("port", event.TargetPort()),
					zap.Error(err))
			}
		}
	}
}
