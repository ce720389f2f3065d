package ports

// NodeDelegate connects a Node to the outside world. A Node never calls its
// delegate while holding a port lock, so delegates may call back into the
// node.
type NodeDelegate interface {
	// ForwardEvent sends an event to another node. Events for the local node
	// are handled by the node itself and never reach the delegate.
	ForwardEvent(to NodeName, event Event)

	// PortStatusChanged reports that a signalable port has new messages or
	// has lost its peer.
	PortStatusChanged(ref PortRef)
}
