// Package ports implements ordered message queues and the ports that own
// them. A Node manages a set of ports, hands out PortRefs, and moves
// messages between ports on the same node or, through a NodeDelegate,
// between nodes.
package ports

import "github.com/sarchlab/ports/naming"

// PortName names a port. Port names are unique across all nodes.
type PortName struct {
	naming.Name
}

// NodeName names a node.
type NodeName struct {
	naming.Name
}

// InvalidPortName is the zero PortName.
var InvalidPortName = PortName{}

// InvalidNodeName is the zero NodeName.
var InvalidNodeName = NodeName{}

// Less orders port names lexicographically.
func (n PortName) Less(other PortName) bool {
	return n.Name.Less(other.Name)
}

// MakePortName wraps a naming.Name.
func MakePortName(n naming.Name) PortName {
	return PortName{Name: n}
}

// MakeNodeName wraps a naming.Name.
func MakeNodeName(n naming.Name) NodeName {
	return NodeName{Name: n}
}
