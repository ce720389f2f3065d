package ports

import "github.com/sarchlab/ports/hooking"

// Hook positions raised by a Node. Unless noted otherwise, Item is the
// *Message involved and Detail is the PortName of the port.
var (
	// HookPosPortCreated fires when a port is added to a node. Item is the
	// PortName.
	HookPosPortCreated = &hooking.HookPos{Name: "Port Created"}

	// HookPosMsgSent fires after a message leaves a port.
	HookPosMsgSent = &hooking.HookPos{Name: "Port Msg Sent"}

	// HookPosMsgAccepted fires after a message is buffered in a port's queue.
	HookPosMsgAccepted = &hooking.HookPos{Name: "Port Msg Accepted"}

	// HookPosMsgRetrieved fires after the consumer takes a message.
	HookPosMsgRetrieved = &hooking.HookPos{Name: "Port Msg Retrieved"}

	// HookPosPortClosed fires when a port is closed locally. Item is the
	// PortName.
	HookPosPortClosed = &hooking.HookPos{Name: "Port Closed"}

	// HookPosProxyRemoved fires when a proxy port is erased. Item is the
	// PortName.
	HookPosProxyRemoved = &hooking.HookPos{Name: "Proxy Removed"}

	// HookPosEventDropped fires when an incoming event cannot be delivered.
	// Item is the Event and Detail the reason error.
	HookPosEventDropped = &hooking.HookPos{Name: "Event Dropped"}
)
