package ports

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/sarchlab/ports/hooking"
	"github.com/sarchlab/ports/naming"
)

// Builder builds Nodes.
type Builder struct {
	delegate     NodeDelegate
	logger       *zap.Logger
	names        naming.Generator
	erasedMemory int
}

// MakeBuilder creates a Builder with default settings.
func MakeBuilder() Builder {
	return Builder{
		erasedMemory: 1024,
	}
}

// WithDelegate sets the delegate the node forwards events through.
func (b Builder) WithDelegate(d NodeDelegate) Builder {
	b.delegate = d
	return b
}

// WithLogger sets the logger. The default discards everything.
func (b Builder) WithLogger(l *zap.Logger) Builder {
	b.logger = l
	return b
}

// WithNameGenerator sets how the node names new ports. The default draws
// random names.
func (b Builder) WithNameGenerator(g naming.Generator) Builder {
	b.names = g
	return b
}

// WithErasedPortMemory sets how many erased port names the node remembers.
// Events arriving late for a remembered port are expected and only logged
// at debug level.
func (b Builder) WithErasedPortMemory(size int) Builder {
	b.erasedMemory = size
	return b
}

// Build creates the node.
func (b Builder) Build(name NodeName) *Node {
	if !name.IsValid() {
		panic("node name is not valid")
	}

	if b.delegate == nil {
		panic("node delegate is not set")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	names := b.names
	if names == nil {
		names = naming.NewRandomGenerator()
	}

	size := b.erasedMemory
	if size <= 0 {
		size = 1
	}

	erased, err := lru.New[PortName, struct{}](size)
	if err != nil {
		panic(err)
	}

	return &Node{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		delegate:     b.delegate,
		logger:       logger.With(zap.Stringer("node", name)),
		names:        names,
		arena:        newPortArena(),
		erased:       erased,
	}
}

// NewNode builds a node with default settings.
func NewNode(name NodeName, delegate NodeDelegate) *Node {
	return MakeBuilder().WithDelegate(delegate).Build(name)
}
