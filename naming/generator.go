package naming

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator can generate Names.
type Generator interface {
	// Generate returns a valid name that the generator never returned
	// before.
	Generate() Name
}

// NewSequentialGenerator returns a generator that produces deterministic
// names. All names share the prefix V1 and count up in V2 starting at 1.
// It is meant for tests and single-process setups where reproducible names
// help debugging.
func NewSequentialGenerator(prefix uint64) Generator {
	return &sequentialGenerator{prefix: prefix}
}

type sequentialGenerator struct {
	prefix uint64
	next   uint64
}

func (g *sequentialGenerator) Generate() Name {
	return Name{V1: g.prefix, V2: atomic.AddUint64(&g.next, 1)}
}

// NewRandomGenerator returns a generator that draws names from random
// (version 4) UUIDs. Names generated this way are globally unique with
// overwhelming probability, which is what ports that travel between
// processes need.
func NewRandomGenerator() Generator {
	return randomGenerator{}
}

type randomGenerator struct{}

func (randomGenerator) Generate() Name {
	for {
		n := FromUUID(uuid.New())
		if n.IsValid() {
			return n
		}
	}
}

// FromUUID packs a UUID into a Name, big-endian.
func FromUUID(u uuid.UUID) Name {
	return Name{
		V1: binary.BigEndian.Uint64(u[0:8]),
		V2: binary.BigEndian.Uint64(u[8:16]),
	}
}
