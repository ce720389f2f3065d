package ports

// portArena owns the ports of a node. Slots are reused after a port is
// erased; the slot generation is bumped on every erase so that stale
// PortRefs stop resolving. The arena is guarded by the node lock.
type portArena struct {
	slots  []portSlot
	free   []uint32
	byName map[PortName]uint32
}

type portSlot struct {
	gen  uint32
	name PortName
	port *port
}

func newPortArena() *portArena {
	return &portArena{
		byName: make(map[PortName]uint32),
	}
}

func (a *portArena) add(name PortName, p *port) (PortRef, error) {
	if _, found := a.byName[name]; found {
		return PortRef{}, ErrPortExists
	}

	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		index = uint32(len(a.slots))
		a.slots = append(a.slots, portSlot{})
	}

	slot := &a.slots[index]
	slot.gen++
	slot.name = name
	slot.port = p
	a.byName[name] = index

	return PortRef{name: name, index: index, gen: slot.gen}, nil
}

func (a *portArena) lookup(name PortName) (PortRef, *port, bool) {
	index, found := a.byName[name]
	if !found {
		return PortRef{}, nil, false
	}

	slot := &a.slots[index]

	return PortRef{name: name, index: index, gen: slot.gen}, slot.port, true
}

func (a *portArena) resolve(ref PortRef) (*port, bool) {
	if !ref.IsValid() || int(ref.index) >= len(a.slots) {
		return nil, false
	}

	slot := &a.slots[ref.index]
	if slot.gen != ref.gen || slot.port == nil || slot.name != ref.name {
		return nil, false
	}

	return slot.port, true
}

func (a *portArena) erase(name PortName) (*port, bool) {
	index, found := a.byName[name]
	if !found {
		return nil, false
	}

	slot := &a.slots[index]
	p := slot.port

	delete(a.byName, name)
	slot.port = nil
	slot.name = InvalidPortName
	slot.gen++
	a.free = append(a.free, index)

	return p, true
}

func (a *portArena) len() int {
	return len(a.byName)
}

func (a *portArena) refs() []PortRef {
	refs := make([]PortRef, 0, len(a.byName))
	for name, index := range a.byName {
		refs = append(refs, PortRef{
			name:  name,
			index: index,
			gen:   a.slots[index].gen,
		})
	}

	return refs
}
