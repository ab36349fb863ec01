package ring

// handle addresses a block record in the arena.
type handle int32

const nilHandle handle = -1

// block is a span [offset, offset+size) of the buffer, taken modulo the cache
// size. An empty id marks free space.
type block struct {
	offset int
	size   int // may wrap past the end of the buffer
	id     string
	next   handle
	prev   handle
}

func (b *block) isFree() bool {
	return b.id == ""
}

// arena stores block records and recycles released handles. Links are
// handles rather than pointers so the slice can grow without invalidating
// the ring.
type arena struct {
	nodes    []block
	released []handle
}

// alloc returns a new unlinked block. Pointers returned by at are invalid
// after alloc.
func (a *arena) alloc(offset, size int, id string) handle {
	var h handle
	if n := len(a.released); n > 0 {
		h = a.released[n-1]
		a.released = a.released[:n-1]
	} else {
		h = handle(len(a.nodes)) //nolint:gosec // block count is bounded by the buffer size
		a.nodes = append(a.nodes, block{})
	}
	a.nodes[h] = block{offset: offset, size: size, id: id, next: h, prev: h}
	return h
}

func (a *arena) at(h handle) *block {
	return &a.nodes[h]
}

// release returns an unlinked block to the free list.
func (a *arena) release(h handle) {
	b := a.at(h)
	if b.next != h || b.prev != h {
		panic(invariantf("release", "block %d is still linked", h))
	}
	a.nodes[h] = block{next: nilHandle, prev: nilHandle}
	a.released = append(a.released, h)
}

func (a *arena) reset() {
	a.nodes = a.nodes[:0]
	a.released = a.released[:0]
}

// linkAfter inserts the unlinked block h directly after other.
func (a *arena) linkAfter(h, other handle) {
	b := a.at(h)
	if b.next != h || b.prev != h {
		panic(invariantf("link", "block %d is already linked", h))
	}
	next := a.at(other).next
	b.prev = other
	b.next = next
	a.at(next).prev = h
	a.at(other).next = h
}

// unlink removes h from the ring, leaving it self-linked.
func (a *arena) unlink(h handle) {
	b := a.at(h)
	if b.next == h {
		panic(invariantf("unlink", "block %d is not linked", h))
	}
	a.at(b.prev).next = b.next
	a.at(b.next).prev = b.prev
	b.next = h
	b.prev = h
}

// live reports the number of blocks currently in use.
func (a *arena) live() int {
	return len(a.nodes) - len(a.released)
}
