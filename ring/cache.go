package ring

import "fmt"

// Cache is a ring-buffer resource cache over a borrowed buffer.
//
// The buffer is owned by the caller for the cache's whole lifetime. The cache
// never reallocates it and only writes within buf[0:Size()).
type Cache struct {
	buf   []byte
	size  int
	arena arena

	// head is the eviction cursor. While the cache fills it points at the
	// next free block; once full it points at the next block to evict.
	head handle

	// index maps resident identifiers to their block.
	index map[string]handle
}

// Entry describes where a resident resource lives in the buffer.
type Entry struct {
	Offset int
	Size   int
}

// Option configures a Cache.
type Option func(*Cache)

// WithSize sets the initial cache size. It must not exceed the buffer length.
// The default is the full buffer.
func WithSize(n int) Option {
	return func(c *Cache) {
		c.size = n
	}
}

// New creates a cache over buf. The cache starts as a single free block.
func New(buf []byte, opts ...Option) (*Cache, error) {
	c := &Cache{
		buf:   buf,
		size:  len(buf),
		head:  nilHandle,
		index: make(map[string]handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.size < 0 || c.size > len(buf) {
		return nil, fmt.Errorf("%w: size %d, buffer %d", ErrOutOfBounds, c.size, len(buf))
	}
	c.Clear()
	return c, nil
}

// Size returns the number of buffer bytes the cache manages.
func (c *Cache) Size() int {
	return c.size
}

// Len returns the number of resident resources.
func (c *Cache) Len() int {
	return len(c.index)
}

// Used returns the number of bytes held by resident resources.
func (c *Cache) Used() int {
	var n int
	for _, h := range c.index {
		n += c.arena.at(h).size
	}
	return n
}

// Contains reports whether id is resident.
func (c *Cache) Contains(id string) bool {
	_, ok := c.index[id]
	return ok
}

// Lookup returns the location of a resident resource.
func (c *Cache) Lookup(id string) (Entry, bool) {
	h, ok := c.index[id]
	if !ok {
		return Entry{}, false
	}
	b := c.arena.at(h)
	return Entry{Offset: b.offset, Size: b.size}, true
}

// Get copies the resident resource id into dst and reports whether it was
// resident. len(dst) must equal the size the resource was admitted with;
// anything else is a contract violation and panics.
func (c *Cache) Get(id string, dst []byte) bool {
	h, ok := c.index[id]
	if !ok {
		return false
	}
	b := c.arena.at(h)
	if len(dst) != b.size {
		panic(&InvariantError{
			Op:  "get",
			ID:  id,
			Msg: fmt.Sprintf("destination holds %d bytes, resident size is %d", len(dst), b.size),
		})
	}
	c.read(b.offset, dst)
	return true
}

// Put admits data under id, evicting the oldest admissions as needed, and
// reports whether the resource is now resident.
//
// Resources larger than the cache can never be resident: Put leaves the cache
// untouched and returns false, so they always miss. Empty identifiers and
// empty resources are not cached either.
func (c *Cache) Put(id string, data []byte) bool {
	size := len(data)
	if id == "" || size == 0 || size > c.size {
		return false
	}

	if h, ok := c.index[id]; ok {
		b := c.arena.at(h)
		if b.size == size {
			c.write(b.offset, data)
			return true
		}
		// Reclaim the old span right away when it sits just behind the
		// cursor; otherwise it waits for the walk to come around.
		if f := c.free(h); c.arena.at(f).next == c.head {
			c.head = f
		}
	}

	// Evict forward from the cursor, folding each block into the window
	// until it spans at least size bytes.
	h := c.head
	c.evict(h)
	for c.arena.at(h).size < size {
		next := c.arena.at(h).next
		if next == h {
			panic(invariantf("put", "ring exhausted with %d of %d bytes free", c.arena.at(h).size, size))
		}
		c.evict(next)
		c.arena.at(h).size += c.arena.at(next).size
		c.arena.unlink(next)
		c.arena.release(next)
	}

	// Claim the window before carving so the remainder never merges back
	// into it.
	c.arena.at(h).id = id

	// Carve the resource from the front of the window; the rest stays free.
	if rest := c.arena.at(h).size - size; rest > 0 {
		t := c.arena.alloc((c.arena.at(h).offset+size)%c.size, rest, "")
		c.arena.linkAfter(t, h)
		c.arena.at(h).size = size
		c.coalesceNext(t)
	}

	b := c.arena.at(h)
	c.write(b.offset, data)
	c.index[id] = h
	c.head = b.next
	return true
}

// Clear evicts everything and resets the cache to a single free block.
func (c *Cache) Clear() {
	clear(c.index)
	c.arena.reset()
	c.head = nilHandle
	if c.size > 0 {
		c.head = c.arena.alloc(0, c.size, "")
	}
}

// Resize changes the number of buffer bytes the cache manages. Occupied spans
// cannot survive a capacity change, so Resize also clears the cache.
func (c *Cache) Resize(n int) error {
	if n < 0 || n > len(c.buf) {
		return fmt.Errorf("%w: resize to %d, buffer %d", ErrOutOfBounds, n, len(c.buf))
	}
	c.size = n
	c.Clear()
	return nil
}

// evict drops the resource held by h, if any, leaving the block in place.
func (c *Cache) evict(h handle) {
	b := c.arena.at(h)
	if b.isFree() {
		return
	}
	delete(c.index, b.id)
	b.id = ""
}

// free evicts h, merges it with free neighbours and returns the surviving
// block.
func (c *Cache) free(h handle) handle {
	c.evict(h)
	c.coalesceNext(h)
	if prev := c.arena.at(h).prev; prev != h && c.arena.at(prev).isFree() {
		c.coalesceNext(prev)
		return prev
	}
	return h
}

// coalesceNext folds the block after h into h when both are free.
func (c *Cache) coalesceNext(h handle) {
	b := c.arena.at(h)
	next := b.next
	if next == h || !b.isFree() || !c.arena.at(next).isFree() {
		return
	}
	b.size += c.arena.at(next).size
	if c.head == next {
		c.head = h
	}
	c.arena.unlink(next)
	c.arena.release(next)
}

// read copies len(dst) bytes starting at offset, wrapping at the cache end.
func (c *Cache) read(offset int, dst []byte) {
	c.checkSpan("read", offset, len(dst))
	n := copy(dst, c.buf[offset:c.size])
	copy(dst[n:], c.buf[:len(dst)-n])
}

// write copies src to offset, wrapping at the cache end.
func (c *Cache) write(offset int, src []byte) {
	c.checkSpan("write", offset, len(src))
	n := copy(c.buf[offset:c.size], src)
	copy(c.buf[:len(src)-n], src[n:])
}

func (c *Cache) checkSpan(op string, offset, n int) {
	if offset < 0 || offset >= c.size || n < 0 || n > c.size || c.size > len(c.buf) {
		panic(invariantf(op, "span [%d, +%d) escapes cache of %d bytes (buffer %d)", offset, n, c.size, len(c.buf)))
	}
}
