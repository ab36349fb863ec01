package ring

import (
	"fmt"
	"io"
)

// BlockInfo is a read-only view of one block.
type BlockInfo struct {
	Offset int
	Size   int
	ID     string // empty for free space
	Cursor bool   // the eviction cursor points at this block
}

// Free reports whether the block holds no resource.
func (b BlockInfo) Free() bool {
	return b.ID == ""
}

// Snapshot returns the blocks in ring order starting from the lowest offset.
// It does not modify the cache.
func (c *Cache) Snapshot() []BlockInfo {
	if c.head == nilHandle {
		return nil
	}
	first := c.first()
	out := make([]BlockInfo, 0, c.arena.live())
	h := first
	for {
		b := c.arena.at(h)
		out = append(out, BlockInfo{
			Offset: b.offset,
			Size:   b.size,
			ID:     b.id,
			Cursor: h == c.head,
		})
		h = b.next
		if h == first {
			return out
		}
	}
}

// Dump writes a human-readable listing of the blocks to w.
func (c *Cache) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "ring: size=%d used=%d resident=%d blocks=%d\n",
		c.size, c.Used(), c.Len(), c.arena.live()); err != nil {
		return err
	}
	for _, b := range c.Snapshot() {
		mark := " "
		if b.Cursor {
			mark = ">"
		}
		id := b.ID
		if b.Free() {
			id = "<free>"
		}
		if _, err := fmt.Fprintf(w, "%s [%10d, %10d) %10d  %s\n", mark, b.Offset, b.Offset+b.Size, b.Size, id); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every structural invariant of the cache and returns an
// *InvariantError describing the first one that does not hold.
func (c *Cache) Validate() error {
	if c.size == 0 {
		if c.head != nilHandle || len(c.index) != 0 {
			return invariantf("validate", "empty cache has blocks")
		}
		return nil
	}
	if c.head == nilHandle {
		return invariantf("validate", "cache of %d bytes has no blocks", c.size)
	}

	var (
		total    int
		count    int
		wraps    int
		resident int
	)
	h := c.head
	for {
		b := c.arena.at(h)
		if b.size <= 0 {
			return invariantf("validate", "block at %d has size %d", b.offset, b.size)
		}
		if b.offset < 0 || b.offset >= c.size {
			return invariantf("validate", "block offset %d outside cache of %d bytes", b.offset, c.size)
		}
		next := c.arena.at(b.next)
		if next.prev != h {
			return invariantf("validate", "block at %d: broken back link", b.offset)
		}
		if (b.offset+b.size)%c.size != next.offset {
			return invariantf("validate", "block [%d, +%d) is not followed by %d", b.offset, b.size, next.offset)
		}
		if next.offset <= b.offset {
			wraps++
		}
		if !b.isFree() {
			resident++
			if got, ok := c.index[b.id]; !ok || got != h {
				return &InvariantError{Op: "validate", ID: b.id, Msg: "block and index disagree"}
			}
		} else if b.next != h && next.isFree() {
			return invariantf("validate", "adjacent free blocks at %d and %d", b.offset, next.offset)
		}
		total += b.size
		count++
		if count > c.arena.live() {
			return invariantf("validate", "ring does not close after %d blocks", count)
		}
		h = b.next
		if h == c.head {
			break
		}
	}

	if total != c.size {
		return invariantf("validate", "blocks cover %d of %d bytes", total, c.size)
	}
	if count != c.arena.live() {
		return invariantf("validate", "ring has %d blocks, arena holds %d", count, c.arena.live())
	}
	if wraps != 1 {
		return invariantf("validate", "offsets wrap %d times", wraps)
	}
	if resident != len(c.index) {
		return invariantf("validate", "%d resident blocks, %d index entries", resident, len(c.index))
	}
	return nil
}

// first returns the block with the lowest offset.
func (c *Cache) first() handle {
	return c.arena.at(c.last()).next
}

// last returns the block with the highest offset.
func (c *Cache) last() handle {
	h := c.head
	for c.arena.at(c.arena.at(h).next).offset > c.arena.at(h).offset {
		h = c.arena.at(h).next
	}
	return h
}
