package ring

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, size int) *Cache {
	t.Helper()
	c, err := New(make([]byte, size))
	require.NoError(t, err)
	return c
}

func requireValid(t *testing.T, c *Cache) {
	t.Helper()
	require.NoError(t, c.Validate(), spew.Sdump(c.Snapshot()))
}

func fill(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func get(t *testing.T, c *Cache, id string) ([]byte, bool) {
	t.Helper()
	e, ok := c.Lookup(id)
	if !ok {
		return nil, false
	}
	dst := make([]byte, e.Size)
	require.True(t, c.Get(id, dst))
	return dst, true
}

func TestNew(t *testing.T) {
	t.Parallel()

	c, err := New(make([]byte, 64))
	require.NoError(t, err)
	assert.Equal(t, 64, c.Size())
	assert.Equal(t, []BlockInfo{{Offset: 0, Size: 64, Cursor: true}}, c.Snapshot())
	requireValid(t, c)

	c, err = New(make([]byte, 64), WithSize(16))
	require.NoError(t, err)
	assert.Equal(t, 16, c.Size())

	_, err = New(make([]byte, 8), WithSize(9))
	require.ErrorIs(t, err, ErrOutOfBounds)

	_, err = New(make([]byte, 8), WithSize(-1))
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestNew_Empty(t *testing.T) {
	t.Parallel()

	c := newCache(t, 0)
	assert.Nil(t, c.Snapshot())
	assert.False(t, c.Put("a", []byte{1}))
	assert.False(t, c.Get("a", []byte{0}))
	requireValid(t, c)
}

func TestPutGet_RoundTrip(t *testing.T) {
	t.Parallel()

	c := newCache(t, 100)
	data := []byte("texture bytes")
	require.True(t, c.Put("tex", data))

	got, ok := get(t, c, "tex")
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, len(data), c.Used())
	requireValid(t, c)
}

func TestPut_FreshCacheKeepsRing(t *testing.T) {
	t.Parallel()

	c := newCache(t, 100)
	require.True(t, c.Put("a", fill('a', 40)))
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 40, ID: "a"},
		{Offset: 40, Size: 60, Cursor: true},
	}, c.Snapshot())
	requireValid(t, c)

	require.True(t, c.Put("b", fill('b', 40)))
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 40, ID: "a"},
		{Offset: 40, Size: 40, ID: "b"},
		{Offset: 80, Size: 20, Cursor: true},
	}, c.Snapshot())
	requireValid(t, c)

	got, ok := get(t, c, "a")
	require.True(t, ok)
	assert.Equal(t, fill('a', 40), got)
}

func TestPut_FullBuffer(t *testing.T) {
	t.Parallel()

	c := newCache(t, 32)
	data := fill('z', 32)
	require.True(t, c.Put("all", data))
	got, ok := get(t, c, "all")
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.Equal(t, []BlockInfo{{Offset: 0, Size: 32, ID: "all", Cursor: true}}, c.Snapshot())
	requireValid(t, c)
}

func TestPut_Oversized(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 50)
	c, err := New(buf)
	require.NoError(t, err)
	require.True(t, c.Put("a", fill('a', 20)))

	before := c.Snapshot()
	bufBefore := append([]byte(nil), buf...)

	assert.False(t, c.Put("huge", fill('h', 51)))
	assert.Equal(t, before, c.Snapshot())
	assert.Equal(t, bufBefore, buf)
	assert.False(t, c.Contains("huge"))
	requireValid(t, c)
}

func TestPut_Degenerate(t *testing.T) {
	t.Parallel()

	c := newCache(t, 10)
	assert.False(t, c.Put("", []byte{1}))
	assert.False(t, c.Put("empty", nil))
	assert.Equal(t, 0, c.Len())
	requireValid(t, c)
}

func TestScenario_EvictsOldest(t *testing.T) {
	t.Parallel()

	c := newCache(t, 100)
	a, b, d := fill('a', 40), fill('b', 40), fill('c', 40)
	require.True(t, c.Put("a", a))
	require.True(t, c.Put("b", b))
	require.True(t, c.Put("c", d))
	requireValid(t, c)

	_, ok := get(t, c, "a")
	assert.False(t, ok, "a should have been evicted")

	got, ok := get(t, c, "b")
	require.True(t, ok)
	assert.Equal(t, b, got)

	got, ok = get(t, c, "c")
	require.True(t, ok)
	assert.Equal(t, d, got, "wrapped resource must read back intact")

	// c starts at 80 and wraps to 20.
	e, ok := c.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, Entry{Offset: 80, Size: 40}, e)
	assert.Equal(t, []BlockInfo{
		{Offset: 20, Size: 20, Cursor: true},
		{Offset: 40, Size: 40, ID: "b"},
		{Offset: 80, Size: 40, ID: "c"},
	}, c.Snapshot())

	t.Run("resize clears", func(t *testing.T) {
		buf := make([]byte, 200)
		c, err := New(buf, WithSize(100))
		require.NoError(t, err)
		for _, id := range []string{"a", "b", "c"} {
			require.True(t, c.Put(id, fill(id[0], 40)))
		}

		require.NoError(t, c.Resize(200))
		for _, id := range []string{"a", "b", "c"} {
			assert.False(t, c.Contains(id))
		}
		assert.Equal(t, []BlockInfo{{Offset: 0, Size: 200, Cursor: true}}, c.Snapshot())
		requireValid(t, c)
	})
}

func TestFIFOEviction(t *testing.T) {
	t.Parallel()

	const (
		n    = 8
		size = 16
	)
	c := newCache(t, n*size)
	for i := range n {
		require.True(t, c.Put(fmt.Sprintf("r%d", i), fill(byte(i), size)))
	}
	require.Equal(t, n, c.Len())

	require.True(t, c.Put("r8", fill(8, size)))
	assert.False(t, c.Contains("r0"))
	for i := 1; i <= n; i++ {
		assert.True(t, c.Contains(fmt.Sprintf("r%d", i)), "r%d", i)
	}

	// Keep going: eviction follows admission order around the ring.
	for i := n + 1; i < 3*n; i++ {
		require.True(t, c.Put(fmt.Sprintf("r%d", i), fill(byte(i), size)))
		assert.False(t, c.Contains(fmt.Sprintf("r%d", i-n)))
		assert.True(t, c.Contains(fmt.Sprintf("r%d", i-n+1)))
		requireValid(t, c)
	}
}

func TestFIFOEviction_NotLRU(t *testing.T) {
	t.Parallel()

	c := newCache(t, 30)
	require.True(t, c.Put("a", fill('a', 10)))
	require.True(t, c.Put("b", fill('b', 10)))
	require.True(t, c.Put("c", fill('c', 10)))

	// Reading a does not protect it.
	_, ok := get(t, c, "a")
	require.True(t, ok)

	require.True(t, c.Put("d", fill('d', 10)))
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
}

func TestPut_MergesAcrossEvictions(t *testing.T) {
	t.Parallel()

	c := newCache(t, 60)
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.True(t, c.Put(id, fill(byte('a'+i), 10)))
	}

	big := fill('X', 35)
	require.True(t, c.Put("big", big))
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.False(t, c.Contains(id), id)
	}
	assert.True(t, c.Contains("e"))
	assert.True(t, c.Contains("f"))

	got, ok := get(t, c, "big")
	require.True(t, ok)
	assert.Equal(t, big, got)

	// The 5 leftover bytes stay free, right behind the new resource.
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 35, ID: "big"},
		{Offset: 35, Size: 5, Cursor: true},
		{Offset: 40, Size: 10, ID: "e"},
		{Offset: 50, Size: 10, ID: "f"},
	}, c.Snapshot())
	requireValid(t, c)
}

func TestPut_Reput(t *testing.T) {
	t.Parallel()

	t.Run("same size overwrites in place", func(t *testing.T) {
		t.Parallel()

		c := newCache(t, 30)
		require.True(t, c.Put("a", fill('1', 10)))
		require.True(t, c.Put("b", fill('2', 10)))
		before := c.Snapshot()

		require.True(t, c.Put("a", fill('3', 10)))
		assert.Equal(t, before, c.Snapshot())
		got, _ := get(t, c, "a")
		assert.Equal(t, fill('3', 10), got)
		requireValid(t, c)
	})

	t.Run("different size moves to the cursor", func(t *testing.T) {
		t.Parallel()

		c := newCache(t, 40)
		require.True(t, c.Put("a", fill('1', 10)))
		require.True(t, c.Put("b", fill('2', 10)))
		require.True(t, c.Put("c", fill('3', 10)))

		// The old span of b is freed; the new copy is admitted at the
		// cursor, which evicts a as the oldest admission.
		require.True(t, c.Put("b", fill('4', 15)))
		requireValid(t, c)
		assert.Equal(t, 2, c.Len())
		assert.False(t, c.Contains("a"))

		got, ok := get(t, c, "b")
		require.True(t, ok)
		assert.Equal(t, fill('4', 15), got)
		assert.Equal(t, []BlockInfo{
			{Offset: 5, Size: 15, Cursor: true},
			{Offset: 20, Size: 10, ID: "c"},
			{Offset: 30, Size: 15, ID: "b"},
		}, c.Snapshot())
	})

	t.Run("reclaims span behind cursor", func(t *testing.T) {
		t.Parallel()

		c := newCache(t, 40)
		require.True(t, c.Put("a", fill('1', 10)))
		require.True(t, c.Put("b", fill('2', 10)))
		require.True(t, c.Put("c", fill('3', 10)))

		// c sits right behind the cursor, so its span is reused.
		require.True(t, c.Put("c", fill('5', 20)))
		assert.True(t, c.Contains("a"))
		assert.True(t, c.Contains("b"))
		e, ok := c.Lookup("c")
		require.True(t, ok)
		assert.Equal(t, Entry{Offset: 20, Size: 20}, e)
		requireValid(t, c)
	})
}

func TestGet_SizeMismatchPanics(t *testing.T) {
	t.Parallel()

	c := newCache(t, 16)
	require.True(t, c.Put("a", []byte("abcd")))
	assert.PanicsWithError(t, `ring: get "a": destination holds 3 bytes, resident size is 4`, func() {
		c.Get("a", make([]byte, 3))
	})
}

func TestClear(t *testing.T) {
	t.Parallel()

	c := newCache(t, 50)
	for i := range 7 {
		c.Put(fmt.Sprintf("r%d", i), fill(byte(i), 9))
	}
	c.Clear()
	once := c.Snapshot()
	c.Clear()
	assert.Equal(t, once, c.Snapshot())
	assert.Equal(t, []BlockInfo{{Offset: 0, Size: 50, Cursor: true}}, once)
	for i := range 7 {
		assert.False(t, c.Contains(fmt.Sprintf("r%d", i)))
	}
	assert.Equal(t, 0, c.Len())
	requireValid(t, c)
}

func TestResize(t *testing.T) {
	t.Parallel()

	c, err := New(make([]byte, 64), WithSize(0))
	require.NoError(t, err)
	assert.False(t, c.Put("a", []byte{1}))

	require.NoError(t, c.Resize(32))
	require.True(t, c.Put("a", []byte{1}))

	require.ErrorIs(t, c.Resize(65), ErrOutOfBounds)
	require.ErrorIs(t, c.Resize(-1), ErrOutOfBounds)
	assert.True(t, c.Contains("a"), "failed resize leaves the cache alone")

	require.NoError(t, c.Resize(0))
	assert.Nil(t, c.Snapshot())
	requireValid(t, c)
}

func TestDump(t *testing.T) {
	t.Parallel()

	c := newCache(t, 30)
	require.True(t, c.Put("shader", fill('s', 12)))

	var sb strings.Builder
	require.NoError(t, c.Dump(&sb))
	out := sb.String()
	assert.Contains(t, out, "ring: size=30 used=12 resident=1 blocks=2")
	assert.Contains(t, out, "shader")
	assert.Contains(t, out, "> [")
	assert.Contains(t, out, "<free>")
}

// TestRandomOperations drives the cache with a seeded mix of operations and
// checks every invariant and the latest bytes of every resident resource
// after each step.
func TestRandomOperations(t *testing.T) {
	t.Parallel()

	const bufSize = 257
	buf := make([]byte, bufSize)
	c, err := New(buf, WithSize(200))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(7, 11))
	latest := make(map[string][]byte)

	for step := range 5000 {
		switch op := rng.IntN(100); {
		case op < 2:
			c.Clear()
			clear(latest)
		case op < 4:
			require.NoError(t, c.Resize(rng.IntN(bufSize+1)))
			clear(latest)
		default:
			id := fmt.Sprintf("res-%d", rng.IntN(24))
			size := 1 + rng.IntN(c.Size()/3+2)
			data := make([]byte, size)
			for i := range data {
				data[i] = byte(rng.Uint32())
			}
			if c.Put(id, data) {
				latest[id] = data
			} else {
				require.Greater(t, size, c.Size(), "step %d: only oversized puts may be rejected", step)
			}
		}

		require.NoError(t, c.Validate(), "step %d\n%s", step, spew.Sdump(c.Snapshot()))
		for id, want := range latest {
			got, ok := get(t, c, id)
			if !ok {
				continue
			}
			require.Equal(t, want, got, "step %d: %s", step, id)
		}
		require.LessOrEqual(t, c.Used(), c.Size())
	}
}
