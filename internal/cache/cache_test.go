package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bedrock/internal/base"
)

func blk(offset uint32) base.BlkId {
	return base.BlkId{Chunk: 0, Offset: offset, NBlks: 1}
}

func TestInsertLookup(t *testing.T) {
	c := New(1 << 20)

	buf := c.Insert(blk(0), []byte("hello"))
	buf.Release()

	got, ok := c.Lookup(blk(0))
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Bytes())
	got.Release()

	_, ok = c.Lookup(blk(1))
	assert.False(t, ok)

	hits, misses, _ := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestInsertIsIdempotent(t *testing.T) {
	c := New(1 << 20)

	first := c.Insert(blk(7), []byte("first"))
	second := c.Insert(blk(7), []byte("second"))

	// The resident buffer wins.
	assert.Equal(t, []byte("first"), second.Bytes())
	first.Release()
	second.Release()
	assert.Equal(t, uint64(5), c.UsedBytes())
}

func TestEvictionIsLRU(t *testing.T) {
	c := New(3 * 4096)
	for i := uint32(0); i < 3; i++ {
		c.Insert(blk(i), make([]byte, 4096)).Release()
	}

	// Touch 0 so 1 becomes the coldest entry.
	buf, ok := c.Lookup(blk(0))
	require.True(t, ok)
	buf.Release()

	c.Insert(blk(3), make([]byte, 4096)).Release()

	_, ok = c.Lookup(blk(1))
	assert.False(t, ok, "coldest entry should have been evicted")
	_, ok = c.Lookup(blk(0))
	assert.True(t, ok)
}

func TestPinnedBufferNotEvicted(t *testing.T) {
	c := New(2 * 4096)

	pinned := c.Insert(blk(0), make([]byte, 4096))
	c.Insert(blk(1), make([]byte, 4096)).Release()
	c.Insert(blk(2), make([]byte, 4096)).Release()

	// Budget is exceeded, but the pinned buffer must survive.
	got, ok := c.Lookup(blk(0))
	require.True(t, ok)
	got.Release()
	pinned.Release()
}

func TestInvalidate(t *testing.T) {
	c := New(1 << 20)
	c.Insert(blk(0), []byte("gone")).Release()
	c.Invalidate(blk(0))
	_, ok := c.Lookup(blk(0))
	assert.False(t, ok)
	assert.Equal(t, uint64(0), c.UsedBytes())
}
