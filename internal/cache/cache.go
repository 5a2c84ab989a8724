// Package cache is the block cache shared by every block store of an
// engine: a BlkId to buffer mapping with a byte cap and approximate-LRU
// eviction. Buffers are reference counted; a buffer with live external
// references is never evicted, and hits are zero-copy.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"bedrock/internal/base"
)

// Buf is one cached block image. Callers receive it with one reference held
// and must Release it; the data slice stays valid until then. Meta carries
// typed payloads the index layer attaches to its cached buffers.
type Buf struct {
	blk  base.BlkId
	data []byte
	refs atomic.Int32

	Meta any
}

func (b *Buf) BlkId() base.BlkId { return b.blk }

// Bytes returns the cached image. The caller must not modify it.
func (b *Buf) Bytes() []byte { return b.data }

func (b *Buf) Ref() { b.refs.Add(1) }

func (b *Buf) Release() { b.refs.Add(-1) }

// NewDetached wraps data in a Buf that does not live in any cache. Used by
// pass-through stores so every read path hands back the same buffer type.
func NewDetached(blk base.BlkId, data []byte) *Buf {
	b := &Buf{blk: blk, data: data}
	b.refs.Store(1)
	return b
}

type entry struct {
	buf *Buf
	ele *list.Element
}

type Cache struct {
	mu       sync.Mutex
	capBytes uint64
	curBytes uint64
	m        map[base.BlkId]*entry
	lru      *list.List // front = most recent

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func New(capBytes uint64) *Cache {
	return &Cache{
		capBytes: capBytes,
		m:        make(map[base.BlkId]*entry),
		lru:      list.New(),
	}
}

// Insert maps blk to data. Insertion is idempotent: if the block is already
// resident the resident buffer wins and is returned. The returned buffer
// carries one reference for the caller.
func (c *Cache) Insert(blk base.BlkId, data []byte) *Buf {
	c.mu.Lock()
	if ent, ok := c.m[blk]; ok {
		c.lru.MoveToFront(ent.ele)
		ent.buf.Ref()
		c.mu.Unlock()
		return ent.buf
	}

	buf := &Buf{blk: blk, data: data}
	buf.refs.Store(1)
	ent := &entry{buf: buf}
	ent.ele = c.lru.PushFront(ent)
	c.m[blk] = ent
	c.curBytes += uint64(len(data))
	c.evictLocked()
	c.mu.Unlock()
	return buf
}

// Lookup returns the resident buffer for blk with a reference held, bumping
// its recency.
func (c *Cache) Lookup(blk base.BlkId) (*Buf, bool) {
	c.mu.Lock()
	ent, ok := c.m[blk]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.lru.MoveToFront(ent.ele)
	ent.buf.Ref()
	c.mu.Unlock()
	c.hits.Add(1)
	return ent.buf, true
}

// Invalidate drops blk from the cache. Outstanding references keep their
// buffer alive; the mapping just goes away.
func (c *Cache) Invalidate(blk base.BlkId) {
	c.mu.Lock()
	if ent, ok := c.m[blk]; ok {
		c.removeLocked(ent)
	}
	c.mu.Unlock()
}

// evictLocked walks the cold end of the LRU list until the cache fits its
// budget, skipping buffers with live external references.
func (c *Cache) evictLocked() {
	ele := c.lru.Back()
	for c.curBytes > c.capBytes && ele != nil {
		prev := ele.Prev()
		ent := ele.Value.(*entry)
		if ent.buf.refs.Load() == 0 {
			c.removeLocked(ent)
			c.evictions.Add(1)
		}
		ele = prev
	}
}

func (c *Cache) removeLocked(ent *entry) {
	c.lru.Remove(ent.ele)
	delete(c.m, ent.buf.blk)
	c.curBytes -= uint64(len(ent.buf.data))
}

// Stats returns lifetime hit, miss, and eviction counts.
func (c *Cache) Stats() (hits, misses, evictions uint64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

// UsedBytes is the current resident byte count.
func (c *Cache) UsedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

func (c *Cache) CapBytes() uint64 { return c.capBytes }
