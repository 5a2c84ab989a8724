package blkstore

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"bedrock/internal/base"
	"bedrock/internal/device"
)

// Hints steer block allocation. PreferredDev picks the chunk the scan
// starts from; below zero means no preference. Temperature is advisory and
// the allocator does not read it.
type Hints struct {
	PreferredDev int
	Temperature  int
	Contiguous   bool
}

// DefaultHints asks for a contiguous run with no device preference.
func DefaultHints() Hints {
	return Hints{PreferredDev: -1, Contiguous: true}
}

// allocator hands out contiguous page runs from a vdev using one free
// bitmap per chunk with a next-fit cursor. Mirrored stores allocate from
// chunk 0 only; the image is replicated to the mirror chunks at write time.
type allocator struct {
	mu        sync.Mutex
	pageSize  uint32
	chunks    []chunkBitmap
	usedPages uint64
}

type chunkBitmap struct {
	bits   []uint64
	npages uint32
	next   uint32
}

func newAllocator(vdev *device.Vdev, pageSize uint32, mirrored bool) *allocator {
	nchunks := vdev.NumChunks()
	if mirrored {
		nchunks = 1
	}
	perChunk := uint32(vdev.ChunkSize() / int64(pageSize))
	a := &allocator{pageSize: pageSize, chunks: make([]chunkBitmap, nchunks)}
	for i := range a.chunks {
		a.chunks[i] = chunkBitmap{
			bits:   make([]uint64, (perChunk+63)/64),
			npages: perChunk,
		}
	}
	return a
}

func (a *allocator) alloc(npages uint32, hints Hints) (base.BlkId, error) {
	if npages == 0 {
		return base.InvalidBlkId, ErrInvalidBlkId
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start := 0
	if hints.PreferredDev >= 0 && hints.PreferredDev < len(a.chunks) {
		start = hints.PreferredDev
	}
	for i := 0; i < len(a.chunks); i++ {
		chunk := (start + i) % len(a.chunks)
		if off, ok := a.chunks[chunk].findRun(npages); ok {
			a.chunks[chunk].setRun(off, npages)
			a.chunks[chunk].next = off + npages
			a.usedPages += uint64(npages)
			return base.BlkId{Chunk: uint32(chunk), Offset: off, NBlks: npages}, nil
		}
	}
	return base.InvalidBlkId, ErrOutOfSpace
}

func (a *allocator) free(blk base.BlkId) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(blk.Chunk) >= len(a.chunks) {
		return ErrInvalidBlkId
	}
	c := &a.chunks[blk.Chunk]
	if blk.Offset+blk.NBlks > c.npages || !c.runSet(blk.Offset, blk.NBlks) {
		return ErrInvalidBlkId
	}
	c.clearRun(blk.Offset, blk.NBlks)
	a.usedPages -= uint64(blk.NBlks)
	return nil
}

// reserve re-pins a run during recovery. Idempotent; only newly pinned
// pages count toward usage.
func (a *allocator) reserve(blk base.BlkId) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(blk.Chunk) >= len(a.chunks) {
		return ErrInvalidBlkId
	}
	c := &a.chunks[blk.Chunk]
	if blk.Offset+blk.NBlks > c.npages {
		return ErrInvalidBlkId
	}
	for i := blk.Offset; i < blk.Offset+blk.NBlks; i++ {
		if !c.get(i) {
			c.set(i)
			a.usedPages++
		}
	}
	return nil
}

func (a *allocator) used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedPages * uint64(a.pageSize)
}

// snapshot copies the full bitmap state for a checkpoint.
func (a *allocator) snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	blob := binary.LittleEndian.AppendUint32(nil, uint32(len(a.chunks)))
	for i := range a.chunks {
		c := &a.chunks[i]
		blob = binary.LittleEndian.AppendUint32(blob, c.npages)
		for _, w := range c.bits {
			blob = binary.LittleEndian.AppendUint64(blob, w)
		}
	}
	return blob
}

func (a *allocator) restore(blob []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(blob) < 4 {
		return fmt.Errorf("alloc snapshot: short buffer")
	}
	nchunks := binary.LittleEndian.Uint32(blob[:4])
	blob = blob[4:]
	if int(nchunks) != len(a.chunks) {
		return fmt.Errorf("alloc snapshot: %d chunks, store has %d", nchunks, len(a.chunks))
	}
	var used uint64
	for i := range a.chunks {
		c := &a.chunks[i]
		if len(blob) < 4 {
			return fmt.Errorf("alloc snapshot: truncated at chunk %d", i)
		}
		npages := binary.LittleEndian.Uint32(blob[:4])
		blob = blob[4:]
		if npages != c.npages {
			return fmt.Errorf("alloc snapshot: chunk %d has %d pages, store has %d", i, npages, c.npages)
		}
		words := len(c.bits)
		if len(blob) < words*8 {
			return fmt.Errorf("alloc snapshot: truncated at chunk %d bitmap", i)
		}
		for w := 0; w < words; w++ {
			c.bits[w] = binary.LittleEndian.Uint64(blob[w*8:])
			used += uint64(bits.OnesCount64(c.bits[w]))
		}
		blob = blob[words*8:]
	}
	a.usedPages = used
	return nil
}

func (c *chunkBitmap) get(page uint32) bool {
	return c.bits[page/64]&(1<<(page%64)) != 0
}

func (c *chunkBitmap) set(page uint32) {
	c.bits[page/64] |= 1 << (page % 64)
}

func (c *chunkBitmap) clear(page uint32) {
	c.bits[page/64] &^= 1 << (page % 64)
}

// findRun scans for npages clear bits, next-fit from the cursor with one
// wrap back to the start.
func (c *chunkBitmap) findRun(npages uint32) (uint32, bool) {
	if npages > c.npages {
		return 0, false
	}
	if off, ok := c.scan(c.next, c.npages, npages); ok {
		return off, true
	}
	return c.scan(0, c.next+npages, npages)
}

func (c *chunkBitmap) scan(from, to, npages uint32) (uint32, bool) {
	if to > c.npages {
		to = c.npages
	}
	runStart := from
	var runLen uint32
	for i := from; i < to; i++ {
		if c.get(i) {
			runLen = 0
			runStart = i + 1
			continue
		}
		runLen++
		if runLen == npages {
			return runStart, true
		}
	}
	return 0, false
}

func (c *chunkBitmap) setRun(off, npages uint32) {
	for i := off; i < off+npages; i++ {
		c.set(i)
	}
}

func (c *chunkBitmap) clearRun(off, npages uint32) {
	for i := off; i < off+npages; i++ {
		c.clear(i)
	}
}

func (c *chunkBitmap) runSet(off, npages uint32) bool {
	for i := off; i < off+npages; i++ {
		if !c.get(i) {
			return false
		}
	}
	return true
}
