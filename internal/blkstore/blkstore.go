// Package blkstore presents one vdev as a typed block store: allocate,
// read, write, and free fixed-page blocks with a per-store caching mode,
// mirror fan-out, and a completion hook the owner installs at construction.
package blkstore

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"bedrock/internal/base"
	"bedrock/internal/cache"
	"bedrock/internal/device"
)

// CacheMode selects how a store interacts with the shared block cache.
type CacheMode uint8

const (
	// PassThru skips the cache entirely.
	PassThru CacheMode = iota
	// WriteBack inserts on write and invalidates on free.
	WriteBack
	// ReadModifyWriteBack additionally merges sub-page updates through a
	// cached read before writing the full page image.
	ReadModifyWriteBack
)

func (m CacheMode) String() string {
	switch m {
	case PassThru:
		return "pass_thru"
	case WriteBack:
		return "writeback"
	case ReadModifyWriteBack:
		return "rmw_writeback"
	default:
		return fmt.Sprintf("cache_mode(%d)", uint8(m))
	}
}

// OpType tags a completion callback with the operation that finished.
type OpType uint8

const (
	OpWrite OpType = iota
	OpRead
)

// CompletionFn is the per-I/O completion hook installed at construction.
type CompletionFn func(op OpType, blk base.BlkId, err error)

// Config carries everything a store needs at construction.
type Config struct {
	Name       string
	Vdev       *device.Vdev
	Cache      *cache.Cache
	Mode       CacheMode
	Mirrors    uint32
	PageSize   uint32
	Completion CompletionFn
	Logger     *slog.Logger
	Metrics    *Metrics
}

// Store is a typed facade over one vdev.
type Store struct {
	name     string
	log      *slog.Logger
	vdev     *device.Vdev
	cache    *cache.Cache
	mode     CacheMode
	mirrors  uint32
	pageSize uint32
	comp     CompletionFn
	alloc    *allocator
	metrics  *Metrics

	recovered    atomic.Bool
	persistAlloc func(blob []byte) error
}

// New constructs the store. Reattaching a vdev whose failed flag is set is
// a fatal construction error; the caller stops start-up.
func New(cfg Config) (*Store, error) {
	if cfg.Vdev.Failed() {
		return nil, fmt.Errorf("%s store: %w", cfg.Name, device.ErrVdevFailed)
	}
	if cfg.PageSize == 0 {
		return nil, fmt.Errorf("%s store: zero page size", cfg.Name)
	}
	s := &Store{
		name:     cfg.Name,
		log:      cfg.Logger.With("store", cfg.Name),
		vdev:     cfg.Vdev,
		cache:    cfg.Cache,
		mode:     cfg.Mode,
		mirrors:  cfg.Mirrors,
		pageSize: cfg.PageSize,
		comp:     cfg.Completion,
		alloc:    newAllocator(cfg.Vdev, cfg.PageSize, cfg.Mirrors > 0),
		metrics:  cfg.Metrics,
	}
	s.log.Info("block store up", "mode", cfg.Mode, "mirrors", cfg.Mirrors,
		"page_size", cfg.PageSize, "size", cfg.Vdev.Size)
	return s, nil
}

func (s *Store) Name() string       { return s.name }
func (s *Store) PageSize() uint32   { return s.pageSize }
func (s *Store) Vdev() *device.Vdev { return s.vdev }
func (s *Store) Mode() CacheMode    { return s.mode }

// Size is the store's total capacity in bytes.
func (s *Store) Size() uint64 {
	if s.mirrors > 0 {
		return uint64(s.vdev.ChunkSize())
	}
	return s.vdev.Size
}

// UsedSize is the number of allocated bytes.
func (s *Store) UsedSize() uint64 {
	return s.alloc.used()
}

// AllocContiguous reserves a contiguous run of pages covering sz bytes.
func (s *Store) AllocContiguous(sz uint64, hints Hints) (base.BlkId, error) {
	npages := uint32((sz + uint64(s.pageSize) - 1) / uint64(s.pageSize))
	blk, err := s.alloc.alloc(npages, hints)
	if err != nil {
		return base.InvalidBlkId, fmt.Errorf("%s store: alloc %d bytes: %w", s.name, sz, err)
	}
	if s.metrics != nil {
		s.metrics.Allocs.Inc()
		s.metrics.UsedBytes.Set(float64(s.UsedSize()))
	}
	return blk, nil
}

// ReserveBlk re-pins a previously allocated run during recovery, before
// RecoveryDone declares the allocator consistent.
func (s *Store) ReserveBlk(blk base.BlkId) error {
	return s.alloc.reserve(blk)
}

// Write persists buf at blk and runs the completion hook. WriteBack modes
// leave the written image resident in the cache; in RMW mode a sub-page
// buf is merged over the current on-media image first.
func (s *Store) Write(blk base.BlkId, buf []byte) error {
	err := s.write(blk, buf)
	if s.comp != nil {
		s.comp(OpWrite, blk, err)
	}
	if err == nil && s.metrics != nil {
		s.metrics.Writes.Inc()
	}
	return err
}

func (s *Store) write(blk base.BlkId, buf []byte) error {
	blkBytes := int(blk.NBlks) * int(s.pageSize)
	if !blk.IsValid() || len(buf) > blkBytes {
		return fmt.Errorf("%s store: write %s with %d bytes: %w", s.name, blk, len(buf), ErrInvalidBlkId)
	}

	image := buf
	if len(buf) < blkBytes {
		image = make([]byte, blkBytes)
		if s.mode == ReadModifyWriteBack {
			cur, err := s.read(blk)
			if err != nil {
				return err
			}
			copy(image, cur.Bytes())
			cur.Release()
		}
		copy(image, buf)
	}

	off := int64(blk.Offset) * int64(s.pageSize)
	var err error
	if s.mirrors > 0 {
		err = s.vdev.WriteMirrors(off, image, int(s.mirrors))
	} else {
		err = s.vdev.WriteAt(int(blk.Chunk), off, image)
	}
	if err != nil {
		return err
	}

	if s.mode != PassThru {
		// Insert keeps an already-resident buffer, so drop the old image first.
		s.cache.Invalidate(blk)
		resident := s.cache.Insert(blk, append([]byte(nil), image...))
		resident.Release()
	}
	return nil
}

// Read returns the block image, zero-copy from the cache when resident.
// The caller must Release the buffer.
func (s *Store) Read(blk base.BlkId) (*cache.Buf, error) {
	buf, err := s.read(blk)
	if s.comp != nil {
		s.comp(OpRead, blk, err)
	}
	if err == nil && s.metrics != nil {
		s.metrics.Reads.Inc()
	}
	return buf, err
}

func (s *Store) read(blk base.BlkId) (*cache.Buf, error) {
	if !blk.IsValid() {
		return nil, fmt.Errorf("%s store: read %s: %w", s.name, blk, ErrInvalidBlkId)
	}
	if s.mode != PassThru {
		if buf, ok := s.cache.Lookup(blk); ok {
			return buf, nil
		}
	}

	image := make([]byte, int(blk.NBlks)*int(s.pageSize))
	off := int64(blk.Offset) * int64(s.pageSize)
	if err := s.vdev.ReadAt(int(blk.Chunk), off, image); err != nil {
		return nil, err
	}
	if s.mode == PassThru {
		return cache.NewDetached(blk, image), nil
	}
	return s.cache.Insert(blk, image), nil
}

// ReadNMirror reads one image per mirror so the caller can vote.
func (s *Store) ReadNMirror(blk base.BlkId, n int) ([][]byte, error) {
	if !blk.IsValid() {
		return nil, fmt.Errorf("%s store: read %s: %w", s.name, blk, ErrInvalidBlkId)
	}
	if n > s.vdev.NumChunks() {
		n = s.vdev.NumChunks()
	}
	images := make([][]byte, 0, n)
	off := int64(blk.Offset) * int64(s.pageSize)
	for chunk := 0; chunk < n; chunk++ {
		image := make([]byte, int(blk.NBlks)*int(s.pageSize))
		if err := s.vdev.ReadAt(chunk, off, image); err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, nil
}

// Free retires blk. The cached image, if any, is invalidated.
func (s *Store) Free(blk base.BlkId) error {
	if err := s.alloc.free(blk); err != nil {
		return fmt.Errorf("%s store: free %s: %w", s.name, blk, err)
	}
	if s.mode != PassThru {
		s.cache.Invalidate(blk)
	}
	if s.metrics != nil {
		s.metrics.Frees.Inc()
		s.metrics.UsedBytes.Set(float64(s.UsedSize()))
	}
	return nil
}

// UpdateVBContext atomically rewrites the vdev's context blob.
func (s *Store) UpdateVBContext(blob []byte) error {
	return s.vdev.UpdateContext(blob)
}

// RecoveryDone marks the allocator's on-disk state consistent. Called once
// per boot after the owner has reconciled outstanding operations.
func (s *Store) RecoveryDone() {
	if !s.recovered.Swap(true) {
		s.log.Info("recovery done", "used", s.UsedSize())
	}
}

// SetAllocPersister installs the sink CPStart writes allocator snapshots
// through. The engine points this at the meta-block manager.
func (s *Store) SetAllocPersister(fn func(blob []byte) error) {
	s.persistAlloc = fn
}

// LoadAllocState restores a persisted allocator snapshot during reattach.
func (s *Store) LoadAllocState(blob []byte) error {
	return s.alloc.restore(blob)
}

// AllocCP is one store's slice of a global allocator checkpoint.
type AllocCP struct {
	snapshot []byte
}

// AttachPrepareCP begins the next checkpoint: it snapshots the allocator
// state that CPStart will later seal. The current checkpoint, if any, stays
// live until then.
func (s *Store) AttachPrepareCP(*AllocCP) *AllocCP {
	return &AllocCP{snapshot: s.alloc.snapshot()}
}

// CPStart seals cp: the prepared snapshot becomes the persisted allocator
// state.
func (s *Store) CPStart(cp *AllocCP) error {
	if cp == nil || s.persistAlloc == nil {
		return nil
	}
	return s.persistAlloc(cp.snapshot)
}
