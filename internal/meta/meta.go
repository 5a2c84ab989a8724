// Package meta is the registry of small named superblocks kept in the meta
// vdev. Subsystems register a handler for their name; on reattach the
// registry scans its root record and replays each stored blob to its
// handler. The log-device superblock lives here.
package meta

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"bedrock/internal/base"
	"bedrock/internal/blkstore"
)

const (
	rootMagic   uint64 = 0x4245_4452_4d45_5441 // "BEDRMETA"
	rootVersion uint32 = 1

	nameLen   = 24
	entrySize = nameLen + 12 + 4 + 8 // name, blkid, length, crc
	rootFixed = 16                   // magic, version, count
)

// OnFoundFn is invoked once per stored blob of the handler's name during
// Start on a reattach boot.
type OnFoundFn func(blob []byte) error

// OnFlushFn lets a subsystem contribute a fresh blob at Flush time; nil
// return means nothing to update.
type OnFlushFn func() []byte

type handler struct {
	onFound OnFoundFn
	onFlush OnFlushFn
}

type entry struct {
	blk    base.BlkId
	length uint32
	crc    uint64
}

type Mgr struct {
	log *slog.Logger

	mu       sync.Mutex
	store    *blkstore.Store
	handlers map[string]handler
	entries  map[string]*entry
	order    []string
	started  bool
}

func NewMgr(log *slog.Logger) *Mgr {
	return &Mgr{
		log:      log.With("component", "metamgr"),
		handlers: make(map[string]handler),
		entries:  make(map[string]*entry),
	}
}

// Register installs the handler pair for a subsystem name. Must happen
// before Start for the on-found replay to reach it.
func (m *Mgr) Register(name string, onFound OnFoundFn, onFlush OnFlushFn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = handler{onFound: onFound, onFlush: onFlush}
}

func (m *Mgr) rootBlk() base.BlkId {
	return base.BlkId{Chunk: 0, Offset: 0, NBlks: 1}
}

// Start binds the registry to its block store. First boot formats an empty
// root record; reattach scans it, re-pins every stored blob's pages, and
// dispatches each blob to its registered handler.
func (m *Mgr) Start(store *blkstore.Store, firstBoot bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("meta manager already started")
	}
	m.store = store
	root := m.rootBlk()
	if err := store.ReserveBlk(root); err != nil {
		return fmt.Errorf("meta root: %w", err)
	}

	if firstBoot {
		m.started = true
		return m.writeRootLocked()
	}

	if err := m.loadRootLocked(); err != nil {
		return err
	}
	m.started = true

	for _, name := range m.order {
		ent := m.entries[name]
		blob, err := m.readBlobLocked(ent)
		if err != nil {
			return fmt.Errorf("meta blob %q: %w", name, err)
		}
		h, ok := m.handlers[name]
		if !ok || h.onFound == nil {
			m.log.Warn("no handler for meta blob", "name", name)
			continue
		}
		if err := h.onFound(blob); err != nil {
			return fmt.Errorf("meta handler %q: %w", name, err)
		}
	}
	store.RecoveryDone()
	return nil
}

// Put creates or rewrites the named blob and persists the root record.
func (m *Mgr) Put(name string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return fmt.Errorf("meta manager not started")
	}
	if len(name) > nameLen {
		return fmt.Errorf("meta name %q exceeds %d bytes", name, nameLen)
	}

	pageSize := uint64(m.store.PageSize())
	npages := (uint64(len(blob)) + pageSize - 1) / pageSize
	if npages == 0 {
		npages = 1
	}

	old := m.entries[name]
	var blk base.BlkId
	if old != nil && uint64(old.blk.NBlks) == npages {
		blk = old.blk
	} else {
		var err error
		blk, err = m.store.AllocContiguous(npages*pageSize, blkstore.DefaultHints())
		if err != nil {
			return err
		}
	}

	if err := m.store.Write(blk, blob); err != nil {
		return err
	}

	ent := &entry{blk: blk, length: uint32(len(blob)), crc: xxhash.Sum64(blob)}
	if old == nil {
		m.order = append(m.order, name)
	} else if old.blk != blk {
		_ = m.store.Free(old.blk)
	}
	m.entries[name] = ent
	return m.writeRootLocked()
}

// Get returns the named blob if stored.
func (m *Mgr) Get(name string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entries[name]
	if !ok {
		return nil, false, nil
	}
	blob, err := m.readBlobLocked(ent)
	return blob, err == nil, err
}

// Remove drops the named blob and frees its pages.
func (m *Mgr) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entries[name]
	if !ok {
		return nil
	}
	delete(m.entries, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if err := m.store.Free(ent.blk); err != nil {
		return err
	}
	return m.writeRootLocked()
}

// Flush gives every registered subsystem a chance to rewrite its blob.
func (m *Mgr) Flush() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.handlers))
	flushers := make([]OnFlushFn, 0, len(m.handlers))
	for name, h := range m.handlers {
		if h.onFlush != nil {
			names = append(names, name)
			flushers = append(flushers, h.onFlush)
		}
	}
	m.mu.Unlock()

	for i, flush := range flushers {
		if blob := flush(); blob != nil {
			if err := m.Put(names[i], blob); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Mgr) readBlobLocked(ent *entry) ([]byte, error) {
	buf, err := m.store.Read(ent.blk)
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	if int(ent.length) > len(buf.Bytes()) {
		return nil, fmt.Errorf("blob length %d exceeds stored pages", ent.length)
	}
	blob := append([]byte(nil), buf.Bytes()[:ent.length]...)
	if xxhash.Sum64(blob) != ent.crc {
		return nil, fmt.Errorf("blob checksum mismatch")
	}
	return blob, nil
}

func (m *Mgr) writeRootLocked() error {
	pageSize := int(m.store.PageSize())
	maxEntries := (pageSize - rootFixed - 8) / entrySize
	if len(m.order) > maxEntries {
		return fmt.Errorf("meta registry full (%d entries)", maxEntries)
	}

	page := make([]byte, pageSize)
	binary.LittleEndian.PutUint64(page[0:8], rootMagic)
	binary.LittleEndian.PutUint32(page[8:12], rootVersion)
	binary.LittleEndian.PutUint32(page[12:16], uint32(len(m.order)))
	off := rootFixed
	for _, name := range m.order {
		ent := m.entries[name]
		copy(page[off:off+nameLen], name)
		base.EncodeBlkId(page[off+nameLen:off+nameLen:off+nameLen+12], ent.blk)
		binary.LittleEndian.PutUint32(page[off+nameLen+12:], ent.length)
		binary.LittleEndian.PutUint64(page[off+nameLen+16:], ent.crc)
		off += entrySize
	}
	binary.LittleEndian.PutUint64(page[pageSize-8:], xxhash.Sum64(page[:pageSize-8]))
	return m.store.Write(m.rootBlk(), page)
}

func (m *Mgr) loadRootLocked() error {
	buf, err := m.store.Read(m.rootBlk())
	if err != nil {
		return err
	}
	defer buf.Release()
	page := buf.Bytes()
	pageSize := len(page)

	if binary.LittleEndian.Uint64(page[0:8]) != rootMagic {
		return fmt.Errorf("meta root: bad magic")
	}
	if binary.LittleEndian.Uint64(page[pageSize-8:]) != xxhash.Sum64(page[:pageSize-8]) {
		return fmt.Errorf("meta root: checksum mismatch")
	}
	count := int(binary.LittleEndian.Uint32(page[12:16]))

	off := rootFixed
	for i := 0; i < count; i++ {
		nameBytes := page[off : off+nameLen]
		n := 0
		for n < nameLen && nameBytes[n] != 0 {
			n++
		}
		name := string(nameBytes[:n])
		blk, _, err := base.DecodeBlkId(page[off+nameLen : off+nameLen+12])
		if err != nil {
			return fmt.Errorf("meta root entry %d: %w", i, err)
		}
		ent := &entry{
			blk:    blk,
			length: binary.LittleEndian.Uint32(page[off+nameLen+12:]),
			crc:    binary.LittleEndian.Uint64(page[off+nameLen+16:]),
		}
		if err := m.store.ReserveBlk(blk); err != nil {
			return fmt.Errorf("meta root entry %q: %w", name, err)
		}
		m.entries[name] = ent
		m.order = append(m.order, name)
		off += entrySize
	}
	return nil
}
