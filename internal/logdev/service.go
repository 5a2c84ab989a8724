package logdev

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"bedrock/internal/base"
	"bedrock/internal/blkstore"
	"bedrock/internal/meta"
)

// MetaBlkName is the meta-block registry name the service persists its
// superblock under.
const MetaBlkName = "LOG_DEV"

const (
	sbVersion   uint32 = 1
	sbFixedLen         = 4 + 8 + 8 + 4 + 4
	sbEntryLen         = 4 + 4 + 8
	sbFlagAppendMode   = 1 << 0
)

type storeEntry struct {
	appendMode bool
	startLSN   base.LSN
}

// Service owns the log device and the table of log stores multiplexed over
// it. It persists the table and the device's truncation state through the
// meta-block manager, replays the device at reattach, and runs the global
// safe-truncation round.
type Service struct {
	log     *slog.Logger
	ld      *LogDev
	meta    *meta.Mgr
	metrics *Metrics

	mu          sync.Mutex
	stores      map[uint32]*LogStore
	table       map[uint32]storeEntry
	nextStoreID uint32
	started     bool

	// Replay state for stores found in the log before their owner opens
	// them: records are buffered and drained at open.
	pendingRecs    map[uint32][]foundRec
	pendingBatches map[uint32][]base.LogDevKey

	sbStartOffset int64
	sbMinBatch    int64
	sbFound       bool
}

// NewService builds the log service over the logdev block store and
// registers its superblock handler with the meta-block manager. The meta
// manager must not have started yet.
func NewService(store *blkstore.Store, metaMgr *meta.Mgr, log *slog.Logger, metrics *Metrics) *Service {
	svc := &Service{
		log:            log.With("component", "logsvc"),
		meta:           metaMgr,
		metrics:        metrics,
		stores:         make(map[uint32]*LogStore),
		table:          make(map[uint32]storeEntry),
		nextStoreID:    1,
		pendingRecs:    make(map[uint32][]foundRec),
		pendingBatches: make(map[uint32][]base.LogDevKey),
	}
	svc.ld = newLogDev(store, svc, log, metrics)
	metaMgr.Register(MetaBlkName, svc.onMetaFound, nil)
	return svc
}

// LogDev exposes the underlying device, mainly to tests and diagnostics.
func (svc *Service) LogDev() *LogDev { return svc.ld }

func (svc *Service) onMetaFound(blob []byte) error {
	if len(blob) < sbFixedLen {
		return fmt.Errorf("logdev superblock: short blob (%d bytes)", len(blob))
	}
	if v := binary.LittleEndian.Uint32(blob[0:4]); v != sbVersion {
		return fmt.Errorf("logdev superblock: unknown version %d", v)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.sbStartOffset = int64(binary.LittleEndian.Uint64(blob[4:12]))
	svc.sbMinBatch = int64(binary.LittleEndian.Uint64(blob[12:20]))
	svc.nextStoreID = binary.LittleEndian.Uint32(blob[20:24])
	count := int(binary.LittleEndian.Uint32(blob[24:28]))

	off := sbFixedLen
	for i := 0; i < count; i++ {
		if off+sbEntryLen > len(blob) {
			return fmt.Errorf("logdev superblock: truncated store table")
		}
		id := binary.LittleEndian.Uint32(blob[off : off+4])
		flags := binary.LittleEndian.Uint32(blob[off+4 : off+8])
		start := base.LSN(binary.LittleEndian.Uint64(blob[off+8 : off+16]))
		svc.table[id] = storeEntry{appendMode: flags&sbFlagAppendMode != 0, startLSN: start}
		off += sbEntryLen
	}
	svc.sbFound = true
	return nil
}

func (svc *Service) encodeSBLocked() []byte {
	startOffset, minBatch := svc.ld.persistedState()
	blob := make([]byte, 0, sbFixedLen+len(svc.table)*sbEntryLen)
	blob = binary.LittleEndian.AppendUint32(blob, sbVersion)
	blob = binary.LittleEndian.AppendUint64(blob, uint64(startOffset))
	blob = binary.LittleEndian.AppendUint64(blob, uint64(minBatch))
	blob = binary.LittleEndian.AppendUint32(blob, svc.nextStoreID)
	blob = binary.LittleEndian.AppendUint32(blob, uint32(len(svc.table)))
	for id, ent := range svc.table {
		blob = binary.LittleEndian.AppendUint32(blob, id)
		var flags uint32
		if ent.appendMode {
			flags |= sbFlagAppendMode
		}
		blob = binary.LittleEndian.AppendUint32(blob, flags)
		blob = binary.LittleEndian.AppendUint64(blob, uint64(ent.startLSN))
	}
	return blob
}

func (svc *Service) persistSB() error {
	svc.mu.Lock()
	blob := svc.encodeSBLocked()
	svc.mu.Unlock()
	return svc.meta.Put(MetaBlkName, blob)
}

// Start brings the service up. On first boot it persists an empty
// superblock; on reattach it replays every unreclaimed record in log
// order, routing each to its store (or buffering it until the store is
// opened) and firing replay-done on every store known so far.
func (svc *Service) Start(firstBoot bool) error {
	svc.mu.Lock()
	if svc.started {
		svc.mu.Unlock()
		return fmt.Errorf("log service already started")
	}
	svc.mu.Unlock()

	if firstBoot {
		if err := svc.persistSB(); err != nil {
			return err
		}
	} else {
		svc.mu.Lock()
		if !svc.sbFound {
			svc.mu.Unlock()
			return fmt.Errorf("logdev superblock missing on reattach")
		}
		start, minBatch := svc.sbStartOffset, svc.sbMinBatch
		svc.mu.Unlock()

		err := svc.ld.load(start, minBatch, svc.routeFound, svc.routeBatch)
		if err != nil {
			return err
		}
	}

	svc.mu.Lock()
	svc.started = true
	opened := make([]*LogStore, 0, len(svc.stores))
	for _, s := range svc.stores {
		opened = append(opened, s)
	}
	svc.mu.Unlock()

	for _, s := range opened {
		s.onReplayDone()
	}
	svc.ld.store.RecoveryDone()
	return nil
}

func (svc *Service) routeFound(rec foundRec) {
	svc.mu.Lock()
	s, open := svc.stores[rec.storeID]
	if !open {
		svc.pendingRecs[rec.storeID] = append(svc.pendingRecs[rec.storeID], rec)
		svc.mu.Unlock()
		return
	}
	svc.mu.Unlock()
	svc.dispatchFound(s, rec)
}

func (svc *Service) dispatchFound(s *LogStore, rec foundRec) {
	if rec.rtype == recRollback {
		s.onRollbackFound(rec.seq)
		return
	}
	s.onLogFound(rec.seq, rec.key, rec.flushKey, rec.data)
}

func (svc *Service) routeBatch(ids []uint32, flushKey base.LogDevKey) {
	for _, id := range ids {
		svc.mu.Lock()
		s, open := svc.stores[id]
		if !open {
			svc.pendingBatches[id] = append(svc.pendingBatches[id], flushKey)
			svc.mu.Unlock()
			continue
		}
		svc.mu.Unlock()
		s.onBatchCompletion(flushKey)
	}
}

// CreateLogStore registers a fresh stream on the device and persists its
// record. The stream starts at LSN 0.
func (svc *Service) CreateLogStore(appendMode bool) (*LogStore, error) {
	svc.mu.Lock()
	id := svc.nextStoreID
	svc.nextStoreID++
	svc.table[id] = storeEntry{appendMode: appendMode, startLSN: 0}
	s := newLogStore(svc.ld, id, appendMode, 0, svc.log)
	svc.stores[id] = s
	svc.mu.Unlock()

	svc.ld.Reserve(id)
	if err := svc.persistSB(); err != nil {
		return nil, err
	}
	svc.log.Info("created log store", "id", id, "append_mode", appendMode)
	return s, nil
}

// OpenLogStore attaches to a previously created stream. Any records
// replayed for it before the open are drained to its callbacks, in log
// order, before the store is returned; replay-done fires when the service
// has already finished its replay pass.
//
// Register callbacks through the hooks argument so nothing replays before
// the owner is listening.
func (svc *Service) OpenLogStore(id uint32, hooks func(*LogStore)) (*LogStore, error) {
	svc.mu.Lock()
	ent, known := svc.table[id]
	if !known {
		svc.mu.Unlock()
		return nil, fmt.Errorf("open log store %d: %w", id, ErrUnknownStore)
	}
	if s, open := svc.stores[id]; open {
		svc.mu.Unlock()
		return s, nil
	}
	s := newLogStore(svc.ld, id, ent.appendMode, ent.startLSN, svc.log)
	svc.stores[id] = s
	recs := svc.pendingRecs[id]
	batches := svc.pendingBatches[id]
	delete(svc.pendingRecs, id)
	delete(svc.pendingBatches, id)
	started := svc.started
	svc.mu.Unlock()

	svc.ld.Reserve(id)
	if hooks != nil {
		hooks(s)
	}

	// Drain buffered replay in log order, interleaving batch boundaries so
	// truncation barriers come out flush-aligned, exactly as a live replay
	// would have delivered them.
	bi := 0
	for _, rec := range recs {
		for bi < len(batches) && batches[bi].DevOffset <= rec.key.DevOffset {
			s.onBatchCompletion(batches[bi])
			bi++
		}
		svc.dispatchFound(s, rec)
	}
	for ; bi < len(batches); bi++ {
		s.onBatchCompletion(batches[bi])
	}
	if started {
		s.onReplayDone()
	}
	return s, nil
}

// RemoveLogStore drops a stream whose records have all been reclaimed.
func (svc *Service) RemoveLogStore(id uint32) error {
	svc.mu.Lock()
	if _, known := svc.table[id]; !known {
		svc.mu.Unlock()
		return fmt.Errorf("remove log store %d: %w", id, ErrUnknownStore)
	}
	delete(svc.table, id)
	delete(svc.stores, id)
	svc.mu.Unlock()

	svc.ld.Release(id)
	svc.log.Info("removed log store", "id", id)
	return svc.persistSB()
}

// DeviceTruncate runs one global safe-truncation round: every store
// reports its boundary, the minimum wins, the device truncates there, and
// every store is told the new floor. Stores with no boundary yet simply
// sit the round out. This is the only mechanism that reclaims log space.
func (svc *Service) DeviceTruncate() (base.LogDevKey, error) {
	svc.mu.Lock()
	stores := make([]*LogStore, 0, len(svc.stores))
	for _, s := range svc.stores {
		stores = append(stores, s)
	}
	svc.mu.Unlock()

	minKey := base.InvalidLogDevKey
	for _, s := range stores {
		info := s.PreDeviceTruncation()
		if !info.IsValid() {
			continue
		}
		if !minKey.IsValid() || info.Key.Before(minKey) {
			minKey = info.Key
		}
	}
	if !minKey.IsValid() {
		return base.InvalidLogDevKey, nil
	}

	if err := svc.ld.Truncate(minKey); err != nil {
		return base.InvalidLogDevKey, err
	}
	for _, s := range stores {
		s.PostDeviceTruncation(minKey)
	}
	svc.log.Info("device truncated", "key", minKey.String())
	return minKey, nil
}

// Close quiesces the device: the open batch is flushed and the completion
// thread drained before the block stores go away.
func (svc *Service) Close() error {
	return svc.ld.close()
}
