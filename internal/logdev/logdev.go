// Package logdev is the write-ahead log service: an append-only, batched
// record stream over the logdev block store (the log device), the
// per-stream log stores layered on it, and the service that owns both and
// coordinates safe device truncation across streams.
package logdev

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"bedrock/internal/base"
	"bedrock/internal/blkstore"
)

// On-media grouping: every flush seals one group, written atomically with
// respect to crash (a torn group fails its checksums and recovery stops
// there).
//
//	group := header page | record region | padding to page multiple
//	record := record header | payload
//
// A group never straddles a chunk boundary; the remainder of a chunk that
// cannot hold the next group is consumed by a pad group so recovery always
// walks valid headers. Batch ids increase by one per group, pads included;
// recovery uses that to reject stale groups from a previous lap of the
// ring.
const (
	groupMagic   uint64 = 0x4245_4452_4c4f_4744 // "BEDRLOGD"
	groupVersion uint32 = 1

	groupHdrLen = 56
	recHdrLen   = 32

	flagPad uint32 = 1 << 0

	recData     uint32 = 0
	recRollback uint32 = 1

	// maxBatchBytes triggers an automatic flush of the open batch.
	maxBatchBytes = 512 << 10

	// maxRecordBytes bounds one record's payload.
	maxRecordBytes = 1 << 20
)

type writeReq struct {
	store  *LogStore
	seq    base.LSN
	rtype  uint32
	data   []byte
	cookie any
	cb     WriteCompFn
	key    base.LogDevKey
}

type sealedBatch struct {
	id        int64
	start     int64 // virtual offset of the group start
	end       int64 // virtual offset after the group
	regionLen int
	reqs      []*writeReq
	pad       bool
	ack       chan error
}

// LogDev is the append-only record stream shared by every log store of an
// engine. Appends queue into an open batch; a background flusher (the
// completion thread) seals batches to the device and delivers write and
// batch completions in order.
type LogDev struct {
	log     *slog.Logger
	store   *blkstore.Store
	svc     *Service
	metrics *Metrics

	pageSize   int64
	chunkSize  int64
	totalBytes int64

	mu           sync.Mutex
	pending      []*writeReq
	pendingBytes int
	batchID      int64
	groupStart   int64
	writeOffset  int64
	startOffset  int64
	minBatch     int64
	reserved     map[uint32]bool
	closed       bool
	failed       error

	queue []*sealedBatch
	qCv   *sync.Cond
	wg    sync.WaitGroup

	flushMu       sync.Mutex
	flushCv       *sync.Cond
	durableBatch  int64
	flushedOffset int64
}

func newLogDev(store *blkstore.Store, svc *Service, log *slog.Logger, metrics *Metrics) *LogDev {
	pageSize := int64(store.PageSize())
	chunkSize := store.Vdev().ChunkSize() / pageSize * pageSize
	ld := &LogDev{
		log:          log.With("component", "logdev"),
		store:        store,
		svc:          svc,
		metrics:      metrics,
		pageSize:     pageSize,
		chunkSize:    chunkSize,
		totalBytes:   chunkSize * int64(store.Vdev().NumChunks()),
		reserved:     make(map[uint32]bool),
		durableBatch: -1,
	}
	ld.qCv = sync.NewCond(&ld.mu)
	ld.flushCv = sync.NewCond(&ld.flushMu)
	ld.wg.Add(1)
	go ld.run()
	return ld
}

// Reserve registers a store id with the device; appends for unreserved ids
// are rejected.
func (ld *LogDev) Reserve(id uint32) {
	ld.mu.Lock()
	ld.reserved[id] = true
	ld.mu.Unlock()
}

func (ld *LogDev) Release(id uint32) {
	ld.mu.Lock()
	delete(ld.reserved, id)
	ld.mu.Unlock()
}

func roundUpI64(v, align int64) int64 {
	return (v + align - 1) / align * align
}

// append queues one record into the open batch and returns its device key.
// The key is final: offsets are assigned when the batch position is fixed,
// and completion is reported later through the store's callbacks.
func (ld *LogDev) append(ls *LogStore, seq base.LSN, rtype uint32, data []byte, cookie any, cb WriteCompFn) (base.LogDevKey, error) {
	if len(data) > maxRecordBytes {
		return base.InvalidLogDevKey, fmt.Errorf("record %d bytes exceeds %d", len(data), maxRecordBytes)
	}

	ld.mu.Lock()
	if ld.closed {
		ld.mu.Unlock()
		return base.InvalidLogDevKey, ErrClosed
	}
	if ld.failed != nil {
		err := ld.failed
		ld.mu.Unlock()
		return base.InvalidLogDevKey, err
	}
	if !ld.reserved[ls.id] {
		ld.mu.Unlock()
		return base.InvalidLogDevKey, fmt.Errorf("store %d: %w", ls.id, ErrStoreNotReserved)
	}

	need := recHdrLen + len(data)

	// Conservative space check: worst case this record costs the chunk
	// remainder (pad), a fresh header page, and its padded region.
	used := ld.writeOffset - ld.startOffset
	remaining := ld.chunkSize - ld.groupStart%ld.chunkSize
	worst := remaining + ld.pageSize + roundUpI64(int64(ld.pendingBytes+need), ld.pageSize)
	if used+worst > ld.totalBytes {
		ld.mu.Unlock()
		return base.InvalidLogDevKey, fmt.Errorf("log device: %w", blkstore.ErrOutOfSpace)
	}

	groupLen := ld.pageSize + roundUpI64(int64(ld.pendingBytes+need), ld.pageSize)
	if groupLen > remaining {
		if len(ld.pending) > 0 {
			ld.enqueueLocked(ld.sealLocked(nil))
		}
		if pad := ld.chunkSize - ld.groupStart%ld.chunkSize; pad > 0 && pad < ld.chunkSize {
			ld.enqueueLocked(ld.padLocked(pad))
		}
	}

	key := base.LogDevKey{Batch: ld.batchID, DevOffset: ld.groupStart + ld.pageSize + int64(ld.pendingBytes)}
	req := &writeReq{store: ls, seq: seq, rtype: rtype, data: data, cookie: cookie, cb: cb, key: key}
	ld.pending = append(ld.pending, req)
	ld.pendingBytes += need
	if ld.pendingBytes >= maxBatchBytes {
		ld.enqueueLocked(ld.sealLocked(nil))
	}
	ld.mu.Unlock()

	if ld.metrics != nil {
		ld.metrics.Appends.Inc()
	}
	return key, nil
}

// sealLocked closes the open batch, fixing its position and advancing the
// write offset. Pair with enqueueLocked under the same critical section so
// the flusher sees batches in id order.
func (ld *LogDev) sealLocked(ack chan error) *sealedBatch {
	groupLen := ld.pageSize + roundUpI64(int64(ld.pendingBytes), ld.pageSize)
	sb := &sealedBatch{
		id:        ld.batchID,
		start:     ld.groupStart,
		end:       ld.groupStart + groupLen,
		regionLen: ld.pendingBytes,
		reqs:      ld.pending,
		ack:       ack,
	}
	ld.pending = nil
	ld.pendingBytes = 0
	ld.batchID++
	ld.writeOffset = sb.end
	ld.groupStart = sb.end
	return sb
}

func (ld *LogDev) padLocked(padLen int64) *sealedBatch {
	sb := &sealedBatch{
		id:    ld.batchID,
		start: ld.groupStart,
		end:   ld.groupStart + padLen,
		pad:   true,
	}
	ld.batchID++
	ld.writeOffset = sb.end
	ld.groupStart = sb.end
	return sb
}

func (ld *LogDev) enqueueLocked(sb *sealedBatch) {
	ld.queue = append(ld.queue, sb)
	ld.qCv.Signal()
}

// Flush seals the open batch without waiting for durability.
func (ld *LogDev) Flush() {
	ld.mu.Lock()
	if len(ld.pending) > 0 {
		ld.enqueueLocked(ld.sealLocked(nil))
	}
	ld.mu.Unlock()
}

// FlushWait seals the open batch and blocks until every batch sealed so
// far is on media and its completions have been delivered.
func (ld *LogDev) FlushWait() error {
	ld.mu.Lock()
	var sb *sealedBatch
	target := ld.batchID - 1
	if len(ld.pending) > 0 {
		sb = ld.sealLocked(make(chan error, 1))
		target = sb.id
		ld.enqueueLocked(sb)
	}
	ld.mu.Unlock()

	if sb != nil {
		return <-sb.ack
	}
	ld.flushMu.Lock()
	for ld.durableBatch < target {
		ld.flushCv.Wait()
	}
	ld.flushMu.Unlock()
	ld.mu.Lock()
	err := ld.failed
	ld.mu.Unlock()
	return err
}

func (ld *LogDev) run() {
	defer ld.wg.Done()
	ld.mu.Lock()
	for {
		for len(ld.queue) == 0 && !ld.closed {
			ld.qCv.Wait()
		}
		if len(ld.queue) == 0 {
			ld.mu.Unlock()
			return
		}
		sb := ld.queue[0]
		ld.queue = ld.queue[1:]
		ld.mu.Unlock()

		err := ld.writeBatch(sb)
		if !sb.pad {
			ld.deliver(sb, err)
		}

		ld.flushMu.Lock()
		ld.durableBatch = sb.id
		ld.flushedOffset = sb.end
		ld.flushCv.Broadcast()
		ld.flushMu.Unlock()

		if sb.ack != nil {
			sb.ack <- err
		}
		if err == nil && ld.metrics != nil {
			ld.metrics.FlushBatches.Inc()
			ld.metrics.BytesWritten.Add(float64(sb.end - sb.start))
		}

		ld.mu.Lock()
		if err != nil && ld.failed == nil {
			ld.failed = err
			ld.log.Error("flush batch failed", "batch", sb.id, "err", err)
		}
	}
}

func (ld *LogDev) writeBatch(sb *sealedBatch) error {
	groupLen := sb.end - sb.start
	buf := make([]byte, groupLen)

	var flags uint32
	var region []byte
	if sb.pad {
		flags = flagPad
	} else {
		region = buf[ld.pageSize : ld.pageSize+int64(sb.regionLen)]
		off := 0
		for _, req := range sb.reqs {
			encodeRecHeader(region[off:], req)
			copy(region[off+recHdrLen:], req.data)
			off += recHdrLen + len(req.data)
		}
	}

	hdr := buf[:ld.pageSize]
	binary.LittleEndian.PutUint64(hdr[0:8], groupMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], groupVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], flags)
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(sb.id))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(len(sb.reqs)))
	if sb.pad {
		binary.LittleEndian.PutUint32(hdr[28:32], uint32(groupLen-ld.pageSize))
	} else {
		binary.LittleEndian.PutUint32(hdr[28:32], uint32(sb.regionLen))
	}
	binary.LittleEndian.PutUint64(hdr[32:40], uint64(sb.start))
	binary.LittleEndian.PutUint64(hdr[40:48], xxhash.Sum64(region))
	binary.LittleEndian.PutUint64(hdr[48:56], xxhash.Sum64(hdr[:48]))

	return ld.writeVirt(sb.start, buf)
}

func encodeRecHeader(dst []byte, req *writeReq) {
	binary.LittleEndian.PutUint32(dst[0:4], req.store.id)
	binary.LittleEndian.PutUint32(dst[4:8], req.rtype)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(req.seq))
	binary.LittleEndian.PutUint32(dst[16:20], uint32(len(req.data)))
	binary.LittleEndian.PutUint64(dst[24:32], xxhash.Sum64(req.data))
}

// deliver runs write completions in append order, then one batch
// completion per touched store. This is the only thread that mutates a
// store's records on the completion side.
func (ld *LogDev) deliver(sb *sealedBatch, err error) {
	var touched []*LogStore
	seen := make(map[uint32]bool)
	for _, req := range sb.reqs {
		req.store.onWriteCompletion(req, req.key, err)
		if !seen[req.store.id] {
			seen[req.store.id] = true
			touched = append(touched, req.store)
		}
	}
	if err != nil {
		return
	}
	flushKey := base.LogDevKey{Batch: sb.id, DevOffset: sb.end}
	for _, s := range touched {
		s.onBatchCompletion(flushKey)
	}
}

func (ld *LogDev) writeVirt(virt int64, buf []byte) error {
	phys := virt % ld.totalBytes
	chunk := phys / ld.chunkSize
	off := phys % ld.chunkSize
	blk := base.BlkId{
		Chunk:  uint32(chunk),
		Offset: uint32(off / ld.pageSize),
		NBlks:  uint32(int64(len(buf)) / ld.pageSize),
	}
	return ld.store.Write(blk, buf)
}

// readVirt returns n bytes starting at the virtual offset, reading the
// covering pages. Groups never straddle chunks, so neither does any range
// inside one.
func (ld *LogDev) readVirt(virt, n int64) ([]byte, error) {
	phys := virt % ld.totalBytes
	chunk := phys / ld.chunkSize
	off := phys % ld.chunkSize
	firstPage := off / ld.pageSize
	npages := (off + n - firstPage*ld.pageSize + ld.pageSize - 1) / ld.pageSize
	blk := base.BlkId{Chunk: uint32(chunk), Offset: uint32(firstPage), NBlks: uint32(npages)}
	buf, err := ld.store.Read(blk)
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	skip := off - firstPage*ld.pageSize
	out := make([]byte, n)
	copy(out, buf.Bytes()[skip:skip+n])
	return out, nil
}

// Read returns the payload of the record at key, validating its checksum.
func (ld *LogDev) Read(key base.LogDevKey) ([]byte, error) {
	ld.mu.Lock()
	start := ld.startOffset
	ld.mu.Unlock()
	ld.flushMu.Lock()
	end := ld.flushedOffset
	ld.flushMu.Unlock()

	if !key.IsValid() || key.DevOffset < start || key.DevOffset >= end {
		return nil, fmt.Errorf("read %s: %w", key, ErrOutOfRange)
	}

	hdr, err := ld.readVirt(key.DevOffset, recHdrLen)
	if err != nil {
		return nil, err
	}
	length := int64(binary.LittleEndian.Uint32(hdr[16:20]))
	crc := binary.LittleEndian.Uint64(hdr[24:32])
	if length > maxRecordBytes {
		return nil, fmt.Errorf("read %s: corrupt record length %d", key, length)
	}
	if length == 0 {
		return nil, nil
	}
	data, err := ld.readVirt(key.DevOffset+recHdrLen, length)
	if err != nil {
		return nil, err
	}
	if xxhash.Sum64(data) != crc {
		return nil, fmt.Errorf("read %s: record checksum mismatch", key)
	}
	return data, nil
}

// Truncate reclaims device space strictly below key. The caller must have
// proven key is the global safe boundary across every store sharing this
// device.
func (ld *LogDev) Truncate(key base.LogDevKey) error {
	if !key.IsValid() {
		return fmt.Errorf("truncate: %w", ErrOutOfRange)
	}
	ld.mu.Lock()
	if key.DevOffset <= ld.startOffset {
		ld.mu.Unlock()
		return nil
	}
	if key.DevOffset > ld.writeOffset {
		ld.mu.Unlock()
		return fmt.Errorf("truncate %s beyond write offset: %w", key, ErrOutOfRange)
	}
	ld.startOffset = key.DevOffset
	ld.minBatch = key.Batch + 1
	ld.mu.Unlock()

	if ld.metrics != nil {
		ld.metrics.Truncations.Inc()
	}
	return ld.svc.persistSB()
}

type foundRec struct {
	storeID  uint32
	rtype    uint32
	seq      base.LSN
	key      base.LogDevKey
	flushKey base.LogDevKey
	data     []byte
}

// load walks every unreclaimed group from the persisted start offset,
// tolerating a torn tail, and hands each surviving record to route. After
// each group's records it reports the batch boundary through routeBatch.
func (ld *LogDev) load(startOffset, minBatch int64,
	route func(foundRec), routeBatch func(ids []uint32, flushKey base.LogDevKey)) error {

	virt := startOffset
	expect := int64(-1)

	for virt-startOffset < ld.totalBytes {
		remaining := ld.chunkSize - virt%ld.chunkSize
		if remaining < ld.pageSize {
			break
		}
		hdr, err := ld.readVirt(virt, groupHdrLen)
		if err != nil {
			break
		}
		if binary.LittleEndian.Uint64(hdr[0:8]) != groupMagic {
			break
		}
		if binary.LittleEndian.Uint64(hdr[48:56]) != xxhash.Sum64(hdr[:48]) {
			break
		}
		batch := int64(binary.LittleEndian.Uint64(hdr[16:24]))
		if expect == -1 {
			if batch < minBatch {
				break
			}
		} else if batch != expect {
			break
		}
		flags := binary.LittleEndian.Uint32(hdr[12:16])
		nrecords := int(binary.LittleEndian.Uint32(hdr[24:28]))
		regionLen := int64(binary.LittleEndian.Uint32(hdr[28:32]))
		groupLen := ld.pageSize + roundUpI64(regionLen, ld.pageSize)
		if flags&flagPad != 0 {
			groupLen = ld.pageSize + regionLen
		}
		if groupLen > remaining {
			break
		}

		if flags&flagPad == 0 {
			region, err := ld.readVirt(virt+ld.pageSize, regionLen)
			if err != nil {
				break
			}
			if binary.LittleEndian.Uint64(hdr[40:48]) != xxhash.Sum64(region) {
				break
			}
			flushKey := base.LogDevKey{Batch: batch, DevOffset: virt + groupLen}
			var ids []uint32
			seen := make(map[uint32]bool)
			off := int64(0)
			ok := true
			for i := 0; i < nrecords; i++ {
				if off+recHdrLen > regionLen {
					ok = false
					break
				}
				rec := foundRec{
					storeID:  binary.LittleEndian.Uint32(region[off : off+4]),
					rtype:    binary.LittleEndian.Uint32(region[off+4 : off+8]),
					seq:      base.LSN(binary.LittleEndian.Uint64(region[off+8 : off+16])),
					key:      base.LogDevKey{Batch: batch, DevOffset: virt + ld.pageSize + off},
					flushKey: flushKey,
				}
				length := int64(binary.LittleEndian.Uint32(region[off+16 : off+20]))
				if off+recHdrLen+length > regionLen {
					ok = false
					break
				}
				rec.data = append([]byte(nil), region[off+recHdrLen:off+recHdrLen+length]...)
				route(rec)
				if !seen[rec.storeID] {
					seen[rec.storeID] = true
					ids = append(ids, rec.storeID)
				}
				off += recHdrLen + length
				if ld.metrics != nil {
					ld.metrics.Replayed.Inc()
				}
			}
			if !ok {
				break
			}
			routeBatch(ids, flushKey)
		}

		virt += groupLen
		expect = batch + 1
	}

	ld.mu.Lock()
	ld.startOffset = startOffset
	ld.minBatch = minBatch
	ld.writeOffset = virt
	ld.groupStart = virt
	if expect == -1 {
		ld.batchID = minBatch
	} else {
		ld.batchID = expect
	}
	batchID := ld.batchID
	ld.mu.Unlock()

	ld.flushMu.Lock()
	ld.flushedOffset = virt
	ld.durableBatch = batchID - 1
	ld.flushMu.Unlock()

	ld.log.Info("log device loaded", "start", startOffset, "tail", virt, "next_batch", batchID)
	return nil
}

// close flushes the open batch and stops the completion thread.
func (ld *LogDev) close() error {
	ld.mu.Lock()
	if ld.closed {
		ld.mu.Unlock()
		return nil
	}
	ld.closed = true
	if len(ld.pending) > 0 {
		ld.enqueueLocked(ld.sealLocked(nil))
	}
	ld.qCv.Signal()
	ld.mu.Unlock()

	ld.wg.Wait()
	return nil
}

// state accessors used by the service superblock.
func (ld *LogDev) persistedState() (startOffset, minBatch int64) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.startOffset, ld.minBatch
}
