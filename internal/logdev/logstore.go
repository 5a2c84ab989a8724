package logdev

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"bedrock/internal/base"
)

// WriteCompFn reports one record's completion: the LSN it landed at, its
// device key, the caller's cookie, and the outcome.
type WriteCompFn func(seq base.LSN, key base.LogDevKey, cookie any, err error)

// ReadCompFn delivers an async read result.
type ReadCompFn func(seq base.LSN, data []byte, cookie any, err error)

// LogFoundFn is invoked once per surviving record during recovery replay.
type LogFoundFn func(seq base.LSN, data []byte)

// ReplayDoneFn is invoked once when recovery replay for the store ends.
type ReplayDoneFn func()

// RollbackFn is invoked when a rollback commits, in the issuing process
// and again on replay after a crash.
type RollbackFn func(to base.LSN)

type truncationBarrier struct {
	lsn base.LSN
	key base.LogDevKey
}

// TruncationInfo is one store's safe device-truncation boundary: its
// highest flush-aligned barrier at or below the in-memory truncation
// floor. Invalid means the store has nothing to offer yet.
type TruncationInfo struct {
	LSN base.LSN
	Key base.LogDevKey
}

func (t TruncationInfo) IsValid() bool { return t.Key.IsValid() }

// LogStore is one totally ordered, recoverable stream over the shared log
// device. It tracks per-LSN record state from the truncation floor up,
// computes contiguity watermarks, and feeds the device-truncation round
// with flush-aligned barriers. Single writer per stream.
type LogStore struct {
	id         uint32
	fqName     string
	ld         *LogDev
	appendMode bool
	startLSN   base.LSN
	log        *slog.Logger

	// seqNum is the next LSN to assign in append mode, and the high
	// watermark plus one otherwise.
	seqNum        atomic.Int64
	truncatedUpto atomic.Int64

	trackerMu sync.RWMutex
	tracker   *streamTracker

	// flushBatchMaxLSN and replay state are touched only on the log
	// device's completion thread for this store.
	flushBatchMaxLSN base.LSN

	barrierMu sync.Mutex
	barriers  []truncationBarrier
	safe      TruncationInfo

	syncMu sync.Mutex
	syncCv *sync.Cond

	compCb       WriteCompFn
	foundCb      LogFoundFn
	replayDoneCb ReplayDoneFn
	rollbackCb   RollbackFn
}

func newLogStore(ld *LogDev, id uint32, appendMode bool, startLSN base.LSN, log *slog.Logger) *LogStore {
	s := &LogStore{
		id:         id,
		fqName:     fmt.Sprintf("logstore.%d", id),
		ld:         ld,
		appendMode: appendMode,
		startLSN:   startLSN,
		log:        log.With("logstore", id),
		tracker:    newStreamTracker(startLSN),
		safe:       TruncationInfo{LSN: base.InvalidLSN, Key: base.InvalidLogDevKey},
	}
	s.seqNum.Store(int64(startLSN))
	s.truncatedUpto.Store(int64(startLSN - 1))
	s.flushBatchMaxLSN = base.InvalidLSN
	s.syncCv = sync.NewCond(&s.syncMu)
	return s
}

func (s *LogStore) StoreID() uint32  { return s.id }
func (s *LogStore) AppendMode() bool { return s.appendMode }

// SeqNum is the next sequence number the store would assign.
func (s *LogStore) SeqNum() base.LSN { return base.LSN(s.seqNum.Load()) }

// TruncatedUpto is the LSN up to which this store has truncated, or the
// LSN before the first record it has ever seen. Empty fresh store: -1.
func (s *LogStore) TruncatedUpto() base.LSN { return base.LSN(s.truncatedUpto.Load()) }

// RegisterCompCb installs the default completion callback used when a
// write carries none of its own.
func (s *LogStore) RegisterCompCb(cb WriteCompFn) { s.compCb = cb }

// RegisterLogFoundCb installs the replay callback. Required only when the
// owner replays state from its log at recovery.
func (s *LogStore) RegisterLogFoundCb(cb LogFoundFn) { s.foundCb = cb }

// RegisterReplayDoneCb installs the end-of-replay notification.
func (s *LogStore) RegisterReplayDoneCb(cb ReplayDoneFn) { s.replayDoneCb = cb }

// RegisterRollbackCb installs the rollback notification.
func (s *LogStore) RegisterRollbackCb(cb RollbackFn) { s.rollbackCb = cb }

// WriteAsync writes data at the caller-chosen seq. The slot is ISSUED
// immediately; cb (or the default completion callback) runs once the
// carrying flush batch is on media.
func (s *LogStore) WriteAsync(seq base.LSN, data []byte, cookie any, cb WriteCompFn) error {
	if seq < s.startLSN || seq <= s.TruncatedUpto() {
		return fmt.Errorf("%s: write at %d below floor: %w", s.fqName, seq, ErrOutOfRange)
	}

	s.trackerMu.Lock()
	err := s.tracker.transition(seq, slotIssued, base.InvalidLogDevKey)
	s.trackerMu.Unlock()
	if err != nil {
		return err
	}

	// Keep the high watermark honest for explicitly numbered writes.
	for {
		cur := s.seqNum.Load()
		if int64(seq) < cur || s.seqNum.CompareAndSwap(cur, int64(seq)+1) {
			break
		}
	}

	if _, err := s.ld.append(s, seq, recData, data, cookie, cb); err != nil {
		s.trackerMu.Lock()
		s.tracker.clear(seq)
		s.trackerMu.Unlock()
		return err
	}
	return nil
}

// WriteSync writes at seq and blocks until the record is durable.
func (s *LogStore) WriteSync(seq base.LSN, data []byte) error {
	done := make(chan error, 1)
	err := s.WriteAsync(seq, data, nil, func(_ base.LSN, _ base.LogDevKey, _ any, err error) {
		done <- err
	})
	if err != nil {
		return err
	}
	if err := s.ld.FlushWait(); err != nil {
		return err
	}
	return <-done
}

// AppendAsync assigns the next LSN, returns it synchronously, and reports
// durability through cb.
func (s *LogStore) AppendAsync(data []byte, cookie any, cb WriteCompFn) (base.LSN, error) {
	if !s.appendMode {
		return base.InvalidLSN, fmt.Errorf("%s: %w", s.fqName, ErrNotInAppendMode)
	}
	var lsn base.LSN
	for {
		cur := s.seqNum.Load()
		if base.LSN(cur) >= base.MaxLSN {
			return base.InvalidLSN, fmt.Errorf("%s: %w", s.fqName, ErrSeqOverflow)
		}
		if s.seqNum.CompareAndSwap(cur, cur+1) {
			lsn = base.LSN(cur)
			break
		}
	}

	s.trackerMu.Lock()
	err := s.tracker.transition(lsn, slotIssued, base.InvalidLogDevKey)
	s.trackerMu.Unlock()
	if err != nil {
		return base.InvalidLSN, err
	}

	if _, err := s.ld.append(s, lsn, recData, data, cookie, cb); err != nil {
		s.trackerMu.Lock()
		s.tracker.clear(lsn)
		s.trackerMu.Unlock()
		return base.InvalidLSN, err
	}
	return lsn, nil
}

// AppendSync appends and blocks until the record is durable.
func (s *LogStore) AppendSync(data []byte) (base.LSN, error) {
	done := make(chan error, 1)
	lsn, err := s.AppendAsync(data, nil, func(_ base.LSN, _ base.LogDevKey, _ any, err error) {
		done <- err
	})
	if err != nil {
		return base.InvalidLSN, err
	}
	if err := s.ld.FlushWait(); err != nil {
		return lsn, err
	}
	return lsn, <-done
}

// ReadSync returns the record at seq. Truncated, gap-filled, and
// never-issued LSNs fail with ErrOutOfRange. A still-issued record is
// flushed first.
func (s *LogStore) ReadSync(seq base.LSN) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		s.trackerMu.RLock()
		rec, inRange := s.tracker.status(seq)
		s.trackerMu.RUnlock()

		if !inRange || seq <= s.TruncatedUpto() {
			return nil, fmt.Errorf("%s: read %d: truncated: %w", s.fqName, seq, ErrOutOfRange)
		}
		switch rec.state {
		case slotCompleted:
			return s.ld.Read(rec.key)
		case slotIssued:
			if attempt > 0 {
				return nil, fmt.Errorf("%s: read %d: stuck in issued state", s.fqName, seq)
			}
			if err := s.ld.FlushWait(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%s: read %d: no record: %w", s.fqName, seq, ErrOutOfRange)
		}
	}
}

// ReadAsync resolves the record off the caller's thread and delivers it
// through cb.
func (s *LogStore) ReadAsync(seq base.LSN, cookie any, cb ReadCompFn) {
	go func() {
		data, err := s.ReadSync(seq)
		cb(seq, data, cookie, err)
	}()
}

// FillGap marks an intentionally skipped LSN so contiguity queries can
// advance past it. No I/O is issued; reads of a filled gap fail. Filling
// a slot that holds or held a record is rejected.
func (s *LogStore) FillGap(seq base.LSN) error {
	if seq <= s.TruncatedUpto() {
		return fmt.Errorf("%s: fill_gap %d below floor: %w", s.fqName, seq, ErrOutOfRange)
	}
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	return s.tracker.transition(seq, slotGapFilled, base.InvalidLogDevKey)
}

// GetContiguousIssuedSeqNum returns the highest LSN k >= from such that
// every slot in (from, k] has at least been issued or gap-filled.
func (s *LogStore) GetContiguousIssuedSeqNum(from base.LSN) base.LSN {
	s.trackerMu.RLock()
	defer s.trackerMu.RUnlock()
	return s.tracker.contiguous(from, func(st slotState) bool {
		return st == slotIssued || st == slotCompleted || st == slotGapFilled
	})
}

// GetContiguousCompletedSeqNum returns the highest LSN k >= from such that
// every slot in (from, k] is completed or gap-filled.
func (s *LogStore) GetContiguousCompletedSeqNum(from base.LSN) base.LSN {
	s.trackerMu.RLock()
	defer s.trackerMu.RUnlock()
	return s.tracker.contiguous(from, func(st slotState) bool {
		return st == slotCompleted || st == slotGapFilled
	})
}

// Truncate advances the in-memory truncation floor through upto. Device
// space is reclaimed only when the service coordinates a global round;
// pass inMemoryOnly=false to trigger one immediately. Truncating at or
// below the current floor is a no-op; truncating past the highest
// assigned LSN is rejected.
func (s *LogStore) Truncate(upto base.LSN, inMemoryOnly bool) error {
	if upto <= s.TruncatedUpto() {
		return nil
	}
	if upto >= base.LSN(s.seqNum.Load()) {
		return fmt.Errorf("%s: truncate %d past tail: %w", s.fqName, upto, ErrOutOfRange)
	}

	s.trackerMu.Lock()
	s.tracker.truncate(upto)
	s.trackerMu.Unlock()
	s.truncatedUpto.Store(int64(upto))

	s.refreshSafeBoundary(upto)

	if !inMemoryOnly {
		if _, err := s.ld.svc.DeviceTruncate(); err != nil {
			return err
		}
	}
	return nil
}

// refreshSafeBoundary recomputes the highest barrier at or below the
// truncation floor.
func (s *LogStore) refreshSafeBoundary(upto base.LSN) {
	s.barrierMu.Lock()
	defer s.barrierMu.Unlock()
	for _, b := range s.barriers {
		if b.lsn <= upto && (!s.safe.IsValid() || b.key.DevOffset > s.safe.Key.DevOffset) {
			s.safe = TruncationInfo{LSN: b.lsn, Key: b.key}
		}
	}
}

// PreDeviceTruncation reports this store's current safe boundary for a
// global truncation round; invalid when the store has no flushed barrier
// at or below its floor yet.
func (s *LogStore) PreDeviceTruncation() TruncationInfo {
	s.barrierMu.Lock()
	defer s.barrierMu.Unlock()
	return s.safe
}

// PostDeviceTruncation confirms the device truncated up to key; barriers
// at or below it are stale and dropped.
func (s *LogStore) PostDeviceTruncation(key base.LogDevKey) {
	s.barrierMu.Lock()
	defer s.barrierMu.Unlock()
	kept := s.barriers[:0]
	for _, b := range s.barriers {
		if b.key.DevOffset > key.DevOffset {
			kept = append(kept, b)
		}
	}
	s.barriers = kept
}

// RollbackAsync logically discards every LSN above to, rewinds the append
// counter, and writes a rollback marker so replay after a crash repeats
// the rewind. cb runs when the marker is durable.
func (s *LogStore) RollbackAsync(to base.LSN, cb func(base.LSN)) error {
	tail := base.LSN(s.seqNum.Load()) - 1
	if to > tail {
		return fmt.Errorf("%s: rollback to %d beyond tail %d: %w", s.fqName, to, tail, ErrOutOfRange)
	}
	if to < s.TruncatedUpto() {
		return fmt.Errorf("%s: rollback to %d below floor: %w", s.fqName, to, ErrOutOfRange)
	}

	s.trackerMu.Lock()
	s.tracker.rollback(to)
	s.trackerMu.Unlock()
	s.seqNum.Store(int64(to) + 1)

	_, err := s.ld.append(s, to, recRollback, nil, nil,
		func(_ base.LSN, _ base.LogDevKey, _ any, err error) {
			if err != nil {
				s.log.Error("rollback marker write failed", "to", to, "err", err)
				return
			}
			if s.rollbackCb != nil {
				s.rollbackCb(to)
			}
			if cb != nil {
				cb(to)
			}
		})
	return err
}

// FlushSync blocks until every record issued at or below upto is durable.
// Pass InvalidLSN to flush everything issued so far.
func (s *LogStore) FlushSync(upto base.LSN) error {
	if upto == base.InvalidLSN {
		upto = base.LSN(s.seqNum.Load()) - 1
	}
	if err := s.ld.FlushWait(); err != nil {
		return err
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	for {
		s.trackerMu.RLock()
		drained := s.tracker.issuedDrained(upto)
		s.trackerMu.RUnlock()
		if drained {
			return nil
		}
		s.syncCv.Wait()
	}
}

// Foreach iterates completed records in LSN order from start, skipping
// truncated and gap-filled slots, until cb returns false. Writers should
// be quiesced; a concurrent append may or may not be observed.
func (s *LogStore) Foreach(start base.LSN, cb func(seq base.LSN, data []byte) bool) error {
	floor := s.TruncatedUpto()
	if start <= floor {
		start = floor + 1
	}
	tail := base.LSN(s.seqNum.Load())
	for seq := start; seq < tail; seq++ {
		s.trackerMu.RLock()
		rec, inRange := s.tracker.status(seq)
		s.trackerMu.RUnlock()
		if !inRange || rec.state != slotCompleted {
			continue
		}
		data, err := s.ld.Read(rec.key)
		if err != nil {
			return err
		}
		if !cb(seq, data) {
			return nil
		}
	}
	return nil
}

// onWriteCompletion runs on the completion thread once this record's flush
// batch is on media.
func (s *LogStore) onWriteCompletion(req *writeReq, key base.LogDevKey, err error) {
	// Rollback markers never touch the tracker; their slot belongs to the
	// surviving record at that LSN.
	if req.rtype == recRollback {
		if req.cb != nil {
			req.cb(req.seq, key, req.cookie, err)
		}
		return
	}

	if err == nil {
		s.trackerMu.Lock()
		terr := s.tracker.transition(req.seq, slotCompleted, key)
		s.trackerMu.Unlock()
		if terr != nil {
			// Slot vanished under a rollback racing the flush; the record
			// is logically discarded.
			return
		}
		if s.flushBatchMaxLSN == base.InvalidLSN || req.seq > s.flushBatchMaxLSN {
			s.flushBatchMaxLSN = req.seq
		}
	}

	cb := req.cb
	if cb == nil {
		cb = s.compCb
	}
	if cb != nil {
		cb(req.seq, key, req.cookie, err)
	}
}

// onBatchCompletion runs on the completion thread after every record of
// the batch completed. It is the sole admission point for truncation
// barriers, which keeps barriers flush-aligned by construction.
func (s *LogStore) onBatchCompletion(flushKey base.LogDevKey) {
	if s.flushBatchMaxLSN != base.InvalidLSN {
		barrier := truncationBarrier{lsn: s.flushBatchMaxLSN, key: flushKey}
		s.barrierMu.Lock()
		s.barriers = append(s.barriers, barrier)
		if barrier.lsn <= s.TruncatedUpto() &&
			(!s.safe.IsValid() || barrier.key.DevOffset > s.safe.Key.DevOffset) {
			s.safe = TruncationInfo{LSN: barrier.lsn, Key: barrier.key}
		}
		s.barrierMu.Unlock()
		s.flushBatchMaxLSN = base.InvalidLSN
	}

	s.syncMu.Lock()
	s.syncCv.Broadcast()
	s.syncMu.Unlock()
}

// onLogFound runs during recovery replay, once per surviving record in log
// order.
func (s *LogStore) onLogFound(seq base.LSN, key, flushKey base.LogDevKey, data []byte) {
	s.trackerMu.Lock()
	s.tracker.rebase(seq)
	floor := int64(s.tracker.base - 1)
	err := s.tracker.transition(seq, slotCompleted, key)
	s.trackerMu.Unlock()
	if err != nil {
		s.log.Warn("replayed record rejected", "seq", seq, "err", err)
		return
	}

	// After recovery the floor is whatever preceded the first record seen.
	if s.truncatedUpto.Load() < floor {
		s.truncatedUpto.Store(floor)
	}
	for {
		cur := s.seqNum.Load()
		if int64(seq) < cur || s.seqNum.CompareAndSwap(cur, int64(seq)+1) {
			break
		}
	}
	if s.flushBatchMaxLSN == base.InvalidLSN || seq > s.flushBatchMaxLSN {
		s.flushBatchMaxLSN = seq
	}
	if s.foundCb != nil {
		s.foundCb(seq, data)
	}
}

// onRollbackFound replays a rollback marker.
func (s *LogStore) onRollbackFound(to base.LSN) {
	s.trackerMu.Lock()
	s.tracker.rollback(to)
	s.trackerMu.Unlock()
	s.seqNum.Store(int64(to) + 1)
	if s.flushBatchMaxLSN != base.InvalidLSN && s.flushBatchMaxLSN > to {
		s.flushBatchMaxLSN = to
	}
	if s.rollbackCb != nil {
		s.rollbackCb(to)
	}
}

// onReplayDone fires the owner's end-of-replay notification.
func (s *LogStore) onReplayDone() {
	if s.replayDoneCb != nil {
		s.replayDoneCb()
	}
}
