package logdev

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bedrock/internal/base"
	"bedrock/internal/blkstore"
	"bedrock/internal/cache"
	"bedrock/internal/device"
	"bedrock/internal/meta"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// harness stands up the device manager, meta registry, and log service the
// way the engine facade wires them, and supports restarts on the same
// device files.
type harness struct {
	t      *testing.T
	paths  []string
	devMgr *device.Manager
	meta   *meta.Mgr
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 2)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("dev%d", i))
		f, err := os.Create(paths[i])
		require.NoError(t, err)
		require.NoError(t, f.Truncate(64<<20))
		require.NoError(t, f.Close())
	}
	h := &harness{t: t, paths: paths}
	h.boot()
	t.Cleanup(func() { h.close() })
	return h
}

func (h *harness) boot() {
	t := h.t
	h.devMgr = device.NewManager(testLogger(), nil)
	firstBoot, err := h.devMgr.AddDevices(h.paths, nil)
	require.NoError(t, err)

	var logVdev, metaVdev *device.Vdev
	if firstBoot {
		logVdev, err = h.devMgr.RegisterVdev(device.RegisterParams{
			Type:    base.VdevLogDev,
			Size:    8 << 20,
			Context: base.EncodeStoreBlob(base.StoreBlob{Type: base.VdevLogDev}),
		})
		require.NoError(t, err)
		metaVdev, err = h.devMgr.RegisterVdev(device.RegisterParams{
			Type:    base.VdevMeta,
			Size:    4 << 20,
			Context: base.EncodeStoreBlob(base.StoreBlob{Type: base.VdevMeta}),
		})
		require.NoError(t, err)
	} else {
		require.NoError(t, h.devMgr.EnumerateVdevs(func(v *device.Vdev) error {
			switch v.Type {
			case base.VdevLogDev:
				logVdev = v
			case base.VdevMeta:
				metaVdev = v
			}
			return nil
		}))
	}

	shared := cache.New(1 << 20)
	reg := prometheus.NewRegistry()
	logBlk, err := blkstore.New(blkstore.Config{
		Name: "logdev", Vdev: logVdev, Cache: shared, Mode: blkstore.PassThru,
		PageSize: 4096, Logger: testLogger(), Metrics: blkstore.NewMetrics(reg, "logdev"),
	})
	require.NoError(t, err)
	metaBlk, err := blkstore.New(blkstore.Config{
		Name: "meta", Vdev: metaVdev, Cache: shared, Mode: blkstore.PassThru,
		PageSize: 4096, Logger: testLogger(), Metrics: blkstore.NewMetrics(reg, "meta"),
	})
	require.NoError(t, err)

	h.meta = meta.NewMgr(testLogger())
	h.svc = NewService(logBlk, h.meta, testLogger(), NewMetrics(reg))
	require.NoError(t, h.meta.Start(metaBlk, firstBoot))
	require.NoError(t, h.svc.Start(firstBoot))
}

func (h *harness) close() {
	if h.svc != nil {
		_ = h.svc.Close()
		h.svc = nil
	}
	if h.devMgr != nil {
		_ = h.devMgr.Close()
		h.devMgr = nil
	}
}

func (h *harness) restart() {
	h.close()
	h.boot()
}

func payload(i int) []byte {
	buf := make([]byte, 100)
	for j := range buf {
		buf[j] = byte(i)
	}
	return buf
}

func TestAppendFlushReadBack(t *testing.T) {
	h := newHarness(t)
	store, err := h.svc.CreateLogStore(true)
	require.NoError(t, err)

	assert.Equal(t, base.LSN(-1), store.TruncatedUpto())

	var completed []base.LSN
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		lsn, err := store.AppendAsync(payload(i), nil,
			func(seq base.LSN, key base.LogDevKey, _ any, err error) {
				require.NoError(t, err)
				assert.True(t, key.IsValid())
				completed = append(completed, seq)
				done <- struct{}{}
			})
		require.NoError(t, err)
		assert.Equal(t, base.LSN(i), lsn)
	}

	require.NoError(t, store.FlushSync(base.InvalidLSN))
	for i := 0; i < 3; i++ {
		<-done
	}

	// Completions arrive in LSN order.
	assert.Equal(t, []base.LSN{0, 1, 2}, completed)
	assert.Equal(t, base.LSN(3), store.SeqNum())
	assert.Equal(t, base.LSN(2), store.GetContiguousCompletedSeqNum(-1))

	for i := 0; i < 3; i++ {
		data, err := store.ReadSync(base.LSN(i))
		require.NoError(t, err)
		assert.Equal(t, payload(i), data)
	}
}

func TestAppendFlushReplayAfterRestart(t *testing.T) {
	h := newHarness(t)
	store, err := h.svc.CreateLogStore(true)
	require.NoError(t, err)
	id := store.StoreID()

	for i := 0; i < 3; i++ {
		_, err := store.AppendAsync(payload(i), nil, nil)
		require.NoError(t, err)
	}
	require.NoError(t, store.FlushSync(base.InvalidLSN))

	h.restart()

	type found struct {
		seq  base.LSN
		data []byte
	}
	var replayed []found
	replayDone := 0
	reopened, err := h.svc.OpenLogStore(id, func(s *LogStore) {
		s.RegisterLogFoundCb(func(seq base.LSN, data []byte) {
			replayed = append(replayed, found{seq, data})
		})
		s.RegisterReplayDoneCb(func() { replayDone++ })
	})
	require.NoError(t, err)

	require.Len(t, replayed, 3)
	for i, f := range replayed {
		assert.Equal(t, base.LSN(i), f.seq)
		assert.Equal(t, payload(i), f.data)
	}
	assert.Equal(t, 1, replayDone)
	assert.Equal(t, base.LSN(3), reopened.SeqNum())

	// Replayed records are readable.
	data, err := reopened.ReadSync(1)
	require.NoError(t, err)
	assert.Equal(t, payload(1), data)
}

func TestGapFillAdvancesWatermark(t *testing.T) {
	h := newHarness(t)
	store, err := h.svc.CreateLogStore(false)
	require.NoError(t, err)

	for _, seq := range []base.LSN{0, 1, 3, 4} {
		require.NoError(t, store.WriteSync(seq, payload(int(seq))))
	}
	assert.Equal(t, base.LSN(1), store.GetContiguousCompletedSeqNum(-1))

	require.NoError(t, store.FillGap(2))
	assert.Equal(t, base.LSN(4), store.GetContiguousCompletedSeqNum(-1))
	assert.Equal(t, base.LSN(4), store.GetContiguousIssuedSeqNum(-1))

	// A filled gap holds no data.
	_, err = store.ReadSync(2)
	assert.ErrorIs(t, err, ErrOutOfRange)

	// Filling a slot that holds a record is rejected.
	assert.Error(t, store.FillGap(3))
}

func TestTruncateSemantics(t *testing.T) {
	h := newHarness(t)
	store, err := h.svc.CreateLogStore(true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.AppendAsync(payload(i), nil, nil)
		require.NoError(t, err)
	}
	require.NoError(t, store.FlushSync(base.InvalidLSN))

	require.NoError(t, store.Truncate(2, true))
	assert.Equal(t, base.LSN(2), store.TruncatedUpto())

	_, err = store.ReadSync(1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = store.ReadSync(2)
	assert.ErrorIs(t, err, ErrOutOfRange)
	data, err := store.ReadSync(3)
	require.NoError(t, err)
	assert.Equal(t, payload(3), data)

	// Truncating below the floor is a no-op; past the tail it is rejected.
	require.NoError(t, store.Truncate(1, true))
	assert.Equal(t, base.LSN(2), store.TruncatedUpto())
	assert.ErrorIs(t, store.Truncate(10, true), ErrOutOfRange)

	// Contiguity still spans the truncated prefix.
	assert.Equal(t, base.LSN(4), store.GetContiguousCompletedSeqNum(-1))
}

func TestDeviceTruncationTakesGlobalMin(t *testing.T) {
	h := newHarness(t)
	s1, err := h.svc.CreateLogStore(true)
	require.NoError(t, err)
	s2, err := h.svc.CreateLogStore(true)
	require.NoError(t, err)

	appendN := func(s *LogStore, n int) {
		for i := 0; i < n; i++ {
			_, err := s.AppendAsync(payload(i), nil, nil)
			require.NoError(t, err)
		}
		require.NoError(t, s.FlushSync(base.InvalidLSN))
	}

	appendN(s1, 5) // batch A: s1 lsn 0-4
	appendN(s2, 5) // batch B: s2 lsn 0-4
	appendN(s1, 5) // batch C: s1 lsn 5-9

	require.NoError(t, s1.Truncate(9, true))
	require.NoError(t, s2.Truncate(4, true))

	b1 := s1.PreDeviceTruncation()
	b2 := s2.PreDeviceTruncation()
	require.True(t, b1.IsValid())
	require.True(t, b2.IsValid())
	require.True(t, b2.Key.Before(b1.Key), "s2's barrier lands earlier on the device")

	got, err := h.svc.DeviceTruncate()
	require.NoError(t, err)
	assert.Equal(t, b2.Key, got, "the round must take the min, not s1's higher boundary")

	// s2 advances past s1's boundary; now s1's boundary is the min.
	appendN(s2, 3) // batch D: s2 lsn 5-7
	require.NoError(t, s2.Truncate(7, true))
	appendN(s2, 2) // batch E: s2 lsn 8-9, above every floor
	got, err = h.svc.DeviceTruncate()
	require.NoError(t, err)
	assert.Equal(t, b1.Key, got)

	// Records above every floor stay readable after device truncation.
	data, err := s2.ReadSync(9)
	require.NoError(t, err)
	assert.Equal(t, payload(1), data)
}

func TestRollbackRewindsAndSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	store, err := h.svc.CreateLogStore(true)
	require.NoError(t, err)
	id := store.StoreID()

	for i := 0; i < 5; i++ {
		_, err := store.AppendAsync(payload(i), nil, nil)
		require.NoError(t, err)
	}
	require.NoError(t, store.FlushSync(base.InvalidLSN))

	rolled := make(chan base.LSN, 1)
	require.NoError(t, store.RollbackAsync(2, func(to base.LSN) { rolled <- to }))
	require.NoError(t, store.FlushSync(base.InvalidLSN))
	assert.Equal(t, base.LSN(2), <-rolled)
	assert.Equal(t, base.LSN(3), store.SeqNum())

	_, err = store.ReadSync(3)
	assert.ErrorIs(t, err, ErrOutOfRange)

	// The discarded LSN is assignable again.
	lsn, err := store.AppendAsync([]byte("replacement"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, base.LSN(3), lsn)
	require.NoError(t, store.FlushSync(base.InvalidLSN))

	h.restart()
	reopened, err := h.svc.OpenLogStore(id, nil)
	require.NoError(t, err)

	assert.Equal(t, base.LSN(4), reopened.SeqNum())
	data, err := reopened.ReadSync(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("replacement"), data)
	_, err = reopened.ReadSync(4)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestRollbackBeyondTailRejected(t *testing.T) {
	h := newHarness(t)
	store, err := h.svc.CreateLogStore(true)
	require.NoError(t, err)

	_, err = store.AppendAsync(payload(0), nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.FlushSync(base.InvalidLSN))

	assert.ErrorIs(t, store.RollbackAsync(5, nil), ErrOutOfRange)
}

func TestForeachSkipsGapsAndStopsEarly(t *testing.T) {
	h := newHarness(t)
	store, err := h.svc.CreateLogStore(false)
	require.NoError(t, err)

	for _, seq := range []base.LSN{0, 1, 3} {
		require.NoError(t, store.WriteSync(seq, payload(int(seq))))
	}
	require.NoError(t, store.FillGap(2))

	var seen []base.LSN
	require.NoError(t, store.Foreach(-1, func(seq base.LSN, data []byte) bool {
		seen = append(seen, seq)
		return true
	}))
	assert.Equal(t, []base.LSN{0, 1, 3}, seen)

	seen = nil
	require.NoError(t, store.Foreach(-1, func(seq base.LSN, _ []byte) bool {
		seen = append(seen, seq)
		return false
	}))
	assert.Equal(t, []base.LSN{0}, seen)
}

func TestWriteToIssuedLSNRejected(t *testing.T) {
	h := newHarness(t)
	store, err := h.svc.CreateLogStore(false)
	require.NoError(t, err)

	require.NoError(t, store.WriteSync(0, payload(0)))
	assert.ErrorIs(t, store.WriteAsync(0, payload(1), nil, nil), ErrAlreadyIssued)
}

func TestOpenUnknownStore(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.OpenLogStore(99, nil)
	assert.ErrorIs(t, err, ErrUnknownStore)
}

func TestStoreTableSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	s, err := h.svc.CreateLogStore(true)
	require.NoError(t, err)
	id := s.StoreID()
	require.NoError(t, h.svc.RemoveLogStore(id))

	s2, err := h.svc.CreateLogStore(false)
	require.NoError(t, err)

	h.restart()

	_, err = h.svc.OpenLogStore(id, nil)
	assert.ErrorIs(t, err, ErrUnknownStore)
	reopened, err := h.svc.OpenLogStore(s2.StoreID(), nil)
	require.NoError(t, err)
	assert.False(t, reopened.AppendMode())
}
