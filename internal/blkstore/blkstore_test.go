package blkstore

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bedrock/internal/base"
	"bedrock/internal/cache"
	"bedrock/internal/device"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestStore(t *testing.T, mode CacheMode, mirrors uint32, vdevSize uint64, ndev int) *Store {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, ndev)
	for i := range paths {
		paths[i] = filepath.Join(dir, "dev"+string(rune('0'+i)))
		f, err := os.Create(paths[i])
		require.NoError(t, err)
		require.NoError(t, f.Truncate(64<<20))
		require.NoError(t, f.Close())
	}

	mgr := device.NewManager(testLogger(), nil)
	_, err := mgr.AddDevices(paths, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	typ := base.VdevData
	if mirrors > 0 {
		typ = base.VdevSuperblock
	}
	vdev, err := mgr.RegisterVdev(device.RegisterParams{
		Type:    typ,
		Size:    vdevSize,
		Mirrors: mirrors,
	})
	require.NoError(t, err)

	store, err := New(Config{
		Name:     "test",
		Vdev:     vdev,
		Cache:    cache.New(1 << 20),
		Mode:     mode,
		Mirrors:  mirrors,
		PageSize: 4096,
		Logger:   testLogger(),
		Metrics:  NewMetrics(prometheus.NewRegistry(), "test"),
	})
	require.NoError(t, err)
	return store
}

func TestAllocWriteReadFree(t *testing.T) {
	store := newTestStore(t, WriteBack, 0, 8<<20, 2)

	blk, err := store.AllocContiguous(4096, DefaultHints())
	require.NoError(t, err)
	require.True(t, blk.IsValid())
	assert.Equal(t, uint64(4096), store.UsedSize())

	pattern := bytes.Repeat([]byte{0xab}, 4096)
	require.NoError(t, store.Write(blk, pattern))

	buf, err := store.Read(blk)
	require.NoError(t, err)
	assert.Equal(t, pattern, buf.Bytes())
	buf.Release()

	require.NoError(t, store.Free(blk))
	assert.Equal(t, uint64(0), store.UsedSize())
}

func TestOutOfSpaceThenFreeRecovers(t *testing.T) {
	store := newTestStore(t, PassThru, 0, 1<<20, 1)

	var blks []base.BlkId
	for {
		blk, err := store.AllocContiguous(4096, DefaultHints())
		if err != nil {
			assert.ErrorIs(t, err, ErrOutOfSpace)
			break
		}
		blks = append(blks, blk)
	}
	require.NotEmpty(t, blks)

	require.NoError(t, store.Free(blks[0]))
	blk, err := store.AllocContiguous(4096, DefaultHints())
	require.NoError(t, err)
	assert.Equal(t, blks[0], blk)
}

func TestWritePopulatesCacheInWriteBack(t *testing.T) {
	store := newTestStore(t, WriteBack, 0, 8<<20, 1)

	blk, err := store.AllocContiguous(8192, DefaultHints())
	require.NoError(t, err)
	require.NoError(t, store.Write(blk, bytes.Repeat([]byte{0x42}, 8192)))

	hits, _, _ := store.cache.Stats()
	buf, err := store.Read(blk)
	require.NoError(t, err)
	buf.Release()
	hitsAfter, _, _ := store.cache.Stats()
	assert.Equal(t, hits+1, hitsAfter, "read after writeback write should hit the cache")
}

func TestReadModifyWriteMergesSubPage(t *testing.T) {
	store := newTestStore(t, ReadModifyWriteBack, 0, 8<<20, 1)

	blk, err := store.AllocContiguous(4096, DefaultHints())
	require.NoError(t, err)

	full := bytes.Repeat([]byte{0x11}, 4096)
	require.NoError(t, store.Write(blk, full))

	// A sub-page write must preserve the tail of the page.
	require.NoError(t, store.Write(blk, bytes.Repeat([]byte{0x22}, 100)))

	store.cache.Invalidate(blk)
	buf, err := store.Read(blk)
	require.NoError(t, err)
	defer buf.Release()
	assert.Equal(t, bytes.Repeat([]byte{0x22}, 100), buf.Bytes()[:100])
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 3996), buf.Bytes()[100:])
}

func TestReadNMirror(t *testing.T) {
	store := newTestStore(t, PassThru, 2, 4<<20, 3)

	blk, err := store.AllocContiguous(4096, DefaultHints())
	require.NoError(t, err)
	pattern := bytes.Repeat([]byte{0x5a}, 4096)
	require.NoError(t, store.Write(blk, pattern))

	images, err := store.ReadNMirror(blk, 3)
	require.NoError(t, err)
	require.Len(t, images, 3)
	for i, image := range images {
		assert.Equal(t, pattern, image, "mirror %d", i)
	}
}

func TestCompletionCallbackFires(t *testing.T) {
	var ops []OpType
	store := newTestStore(t, PassThru, 0, 4<<20, 1)
	store.comp = func(op OpType, blk base.BlkId, err error) {
		assert.NoError(t, err)
		ops = append(ops, op)
	}

	blk, err := store.AllocContiguous(4096, DefaultHints())
	require.NoError(t, err)
	require.NoError(t, store.Write(blk, make([]byte, 4096)))
	buf, err := store.Read(blk)
	require.NoError(t, err)
	buf.Release()

	assert.Equal(t, []OpType{OpWrite, OpRead}, ops)
}

func TestAllocatorSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t, PassThru, 0, 4<<20, 1)

	blk, err := store.AllocContiguous(3*4096, DefaultHints())
	require.NoError(t, err)

	cp := store.AttachPrepareCP(nil)
	require.NotNil(t, cp)

	other := newTestStore(t, PassThru, 0, 4<<20, 1)
	require.NoError(t, other.LoadAllocState(cp.snapshot))
	assert.Equal(t, store.UsedSize(), other.UsedSize())

	// The restored allocator must not hand out the pinned run.
	got, err := other.AllocContiguous(4096, DefaultHints())
	require.NoError(t, err)
	assert.NotEqual(t, blk.Offset, got.Offset)
}
