package meta

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
	"bedrock/internal/blkstore"
	"bedrock/internal/cache"
	"bedrock/internal/device"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fixture struct {
	paths []string
	mgr   *device.Manager
	store *blkstore.Store
}

func newFixture(t *testing.T, paths []string) *fixture {
	t.Helper()
	if paths == nil {
		dir := t.TempDir()
		paths = []string{filepath.Join(dir, "dev0")}
		f, err := os.Create(paths[0])
		require.NoError(t, err)
		require.NoError(t, f.Truncate(64<<20))
		require.NoError(t, f.Close())
	}

	mgr := device.NewManager(testLogger(), nil)
	firstBoot, err := mgr.AddDevices(paths, nil)
	require.NoError(t, err)

	var vdev *device.Vdev
	if firstBoot {
		vdev, err = mgr.RegisterVdev(device.RegisterParams{
			Type:    base.VdevMeta,
			Size:    4 << 20,
			Context: base.EncodeStoreBlob(base.StoreBlob{Type: base.VdevMeta}),
		})
		require.NoError(t, err)
	} else {
		require.NoError(t, mgr.EnumerateVdevs(func(v *device.Vdev) error {
			vdev = v
			return nil
		}))
	}

	store, err := blkstore.New(blkstore.Config{
		Name:     "meta",
		Vdev:     vdev,
		Cache:    cache.New(1 << 20),
		Mode:     blkstore.PassThru,
		PageSize: 4096,
		Logger:   testLogger(),
		Metrics:  blkstore.NewMetrics(prometheus.NewRegistry(), "meta"),
	})
	require.NoError(t, err)
	return &fixture{paths: paths, mgr: mgr, store: store}
}

func TestPutGetAcrossRestart(t *testing.T) {
	fx := newFixture(t, nil)
	m := NewMgr(testLogger())
	require.NoError(t, m.Start(fx.store, true))

	require.NoError(t, m.Put("alpha", []byte("first blob")))
	require.NoError(t, m.Put("beta", bytes.Repeat([]byte{0x7f}, 5000)))
	require.NoError(t, m.Put("alpha", []byte("rewritten")))
	require.NoError(t, fx.mgr.Close())

	fx = newFixture(t, fx.paths)
	var alphaSeen, betaSeen []byte
	m = NewMgr(testLogger())
	m.Register("alpha", func(blob []byte) error {
		alphaSeen = blob
		return nil
	}, nil)
	m.Register("beta", func(blob []byte) error {
		betaSeen = blob
		return nil
	}, nil)
	require.NoError(t, m.Start(fx.store, false))
	defer fx.mgr.Close()

	assert.Equal(t, []byte("rewritten"), alphaSeen)
	assert.Equal(t, bytes.Repeat([]byte{0x7f}, 5000), betaSeen)

	blob, ok, err := m.Get("beta")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, blob, 5000)
}

func TestRemove(t *testing.T) {
	fx := newFixture(t, nil)
	m := NewMgr(testLogger())
	require.NoError(t, m.Start(fx.store, true))
	defer fx.mgr.Close()

	require.NoError(t, m.Put("gone", []byte("x")))
	used := fx.store.UsedSize()
	require.NoError(t, m.Remove("gone"))
	assert.Less(t, fx.store.UsedSize(), used)

	_, ok, err := m.Get("gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlushPersistsHandlerBlob(t *testing.T) {
	fx := newFixture(t, nil)
	m := NewMgr(testLogger())
	m.Register("sys", nil, func() []byte { return []byte("flushed state") })
	require.NoError(t, m.Start(fx.store, true))
	defer fx.mgr.Close()

	require.NoError(t, m.Flush())
	blob, ok, err := m.Get("sys")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("flushed state"), blob)
}
