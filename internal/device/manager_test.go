package device

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bedrock/internal/base"
)

func makeDevices(t *testing.T, n int, size int64) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, "dev"+string(rune('0'+i)))
		f, err := os.Create(paths[i])
		require.NoError(t, err)
		require.NoError(t, f.Truncate(size))
		require.NoError(t, f.Close())
	}
	return paths
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestFirstBootThenReattach(t *testing.T) {
	paths := makeDevices(t, 2, 64<<20)

	mgr := NewManager(testLogger(), nil)
	firstBoot, err := mgr.AddDevices(paths, nil)
	require.NoError(t, err)
	assert.True(t, firstBoot)
	assert.True(t, mgr.FirstTimeBoot())

	ctx := []byte{0xde, 0xad, 0xbe, 0xef}
	vdev, err := mgr.RegisterVdev(RegisterParams{
		Type:    base.VdevData,
		Size:    8 << 20,
		Context: ctx,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), vdev.ID)
	assert.Equal(t, 2, vdev.NumChunks())
	require.NoError(t, mgr.Close())

	mgr = NewManager(testLogger(), nil)
	firstBoot, err = mgr.AddDevices(paths, nil)
	require.NoError(t, err)
	assert.False(t, firstBoot)

	var found []*Vdev
	require.NoError(t, mgr.EnumerateVdevs(func(v *Vdev) error {
		found = append(found, v)
		return nil
	}))
	require.Len(t, found, 1)
	assert.Equal(t, base.VdevData, found[0].Type)
	assert.Equal(t, ctx, found[0].Context())
	assert.Equal(t, vdev.Size, found[0].Size)
	require.NoError(t, mgr.Close())
}

func TestVdevReadWriteRoundTrip(t *testing.T) {
	paths := makeDevices(t, 2, 64<<20)
	mgr := NewManager(testLogger(), nil)
	_, err := mgr.AddDevices(paths, nil)
	require.NoError(t, err)
	defer mgr.Close()

	vdev, err := mgr.RegisterVdev(RegisterParams{Type: base.VdevData, Size: 4 << 20})
	require.NoError(t, err)

	page := make([]byte, 4096)
	for i := range page {
		page[i] = 0xab
	}
	require.NoError(t, vdev.WriteAt(1, 8192, page))

	got := make([]byte, 4096)
	require.NoError(t, vdev.ReadAt(1, 8192, got))
	assert.Equal(t, page, got)
}

func TestMirrorWrites(t *testing.T) {
	paths := makeDevices(t, 3, 64<<20)
	mgr := NewManager(testLogger(), nil)
	_, err := mgr.AddDevices(paths, nil)
	require.NoError(t, err)
	defer mgr.Close()

	vdev, err := mgr.RegisterVdev(RegisterParams{
		Type:    base.VdevSuperblock,
		Size:    4 << 20,
		Mirrors: 2,
	})
	require.NoError(t, err)

	page := make([]byte, 4096)
	for i := range page {
		page[i] = byte(i)
	}
	require.NoError(t, vdev.WriteMirrors(0, page, 2))

	for chunk := 0; chunk < 3; chunk++ {
		got := make([]byte, 4096)
		require.NoError(t, vdev.ReadAt(chunk, 0, got))
		assert.Equal(t, page, got, "mirror %d", chunk)
	}
}

func TestInsufficientCapacity(t *testing.T) {
	paths := makeDevices(t, 1, 8<<20)
	mgr := NewManager(testLogger(), nil)
	_, err := mgr.AddDevices(paths, nil)
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.RegisterVdev(RegisterParams{Type: base.VdevData, Size: 1 << 30})
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
}

func TestFailedFlagSurvivesReattach(t *testing.T) {
	paths := makeDevices(t, 2, 64<<20)
	mgr := NewManager(testLogger(), nil)
	_, err := mgr.AddDevices(paths, nil)
	require.NoError(t, err)

	vdev, err := mgr.RegisterVdev(RegisterParams{Type: base.VdevIndex, Size: 4 << 20})
	require.NoError(t, err)
	mgr.MarkVdevFailed(vdev)
	require.NoError(t, mgr.Close())

	mgr = NewManager(testLogger(), nil)
	_, err = mgr.AddDevices(paths, nil)
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.EnumerateVdevs(func(v *Vdev) error {
		assert.True(t, v.Failed())
		assert.ErrorIs(t, v.WriteAt(0, 0, make([]byte, 4096)), ErrVdevFailed)
		return nil
	}))
}

func TestTotalCapacityExcludesLayout(t *testing.T) {
	paths := makeDevices(t, 2, 64<<20)
	mgr := NewManager(testLogger(), nil)
	_, err := mgr.AddDevices(paths, nil)
	require.NoError(t, err)
	defer mgr.Close()

	total := mgr.TotalCapacity()
	assert.Less(t, total, uint64(2*64<<20))
	assert.Greater(t, total, uint64(2*63<<20))
}
