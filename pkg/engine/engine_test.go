package engine

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bedrock/internal/base"
	"bedrock/internal/blkstore"
	"bedrock/internal/device"
	"bedrock/internal/logdev"
)

func makeDevices(t *testing.T, n int, size int64) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("dev%d", i))
		f, err := os.Create(paths[i])
		require.NoError(t, err)
		require.NoError(t, f.Truncate(size))
		require.NoError(t, f.Close())
	}
	return paths
}

func testConfig(paths []string) Config {
	cfg := DefaultConfig(paths...)
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return cfg
}

func TestFirstBootDataWriteReadBack(t *testing.T) {
	paths := makeDevices(t, 2, 256<<20)
	e, err := Open(testConfig(paths))
	require.NoError(t, err)
	defer e.Close()

	require.True(t, e.FirstTimeBoot())

	data := e.DataStore()
	blk, err := data.AllocContiguous(4096, blkstore.DefaultHints())
	require.NoError(t, err)

	pattern := bytes.Repeat([]byte{0xab}, 4096)
	require.NoError(t, data.Write(blk, pattern))

	buf, err := data.Read(blk)
	require.NoError(t, err)
	assert.Equal(t, pattern, buf.Bytes())
	buf.Release()

	assert.Equal(t, uint64(4096), e.GetSystemCapacity().UsedDataSize)
}

func TestCapacityShares(t *testing.T) {
	paths := makeDevices(t, 2, 256<<20)
	e, err := Open(testConfig(paths))
	require.NoError(t, err)
	defer e.Close()

	attrs := e.GetSystemCapacity()
	assert.Zero(t, attrs.UsedTotalSize)
	// Data gets 90% and index 2%; together most of the fleet.
	assert.Greater(t, attrs.InitialTotalSize, uint64(2*256<<20)*85/100)
	assert.Less(t, attrs.InitialTotalSize, uint64(2*256<<20))
}

func TestRestartRediscoversAndReplays(t *testing.T) {
	paths := makeDevices(t, 2, 256<<20)
	e, err := Open(testConfig(paths))
	require.NoError(t, err)

	store, err := e.CreateLogStore(true)
	require.NoError(t, err)
	id := store.StoreID()
	for i := 0; i < 3; i++ {
		_, err := store.AppendAsync(bytes.Repeat([]byte{byte(i)}, 100), nil, nil)
		require.NoError(t, err)
	}
	require.NoError(t, store.FlushSync(base.InvalidLSN))
	require.NoError(t, e.Close())

	e, err = Open(testConfig(paths))
	require.NoError(t, err)
	defer e.Close()
	assert.False(t, e.FirstTimeBoot())

	var replayed []base.LSN
	replayDone := 0
	reopened, err := e.OpenLogStore(id, func(s *logdev.LogStore) {
		s.RegisterLogFoundCb(func(seq base.LSN, data []byte) {
			assert.Equal(t, bytes.Repeat([]byte{byte(seq)}, 100), data)
			replayed = append(replayed, seq)
		})
		s.RegisterReplayDoneCb(func() { replayDone++ })
	})
	require.NoError(t, err)

	assert.Equal(t, []base.LSN{0, 1, 2}, replayed)
	assert.Equal(t, 1, replayDone)
	assert.Equal(t, base.LSN(3), reopened.SeqNum())

	e.DataRecoveryDone()
	e.IndexRecoveryDone()
}

func TestVdevFailedAbortsReattach(t *testing.T) {
	paths := makeDevices(t, 2, 256<<20)
	e, err := Open(testConfig(paths))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// An operator-visible failure on the index vdev.
	mgr := device.NewManager(testConfig(paths).Logger, nil)
	_, err = mgr.AddDevices(paths, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.EnumerateVdevs(func(v *device.Vdev) error {
		if v.Type == base.VdevIndex {
			mgr.MarkVdevFailed(v)
		}
		return nil
	}))
	require.NoError(t, mgr.Close())

	_, err = Open(testConfig(paths))
	assert.ErrorIs(t, err, ErrVdevFailed)
}

func TestAllocSBBlkWithoutLegacyStore(t *testing.T) {
	paths := makeDevices(t, 1, 256<<20)
	e, err := Open(testConfig(paths))
	require.NoError(t, err)
	defer e.Close()

	assert.Nil(t, e.SBStore())
	_, err = e.AllocSBBlk(4096)
	assert.ErrorIs(t, err, ErrNoSuperblockStore)
}

func TestConfigValidation(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := testConfig(makeDevices(t, 1, 256<<20))
	cfg.MinVirtualPageSize = 1000
	_, err = Open(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAllocatorCheckpointSurvivesRestart(t *testing.T) {
	paths := makeDevices(t, 2, 256<<20)
	e, err := Open(testConfig(paths))
	require.NoError(t, err)

	blk, err := e.DataStore().AllocContiguous(4*4096, blkstore.DefaultHints())
	require.NoError(t, err)
	cp := e.BlkAllocAttachPrepareCP(map[string]*blkstore.AllocCP{})
	require.NoError(t, e.BlkAllocCPStart(cp))
	require.NoError(t, e.Close())

	e, err = Open(testConfig(paths))
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, uint64(4*4096), e.GetSystemCapacity().UsedDataSize)

	// The checkpointed run stays pinned.
	got, err := e.DataStore().AllocContiguous(4096, blkstore.DefaultHints())
	require.NoError(t, err)
	assert.NotEqual(t, blk, got)
	e.DataRecoveryDone()
}
