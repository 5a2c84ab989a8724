// Package engine binds the block-store substrate and the log service into
// one handle: first-boot partitioning of raw devices into typed vdevs,
// discovery-based reattach, lifecycle, and capacity reporting. Construct
// one Engine per fleet and thread it through; dropping the handle and
// re-opening the same devices is a full restart.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"bedrock/internal/base"
	"bedrock/internal/blkstore"
	"bedrock/internal/cache"
	"bedrock/internal/device"
	"bedrock/internal/logdev"
	"bedrock/internal/meta"
	"bedrock/internal/resource"
)

// First-boot sizing, in percent of total capacity. The remainder is slack.
const (
	dataSharePct   = 90
	indexSharePct  = 2
	logdevSharePct = 1
	metaSharePct   = 1
)

// CapAttrs is the engine's capacity report.
type CapAttrs struct {
	UsedDataSize     uint64
	UsedIndexSize    uint64
	UsedTotalSize    uint64
	InitialTotalSize uint64
}

// Engine is the top-level handle over one fleet of raw devices.
type Engine struct {
	cfg Config
	log *slog.Logger

	res      *resource.Manager
	cache    *cache.Cache
	devMgr   *device.Manager
	registry *prometheus.Registry

	data    *blkstore.Store
	index   *blkstore.Store
	sb      *blkstore.Store
	logBlk  *blkstore.Store
	metaBlk *blkstore.Store

	metaMgr *meta.Mgr
	logSvc  *logdev.Service

	sbRoot       base.BlkId
	minIOSize    uint32
	dataPageSize uint32
	firstBoot    bool
	closed       bool
}

// Open validates the config, attaches the devices, and brings the engine
// up: on first boot it lays out the standard vdevs, on reattach it
// rediscovers them from the persisted catalog and replays the log service.
func Open(cfg Config) (*Engine, error) {
	cfg.normalize()
	if err := cfg.check(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "engine"),
		registry: prometheus.NewRegistry(),
		res:      resource.New(cfg.MemReleaseRate),
		metaMgr:  meta.NewMgr(cfg.Logger),
	}
	e.devMgr = device.NewManager(cfg.Logger, func(v *device.Vdev) {
		if cfg.OnVdevError != nil {
			cfg.OnVdevError(v.ID)
		}
	})

	if err := e.initDevices(); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) initDevices() error {
	firstBoot, err := e.devMgr.AddDevices(e.cfg.Devices, e.cfg.DriveAttrs)
	if err != nil {
		return err
	}
	e.firstBoot = firstBoot

	attrs := e.devMgr.Attrs()
	e.dataPageSize = e.cfg.MinVirtualPageSize
	if e.dataPageSize == 0 {
		e.dataPageSize = attrs.AtomicPageSize
	}
	e.minIOSize = e.dataPageSize
	if attrs.AtomicPageSize < e.minIOSize {
		e.minIOSize = attrs.AtomicPageSize
	}

	totalCap := e.devMgr.TotalCapacity()
	e.res.SetTotalCap(totalCap)
	e.res.StartReclaimer()
	e.cache = cache.New(e.res.CacheSize())
	e.log.Info("engine starting", "first_boot", firstBoot, "total_cap", totalCap,
		"min_io_size", e.minIOSize, "cache_size", e.res.CacheSize())

	if firstBoot {
		if err := e.createStores(totalCap, attrs); err != nil {
			return err
		}
	} else {
		if err := e.devMgr.EnumerateVdevs(e.attachVdev); err != nil {
			return err
		}
		for name, store := range map[string]*blkstore.Store{
			"data": e.data, "index": e.index, "logdev": e.logBlk, "meta": e.metaBlk,
		} {
			if store == nil {
				return fmt.Errorf("%w: %s vdev missing from catalog", ErrCorruptLayout, name)
			}
		}
	}

	// Allocator checkpoints round-trip through the meta registry; register
	// the reload handlers before the registry scans.
	e.registerAllocHandlers()
	e.logSvc = logdev.NewService(e.logBlk, e.metaMgr, e.cfg.Logger, logdev.NewMetrics(e.registry))

	if err := e.metaMgr.Start(e.metaBlk, e.firstBoot); err != nil {
		return err
	}
	if e.firstBoot || e.cfg.AutoRecovery {
		if err := e.logSvc.Start(e.firstBoot); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) createStores(totalCap uint64, attrs device.Attrs) error {
	type plan struct {
		typ      base.VdevType
		pct      uint64
		pageSize uint32
		mode     blkstore.CacheMode
		comp     blkstore.CompletionFn
		dst      **blkstore.Store
	}
	plans := []plan{
		{base.VdevData, dataSharePct, e.dataPageSize, blkstore.WriteBack, e.cfg.DataCompletion, &e.data},
		{base.VdevIndex, indexSharePct, attrs.AtomicPageSize, blkstore.ReadModifyWriteBack, nil, &e.index},
		{base.VdevLogDev, logdevSharePct, attrs.AtomicPageSize, blkstore.PassThru, nil, &e.logBlk},
		{base.VdevMeta, metaSharePct, attrs.AtomicPageSize, blkstore.PassThru, nil, &e.metaBlk},
	}
	for _, p := range plans {
		size := totalCap * p.pct / 100
		vdev, err := e.devMgr.RegisterVdev(device.RegisterParams{
			Type:     p.typ,
			Size:     size,
			PageSize: p.pageSize,
			Context:  base.EncodeStoreBlob(base.StoreBlob{Type: p.typ, Root: base.InvalidBlkId}),
		})
		if err != nil {
			return err
		}
		store, err := e.newStore(vdev, p.mode, 0, p.pageSize, p.comp)
		if err != nil {
			return err
		}
		*p.dst = store
	}
	return nil
}

// attachVdev is the reattach dispatch site: the context blob's leading tag
// decides which constructor runs. A failed vdev aborts start-up here.
func (e *Engine) attachVdev(vdev *device.Vdev) error {
	blob, err := base.DecodeStoreBlob(vdev.Context())
	if err != nil {
		return fmt.Errorf("%w: vdev %d: %v", ErrCorruptLayout, vdev.ID, err)
	}
	attrs := e.devMgr.Attrs()

	switch blob.Type {
	case base.VdevData:
		e.data, err = e.newStore(vdev, blkstore.WriteBack, 0, e.dataPageSize, e.cfg.DataCompletion)
	case base.VdevIndex:
		e.index, err = e.newStore(vdev, blkstore.ReadModifyWriteBack, 0, attrs.AtomicPageSize, nil)
	case base.VdevSuperblock:
		e.sb, err = e.newStore(vdev, blkstore.PassThru, vdev.Mirrors, attrs.AtomicPageSize, nil)
		if err == nil {
			if !blob.Root.IsValid() {
				return fmt.Errorf("superblock store: %w", ErrInitFailed)
			}
			e.sbRoot = blob.Root
		}
	case base.VdevLogDev:
		e.logBlk, err = e.newStore(vdev, blkstore.PassThru, 0, attrs.AtomicPageSize, nil)
	case base.VdevMeta:
		e.metaBlk, err = e.newStore(vdev, blkstore.PassThru, 0, attrs.AtomicPageSize, nil)
	default:
		err = fmt.Errorf("%w: unknown store type %d", ErrCorruptLayout, blob.Type)
	}
	return err
}

func (e *Engine) newStore(vdev *device.Vdev, mode blkstore.CacheMode, mirrors uint32,
	pageSize uint32, comp blkstore.CompletionFn) (*blkstore.Store, error) {
	return blkstore.New(blkstore.Config{
		Name:       vdev.Type.String(),
		Vdev:       vdev,
		Cache:      e.cache,
		Mode:       mode,
		Mirrors:    mirrors,
		PageSize:   pageSize,
		Completion: comp,
		Logger:     e.cfg.Logger,
		Metrics:    blkstore.NewMetrics(e.registry, vdev.Type.String()),
	})
}

func (e *Engine) registerAllocHandlers() {
	for name, store := range map[string]*blkstore.Store{
		"BLKALLOC_data":  e.data,
		"BLKALLOC_index": e.index,
	} {
		store := store
		e.metaMgr.Register(name, store.LoadAllocState, nil)
		blkName := name
		store.SetAllocPersister(func(blob []byte) error {
			return e.metaMgr.Put(blkName, blob)
		})
	}
}

// DataStore is the WRITEBACK-cached 90% store for user data blocks.
func (e *Engine) DataStore() *blkstore.Store { return e.data }

// IndexStore is the RMW-cached store backing the index layer. Adapt it to
// a typed view with blkstore.TypedIndex.
func (e *Engine) IndexStore() *blkstore.Store { return e.index }

// SBStore is the deprecated superblock store, present only on reattached
// legacy fleets; nil otherwise.
func (e *Engine) SBStore() *blkstore.Store { return e.sb }

// MetaStore backs the meta-block registry.
func (e *Engine) MetaStore() *blkstore.Store { return e.metaBlk }

// MetaMgr is the named-superblock registry.
func (e *Engine) MetaMgr() *meta.Mgr { return e.metaMgr }

// LogService is the multi-stream write-ahead log service.
func (e *Engine) LogService() *logdev.Service { return e.logSvc }

// Registry exposes the engine's metrics for scraping.
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

func (e *Engine) FirstTimeBoot() bool { return e.firstBoot }

// MinIOSize is min(min_virtual_page_size, atomic physical page size).
func (e *Engine) MinIOSize() uint32 { return e.minIOSize }

// GetSystemCapacity reports used and initial sizes across data and index.
func (e *Engine) GetSystemCapacity() CapAttrs {
	attrs := CapAttrs{
		UsedDataSize:  e.data.UsedSize(),
		UsedIndexSize: e.index.UsedSize(),
	}
	attrs.UsedTotalSize = attrs.UsedDataSize + attrs.UsedIndexSize
	attrs.InitialTotalSize = e.data.Size() + e.index.Size()
	return attrs
}

// AllocSBBlk allocates a contiguous run from the superblock store for
// bootstrap records. Only legacy fleets carry one.
func (e *Engine) AllocSBBlk(sz uint64) (base.BlkId, error) {
	if e.sb == nil {
		return base.InvalidBlkId, ErrNoSuperblockStore
	}
	hints := blkstore.DefaultHints()
	hints.Contiguous = true
	return e.sb.AllocContiguous(sz, hints)
}

// DataRecoveryDone marks the data allocator consistent after the owner has
// reconciled outstanding operations. No-op on first boot.
func (e *Engine) DataRecoveryDone() {
	if !e.firstBoot {
		e.data.RecoveryDone()
	}
}

// IndexRecoveryDone is DataRecoveryDone for the index store.
func (e *Engine) IndexRecoveryDone() {
	if !e.firstBoot {
		e.index.RecoveryDone()
	}
}

// BlkAllocAttachPrepareCP begins the next global allocator checkpoint.
func (e *Engine) BlkAllocAttachPrepareCP(cur map[string]*blkstore.AllocCP) map[string]*blkstore.AllocCP {
	next := make(map[string]*blkstore.AllocCP, 2)
	next["data"] = e.data.AttachPrepareCP(cur["data"])
	next["index"] = e.index.AttachPrepareCP(cur["index"])
	return next
}

// BlkAllocCPStart seals the prepared checkpoint: both allocators' states
// become the persisted truth.
func (e *Engine) BlkAllocCPStart(cp map[string]*blkstore.AllocCP) error {
	if err := e.data.CPStart(cp["data"]); err != nil {
		return err
	}
	return e.index.CPStart(cp["index"])
}

// CreateLogStore registers a new log stream.
func (e *Engine) CreateLogStore(appendMode bool) (*logdev.LogStore, error) {
	return e.logSvc.CreateLogStore(appendMode)
}

// OpenLogStore reattaches to an existing stream; hooks runs before any
// buffered replay is drained.
func (e *Engine) OpenLogStore(id uint32, hooks func(*logdev.LogStore)) (*logdev.LogStore, error) {
	return e.logSvc.OpenLogStore(id, hooks)
}

// DeviceTruncate runs one global safe-truncation round over all streams.
func (e *Engine) DeviceTruncate() (base.LogDevKey, error) {
	return e.logSvc.DeviceTruncate()
}

// Close quiesces issued I/O and shuts the engine down: log service first,
// then a final meta flush, then the devices. The handle is dead afterward;
// re-open the same devices for a restart.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	var errs *multierror.Error
	if e.logSvc != nil {
		if err := e.logSvc.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("log service: %w", err))
		}
	}
	if e.metaMgr != nil && e.metaBlk != nil {
		if err := e.metaMgr.Flush(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("meta flush: %w", err))
		}
	}
	if err := e.devMgr.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("devices: %w", err))
	}
	e.res.Close()
	e.log.Info("engine closed")
	return errs.ErrorOrNil()
}
