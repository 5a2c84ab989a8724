package device

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"bedrock/internal/base"
)

// RegisterParams describe a new vdev.
type RegisterParams struct {
	Type     base.VdevType
	Size     uint64
	PageSize uint32
	Mirrors  uint32
	Context  []byte
	Failed   bool
}

// Manager exclusively owns the raw devices behind one engine instance. It
// partitions them into vdevs, persists the vdev catalog redundantly, and
// rediscovers it on reattach.
type Manager struct {
	log         *slog.Logger
	onVdevError func(*Vdev)

	mu        sync.Mutex
	attrs     Attrs
	devs      []*pdev
	catalog   []byte
	vdevs     map[uint32]*Vdev
	nextID    uint32
	cursor    []int64
	firstBoot bool
	fleetID   uuid.UUID
	closed    bool
}

func NewManager(log *slog.Logger, onVdevError func(*Vdev)) *Manager {
	return &Manager{
		log:         log.With("component", "devmgr"),
		onVdevError: onVdevError,
		vdevs:       make(map[uint32]*Vdev),
		nextID:      1,
	}
}

// AddDevices opens every device, derives and cross-checks drive attributes,
// and either discovers a previously initialized fleet (returns false) or
// writes a fresh layout (returns true).
func (m *Manager) AddDevices(paths []string, override *Attrs) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(paths) == 0 {
		return false, fmt.Errorf("no devices given")
	}
	if len(paths) > maxDevices {
		return false, fmt.Errorf("at most %d devices supported, got %d", maxDevices, len(paths))
	}

	for i, path := range paths {
		dev, err := openPdev(path)
		if err != nil {
			m.closeDevsLocked()
			return false, err
		}
		m.devs = append(m.devs, dev)

		attrs := probeAttrs(path)
		if override != nil {
			attrs = *override
		}
		if i == 0 {
			m.attrs = attrs
		} else if attrs != m.attrs {
			m.closeDevsLocked()
			return false, fmt.Errorf("%w: %s", ErrIncompatibleDrives, path)
		}
		if dev.size < dataStart+int64(m.attrs.PhysPageSize) {
			m.closeDevsLocked()
			return false, fmt.Errorf("%w: device %s too small", ErrInsufficientCapacity, path)
		}
	}

	header, found, err := m.readFleetHeaderLocked()
	if err != nil {
		m.closeDevsLocked()
		return false, err
	}

	m.cursor = make([]int64, len(m.devs))
	for i := range m.cursor {
		m.cursor[i] = dataStart
	}

	if !found {
		if err := m.formatLocked(); err != nil {
			m.closeDevsLocked()
			return false, err
		}
		m.firstBoot = true
		m.log.Info("formatted fresh fleet", "fleet_id", m.fleetID, "devices", len(m.devs))
		return true, nil
	}

	if int(header.devCount) != len(m.devs) {
		m.closeDevsLocked()
		return false, fmt.Errorf("%w: fleet was created with %d devices, %d attached",
			ErrCorruptLayout, header.devCount, len(m.devs))
	}
	m.fleetID = header.fleetID
	if err := m.loadCatalogLocked(); err != nil {
		m.closeDevsLocked()
		return false, err
	}
	m.log.Info("reattached fleet", "fleet_id", m.fleetID, "vdevs", len(m.vdevs))
	return false, nil
}

// readFleetHeaderLocked tries each header-carrying device in turn. A valid
// header wins; a damaged header is only fatal if no replica is intact; no
// header at all means first boot.
func (m *Manager) readFleetHeaderLocked() (fleetHeader, bool, error) {
	var lastErr error
	copies := headerCopies
	if len(m.devs) < copies {
		copies = len(m.devs)
	}
	for i := 0; i < copies; i++ {
		page := make([]byte, headerPageSize)
		if err := m.devs[i].readAt(0, page); err != nil {
			lastErr = fmt.Errorf("%w: read header from %s: %v", ErrDeviceIO, m.devs[i].path, err)
			continue
		}
		header, present, err := decodeFleetHeader(page)
		if err != nil {
			lastErr = err
			continue
		}
		if !present {
			continue
		}
		return header, true, nil
	}
	if lastErr != nil {
		return fleetHeader{}, false, lastErr
	}
	return fleetHeader{}, false, nil
}

func (m *Manager) formatLocked() error {
	header := newFleetHeader(len(m.devs))
	m.fleetID = header.fleetID
	m.catalog = make([]byte, catalogBytes)

	page := encodeFleetHeader(header)
	copies := headerCopies
	if len(m.devs) < copies {
		copies = len(m.devs)
	}
	for i := 0; i < copies; i++ {
		if err := m.devs[i].writeAt(0, page); err != nil {
			return fmt.Errorf("%w: format %s: %v", ErrDeviceIO, m.devs[i].path, err)
		}
	}
	return m.writeCatalogLocked()
}

func (m *Manager) loadCatalogLocked() error {
	var lastErr error
	copies := headerCopies
	if len(m.devs) < copies {
		copies = len(m.devs)
	}
	for i := 0; i < copies; i++ {
		catalog := make([]byte, catalogBytes)
		if err := m.devs[i].readAt(headerPageSize, catalog); err != nil {
			lastErr = fmt.Errorf("%w: read catalog from %s: %v", ErrDeviceIO, m.devs[i].path, err)
			continue
		}
		if err := m.buildVdevsLocked(catalog); err != nil {
			lastErr = err
			continue
		}
		m.catalog = catalog
		return nil
	}
	return lastErr
}

func (m *Manager) buildVdevsLocked(catalog []byte) error {
	vdevs := make(map[uint32]*Vdev)
	cursor := make([]int64, len(m.devs))
	for i := range cursor {
		cursor[i] = dataStart
	}
	nextID := uint32(1)

	for slot := 0; slot < catalogSlots; slot++ {
		rec, err := decodeVdevRecord(catalog[slot*vdevRecordSize : (slot+1)*vdevRecordSize])
		if err != nil {
			return err
		}
		if rec.id == 0 {
			continue
		}
		v := &Vdev{
			ID:       rec.id,
			Type:     rec.typ,
			Size:     rec.size,
			PageSize: rec.pageSize,
			Mirrors:  rec.mirrors,
			ctx:      rec.ctx,
			extents:  rec.extents,
			mgr:      m,
		}
		v.failed.Store(rec.failed)
		for _, ext := range rec.extents {
			if int(ext.dev) >= len(m.devs) {
				return fmt.Errorf("%w: vdev %d references device %d", ErrCorruptLayout, rec.id, ext.dev)
			}
			if end := ext.offset + ext.size; end > cursor[ext.dev] {
				cursor[ext.dev] = end
			}
		}
		vdevs[rec.id] = v
		if rec.id >= nextID {
			nextID = rec.id + 1
		}
	}

	m.vdevs = vdevs
	m.cursor = cursor
	m.nextID = nextID
	return nil
}

// RegisterVdev reserves capacity across the fleet, persists the vdev record
// redundantly, and returns the handle.
func (m *Manager) RegisterVdev(params RegisterParams) (*Vdev, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextID > catalogSlots {
		return nil, fmt.Errorf("vdev catalog full (%d slots)", catalogSlots)
	}
	if len(params.Context) > base.MaxContextLen {
		return nil, fmt.Errorf("context blob %d bytes exceeds ceiling %d", len(params.Context), base.MaxContextLen)
	}
	if params.PageSize == 0 {
		params.PageSize = m.attrs.PhysPageSize
	}

	size := roundUp(params.Size, uint64(m.attrs.PhysPageSize))
	perDev := roundUp(size/uint64(len(m.devs)), uint64(m.attrs.PhysPageSize))
	if perDev == 0 {
		perDev = uint64(m.attrs.PhysPageSize)
	}

	extents := make([]chunkExtent, len(m.devs))
	for i, dev := range m.devs {
		if m.cursor[i]+int64(perDev) > dev.size {
			return nil, fmt.Errorf("%w: vdev %s needs %d bytes on %s", ErrInsufficientCapacity,
				params.Type, perDev, dev.path)
		}
		extents[i] = chunkExtent{dev: uint32(i), offset: m.cursor[i], size: int64(perDev)}
	}
	for i := range m.devs {
		m.cursor[i] += int64(perDev)
	}

	v := &Vdev{
		ID:       m.nextID,
		Type:     params.Type,
		Size:     perDev * uint64(len(m.devs)),
		PageSize: params.PageSize,
		Mirrors:  params.Mirrors,
		ctx:      append([]byte(nil), params.Context...),
		extents:  extents,
		mgr:      m,
	}
	v.failed.Store(params.Failed)
	m.nextID++
	m.vdevs[v.ID] = v

	if err := m.persistVdevLocked(v); err != nil {
		return nil, err
	}
	m.log.Info("registered vdev", "id", v.ID, "type", v.Type, "size", v.Size, "page_size", v.PageSize)
	return v, nil
}

// EnumerateVdevs invokes sink once per persisted vdev in id order.
func (m *Manager) EnumerateVdevs(sink func(*Vdev) error) error {
	m.mu.Lock()
	ids := make([]uint32, 0, len(m.vdevs))
	for id := range m.vdevs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		m.mu.Lock()
		v := m.vdevs[id]
		m.mu.Unlock()
		if err := sink(v); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) updateVdevContext(v *Vdev, blob []byte) error {
	if len(blob) > base.MaxContextLen {
		return fmt.Errorf("context blob %d bytes exceeds ceiling %d", len(blob), base.MaxContextLen)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ctx = append([]byte(nil), blob...)
	return m.persistVdevLocked(v)
}

// MarkVdevFailed flags the vdev failed, persists the flag, and reports it
// through the out-of-band error hook. Subsequent I/O against the vdev
// fails with ErrVdevFailed.
func (m *Manager) MarkVdevFailed(v *Vdev) {
	m.markVdevFailed(v)
}

func (m *Manager) markVdevFailed(v *Vdev) {
	if v.failed.Swap(true) {
		return
	}
	m.mu.Lock()
	err := m.persistVdevLocked(v)
	m.mu.Unlock()
	if err != nil {
		m.log.Error("persisting failed flag", "vdev", v.ID, "err", err)
	}
	m.log.Error("vdev failed", "vdev", v.ID, "type", v.Type)
	if m.onVdevError != nil {
		go m.onVdevError(v)
	}
}

func (m *Manager) persistVdevLocked(v *Vdev) error {
	rec := vdevRecord{
		id:       v.ID,
		typ:      v.Type,
		size:     v.Size,
		pageSize: v.PageSize,
		mirrors:  v.Mirrors,
		failed:   v.failed.Load(),
		ctx:      v.ctx,
		extents:  v.extents,
	}
	slot := int(v.ID - 1)
	copy(m.catalog[slot*vdevRecordSize:(slot+1)*vdevRecordSize], encodeVdevRecord(rec))
	return m.writeCatalogLocked()
}

func (m *Manager) writeCatalogLocked() error {
	copies := headerCopies
	if len(m.devs) < copies {
		copies = len(m.devs)
	}
	for i := 0; i < copies; i++ {
		if err := m.devs[i].writeAt(headerPageSize, m.catalog); err != nil {
			return fmt.Errorf("%w: write catalog to %s: %v", ErrDeviceIO, m.devs[i].path, err)
		}
	}
	return nil
}

// TotalCapacity is the usable capacity across all devices, excluding the
// layout metadata region.
func (m *Manager) TotalCapacity() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, dev := range m.devs {
		usable := uint64(dev.size - dataStart)
		total += usable / uint64(m.attrs.PhysPageSize) * uint64(m.attrs.PhysPageSize)
	}
	return total
}

func (m *Manager) FirstTimeBoot() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstBoot
}

func (m *Manager) Attrs() Attrs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attrs
}

func (m *Manager) NumDevices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devs)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.closeDevsLocked()
}

func (m *Manager) closeDevsLocked() error {
	var errs *multierror.Error
	for _, dev := range m.devs {
		if err := dev.close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", dev.path, err))
		}
	}
	m.devs = nil
	return errs.ErrorOrNil()
}
