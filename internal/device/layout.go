package device

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"bedrock/internal/base"
)

// Persisted layout, per device:
//
//	page 0                  fleet header (duplicated to min(#devices, 2))
//	pages 1..4              vdev catalog, 32 slots of 512 bytes each,
//	                        written redundantly to the first two devices
//	dataStart..             per-vdev data areas
const (
	fleetMagic    uint64 = 0x4245_4452_424c_4b31 // "BEDRBLK1"
	layoutVersion uint32 = 1

	headerPageSize = 4096
	catalogSlots   = 32
	vdevRecordSize = 512
	catalogBytes   = catalogSlots * vdevRecordSize

	// dataStart is where vdev data areas begin on every device.
	dataStart = headerPageSize + catalogBytes

	// maxDevices bounds a fleet; one chunk per device per vdev.
	maxDevices = 8

	// headerCopies is how many devices carry the fleet header and catalog.
	headerCopies = 2
)

type fleetHeader struct {
	version   uint32
	devCount  uint32
	fleetID   uuid.UUID
	createdAt int64
}

const fleetHeaderLen = 8 + 4 + 4 + 16 + 8 // through createdAt, then crc

func encodeFleetHeader(h fleetHeader) []byte {
	page := make([]byte, headerPageSize)
	binary.LittleEndian.PutUint64(page[0:8], fleetMagic)
	binary.LittleEndian.PutUint32(page[8:12], h.version)
	binary.LittleEndian.PutUint32(page[12:16], h.devCount)
	copy(page[16:32], h.fleetID[:])
	binary.LittleEndian.PutUint64(page[32:40], uint64(h.createdAt))
	binary.LittleEndian.PutUint64(page[fleetHeaderLen:fleetHeaderLen+8], xxhash.Sum64(page[:fleetHeaderLen]))
	return page
}

// decodeFleetHeader parses a header page. ok=false means the page carries no
// header at all (fresh device); an error means it carries a damaged one.
func decodeFleetHeader(page []byte) (fleetHeader, bool, error) {
	if binary.LittleEndian.Uint64(page[0:8]) != fleetMagic {
		return fleetHeader{}, false, nil
	}
	sum := binary.LittleEndian.Uint64(page[fleetHeaderLen : fleetHeaderLen+8])
	if sum != xxhash.Sum64(page[:fleetHeaderLen]) {
		return fleetHeader{}, true, fmt.Errorf("fleet header: %w", ErrCorruptLayout)
	}
	h := fleetHeader{
		version:   binary.LittleEndian.Uint32(page[8:12]),
		devCount:  binary.LittleEndian.Uint32(page[12:16]),
		createdAt: int64(binary.LittleEndian.Uint64(page[32:40])),
	}
	copy(h.fleetID[:], page[16:32])
	if h.version != layoutVersion {
		return fleetHeader{}, true, fmt.Errorf("fleet header version %d: %w", h.version, ErrCorruptLayout)
	}
	return h, true, nil
}

func newFleetHeader(devCount int) fleetHeader {
	return fleetHeader{
		version:   layoutVersion,
		devCount:  uint32(devCount),
		fleetID:   uuid.New(),
		createdAt: time.Now().Unix(),
	}
}

// chunkExtent is one vdev's slice of one device.
type chunkExtent struct {
	dev    uint32
	offset int64
	size   int64
}

// vdevRecord is the persistent descriptor of one vdev, one catalog slot.
// A slot with id 0 is empty.
type vdevRecord struct {
	id       uint32
	typ      base.VdevType
	size     uint64
	pageSize uint32
	mirrors  uint32
	failed   bool
	ctx      []byte
	extents  []chunkExtent
}

const (
	recCtxOff     = 36
	recExtentsOff = recCtxOff + base.MaxContextLen
	recExtentLen  = 4 + 8 + 8
	recCrcOff     = vdevRecordSize - 8
)

func encodeVdevRecord(rec vdevRecord) []byte {
	slot := make([]byte, vdevRecordSize)
	binary.LittleEndian.PutUint32(slot[0:4], rec.id)
	binary.LittleEndian.PutUint32(slot[4:8], uint32(rec.typ))
	binary.LittleEndian.PutUint64(slot[8:16], rec.size)
	binary.LittleEndian.PutUint32(slot[16:20], rec.pageSize)
	binary.LittleEndian.PutUint32(slot[20:24], rec.mirrors)
	if rec.failed {
		slot[24] = 1
	}
	binary.LittleEndian.PutUint32(slot[28:32], uint32(len(rec.extents)))
	binary.LittleEndian.PutUint32(slot[32:36], uint32(len(rec.ctx)))
	copy(slot[recCtxOff:recCtxOff+base.MaxContextLen], rec.ctx)
	for i, ext := range rec.extents {
		off := recExtentsOff + i*recExtentLen
		binary.LittleEndian.PutUint32(slot[off:off+4], ext.dev)
		binary.LittleEndian.PutUint64(slot[off+4:off+12], uint64(ext.offset))
		binary.LittleEndian.PutUint64(slot[off+12:off+20], uint64(ext.size))
	}
	binary.LittleEndian.PutUint64(slot[recCrcOff:], xxhash.Sum64(slot[:recCrcOff]))
	return slot
}

func decodeVdevRecord(slot []byte) (vdevRecord, error) {
	id := binary.LittleEndian.Uint32(slot[0:4])
	if id == 0 {
		return vdevRecord{}, nil
	}
	if binary.LittleEndian.Uint64(slot[recCrcOff:recCrcOff+8]) != xxhash.Sum64(slot[:recCrcOff]) {
		return vdevRecord{}, fmt.Errorf("vdev record %d: %w", id, ErrCorruptLayout)
	}
	rec := vdevRecord{
		id:       id,
		typ:      base.VdevType(binary.LittleEndian.Uint32(slot[4:8])),
		size:     binary.LittleEndian.Uint64(slot[8:16]),
		pageSize: binary.LittleEndian.Uint32(slot[16:20]),
		mirrors:  binary.LittleEndian.Uint32(slot[20:24]),
		failed:   slot[24] == 1,
	}
	nchunks := binary.LittleEndian.Uint32(slot[28:32])
	ctxLen := binary.LittleEndian.Uint32(slot[32:36])
	if ctxLen > base.MaxContextLen || nchunks > maxDevices {
		return vdevRecord{}, fmt.Errorf("vdev record %d: %w", id, ErrCorruptLayout)
	}
	rec.ctx = append([]byte(nil), slot[recCtxOff:recCtxOff+ctxLen]...)
	rec.extents = make([]chunkExtent, nchunks)
	for i := range rec.extents {
		off := recExtentsOff + i*recExtentLen
		rec.extents[i] = chunkExtent{
			dev:    binary.LittleEndian.Uint32(slot[off : off+4]),
			offset: int64(binary.LittleEndian.Uint64(slot[off+4 : off+12])),
			size:   int64(binary.LittleEndian.Uint64(slot[off+12 : off+20])),
		}
	}
	return rec, nil
}

func roundUp(v uint64, align uint64) uint64 {
	return (v + align - 1) / align * align
}
