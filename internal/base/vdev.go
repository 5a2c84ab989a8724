package base

import (
	"encoding/binary"
	"fmt"
)

// VdevType tags a virtual device with the block store flavor that owns it.
// The numeric values are persisted in the vdev catalog and in the leading
// field of every context blob; they must never be renumbered.
type VdevType uint32

const (
	VdevData       VdevType = 1
	VdevIndex      VdevType = 2
	VdevSuperblock VdevType = 3 // deprecated, never created on fresh fleets
	VdevLogDev     VdevType = 4
	VdevMeta       VdevType = 5
)

func (t VdevType) IsValid() bool {
	return t >= VdevData && t <= VdevMeta
}

func (t VdevType) String() string {
	switch t {
	case VdevData:
		return "data"
	case VdevIndex:
		return "index"
	case VdevSuperblock:
		return "superblock"
	case VdevLogDev:
		return "logdev"
	case VdevMeta:
		return "meta"
	default:
		return fmt.Sprintf("vdev(%d)", uint32(t))
	}
}

// MaxContextLen caps the opaque context blob a vdev record can carry.
const MaxContextLen = 256

// StoreBlob is the decoded form of a vdev's context blob. The leading type
// tag drives which block store constructor runs at reattach. Root is only
// meaningful for the deprecated superblock store, where it points at the
// application's boot record.
type StoreBlob struct {
	Type VdevType
	Root BlkId
}

// EncodeStoreBlob produces the persistent context blob. Plain stores encode
// only the tag; the superblock store additionally carries its root BlkId.
func EncodeStoreBlob(b StoreBlob) []byte {
	buf := make([]byte, 0, 4+blkIdEncodedSize)
	buf = appendUint32(buf, uint32(b.Type))
	if b.Type == VdevSuperblock {
		buf = EncodeBlkId(buf, b.Root)
	}
	return buf
}

// DecodeStoreBlob parses a context blob read back from a vdev record.
func DecodeStoreBlob(src []byte) (StoreBlob, error) {
	if len(src) < 4 {
		return StoreBlob{}, fmt.Errorf("store blob: short buffer (%d bytes)", len(src))
	}
	blob := StoreBlob{Type: VdevType(readUint32(src[0:4])), Root: InvalidBlkId}
	if !blob.Type.IsValid() {
		return StoreBlob{}, fmt.Errorf("store blob: unknown store type %d", uint32(blob.Type))
	}
	if blob.Type == VdevSuperblock {
		root, _, err := DecodeBlkId(src[4:])
		if err != nil {
			return StoreBlob{}, fmt.Errorf("store blob: %w", err)
		}
		blob.Root = root
	}
	return blob, nil
}

func appendUint32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

func readUint32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}
