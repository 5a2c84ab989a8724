package device

import "github.com/ncw/directio"

// Attrs are the drive attributes of one raw device. Every device behind a
// single engine instance must report the same attributes; the manager
// rejects mixed fleets at attach time.
type Attrs struct {
	// PhysPageSize is the logical page size all vdev sizing rounds up to.
	PhysPageSize uint32
	// AtomicPageSize is the largest write the media commits atomically.
	AtomicPageSize uint32
	// AlignSize is the buffer/offset alignment required for direct I/O.
	AlignSize uint32
	// OptimalIOSize is the transfer size the device performs best at.
	OptimalIOSize uint32
}

// DefaultAttrs are the attributes assumed for file-backed devices and for
// drives that do not expose their geometry.
func DefaultAttrs() Attrs {
	return Attrs{
		PhysPageSize:   directio.BlockSize,
		AtomicPageSize: directio.BlockSize,
		AlignSize:      directio.AlignSize,
		OptimalIOSize:  directio.BlockSize,
	}
}

// probeAttrs derives the drive attributes for a device path. File-backed
// devices and generic block devices get the direct-I/O defaults; a caller
// that knows better supplies an override through the engine config.
func probeAttrs(string) Attrs {
	return DefaultAttrs()
}
