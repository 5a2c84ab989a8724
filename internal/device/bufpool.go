package device

import (
	"sync"

	"github.com/ncw/directio"
)

// Direct I/O requires transfer buffers aligned to the device's alignment
// size. Callers hand the engine ordinary slices, so every direct transfer
// stages through an aligned bounce buffer. Single pages dominate the I/O
// mix, so those are recycled through a pool; larger transfers allocate
// fresh aligned blocks.
var pagePool = sync.Pool{
	New: func() any {
		return directio.AlignedBlock(directio.BlockSize)
	},
}

// alignedBuf returns an alignment-safe buffer of at least n bytes, rounded
// up to a block multiple. Pass the result to releaseAligned when done.
func alignedBuf(n int) []byte {
	if n <= directio.BlockSize {
		return pagePool.Get().([]byte)
	}
	blocks := (n + directio.BlockSize - 1) / directio.BlockSize
	return directio.AlignedBlock(blocks * directio.BlockSize)
}

func releaseAligned(buf []byte) {
	if cap(buf) == directio.BlockSize {
		pagePool.Put(buf[:directio.BlockSize])
	}
}
