package base

import "fmt"

// BlkId identifies a contiguous run of pages within one vdev. Chunk is the
// chunk index within the vdev, Offset is the page offset within that chunk,
// and NBlks is the number of contiguous pages. A BlkId is valid only between
// the allocation that produced it and the free that retires it; addressing a
// store with a BlkId it never handed out is a caller bug.
type BlkId struct {
	Chunk  uint32
	Offset uint32
	NBlks  uint32
}

// InvalidBlkId is the distinguished not-a-block sentinel.
var InvalidBlkId = BlkId{Chunk: ^uint32(0), Offset: ^uint32(0), NBlks: 0}

func (b BlkId) IsValid() bool {
	return b != InvalidBlkId && b.NBlks > 0
}

func (b BlkId) String() string {
	if !b.IsValid() {
		return "blk(invalid)"
	}
	return fmt.Sprintf("blk(%d/%d+%d)", b.Chunk, b.Offset, b.NBlks)
}

const blkIdEncodedSize = 12

// EncodeBlkId appends the 12-byte wire form of b to dst.
func EncodeBlkId(dst []byte, b BlkId) []byte {
	dst = appendUint32(dst, b.Chunk)
	dst = appendUint32(dst, b.Offset)
	dst = appendUint32(dst, b.NBlks)
	return dst
}

// DecodeBlkId reads a BlkId from the front of src and returns the remainder.
func DecodeBlkId(src []byte) (BlkId, []byte, error) {
	if len(src) < blkIdEncodedSize {
		return InvalidBlkId, src, fmt.Errorf("blkid: short buffer (%d bytes)", len(src))
	}
	b := BlkId{
		Chunk:  readUint32(src[0:4]),
		Offset: readUint32(src[4:8]),
		NBlks:  readUint32(src[8:12]),
	}
	return b, src[blkIdEncodedSize:], nil
}
