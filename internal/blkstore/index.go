package blkstore

import (
	"errors"

	"bedrock/internal/base"
	"bedrock/internal/cache"
)

// ErrNoMeta is returned when a typed metadata read finds none attached.
var ErrNoMeta = errors.New("no index metadata attached to buffer")

// IndexStore wraps the index block store with a typed view of the metadata
// the index layer attaches to cached buffers. Only the index store carries
// the type parameter; data, log, and meta stores have no use for it.
type IndexStore[B any] struct {
	*Store
}

// TypedIndex adapts the untyped index store to the index layer's buffer
// metadata type.
func TypedIndex[B any](s *Store) *IndexStore[B] {
	return &IndexStore[B]{Store: s}
}

// AttachMeta associates meta with the cached image of blk, reading the
// block in if it is not resident. The returned buffer keeps the entry
// pinned until released.
func (s *IndexStore[B]) AttachMeta(blk base.BlkId, meta B) (*cache.Buf, error) {
	buf, err := s.Read(blk)
	if err != nil {
		return nil, err
	}
	buf.Meta = meta
	return buf, nil
}

// ReadWithMeta reads blk and returns the typed metadata attached to the
// cached buffer, if any.
func (s *IndexStore[B]) ReadWithMeta(blk base.BlkId) (*cache.Buf, B, error) {
	var zero B
	buf, err := s.Read(blk)
	if err != nil {
		return nil, zero, err
	}
	meta, ok := buf.Meta.(B)
	if !ok {
		return buf, zero, ErrNoMeta
	}
	return buf, meta, nil
}
