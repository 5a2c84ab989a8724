package blkstore

import "errors"

var (
	// ErrOutOfSpace is returned when the store's vdev has no free run of
	// the requested length.
	ErrOutOfSpace = errors.New("space not available")

	// ErrInvalidBlkId is returned for operations against a BlkId the store
	// never handed out or already retired.
	ErrInvalidBlkId = errors.New("invalid blkid")
)
