package engine

import (
	"errors"

	"bedrock/internal/blkstore"
	"bedrock/internal/device"
	"bedrock/internal/logdev"
)

var (
	// ErrInvalidConfig is returned by Open for a config that cannot
	// describe a bootable engine.
	ErrInvalidConfig = errors.New("invalid engine config")

	// ErrInitFailed means a previous initialization attempt left the
	// store unbootable; the caller must explicitly re-initialize.
	ErrInitFailed = errors.New("previous init attempt failed, re-init required")

	// ErrNoSuperblockStore is returned by AllocSBBlk on fleets without the
	// deprecated superblock store (every fleet formatted by this engine).
	ErrNoSuperblockStore = errors.New("no superblock store on this fleet")

	// Boundary errors surfaced from the layers below.
	ErrOutOfSpace         = blkstore.ErrOutOfSpace
	ErrOutOfRange         = logdev.ErrOutOfRange
	ErrVdevFailed         = device.ErrVdevFailed
	ErrIncompatibleDrives = device.ErrIncompatibleDrives
	ErrCorruptLayout      = device.ErrCorruptLayout
)
