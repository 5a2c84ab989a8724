package device

import "errors"

var (
	// ErrIncompatibleDrives is returned when the attached devices do not
	// report identical drive attributes.
	ErrIncompatibleDrives = errors.New("devices report incompatible drive attributes")

	// ErrInsufficientCapacity is returned when a vdev registration asks for
	// more space than the devices have left.
	ErrInsufficientCapacity = errors.New("insufficient device capacity")

	// ErrCorruptLayout is returned when neither copy of the fleet header or
	// vdev catalog survives checksum validation.
	ErrCorruptLayout = errors.New("persisted device layout is corrupt")

	// ErrDeviceIO wraps an unrecoverable I/O error from the raw device. The
	// owning vdev is marked failed before this is surfaced.
	ErrDeviceIO = errors.New("device i/o error")

	// ErrVdevFailed is returned for any operation against a vdev whose
	// failed flag is set.
	ErrVdevFailed = errors.New("vdev is in failed state")

	errDeviceLocked = errors.New("device is locked by another process")
)
