package logdev

import "errors"

var (
	// ErrOutOfRange is returned for reads or truncations against LSNs that
	// are truncated, gap-filled, or were never written.
	ErrOutOfRange = errors.New("sequence number out of range")

	// ErrAlreadyIssued is returned when a write targets an LSN that already
	// holds a record.
	ErrAlreadyIssued = errors.New("sequence number already issued")

	// ErrNotInAppendMode is returned by Append* on a store created for
	// explicit sequence numbering.
	ErrNotInAppendMode = errors.New("log store is not in append mode")

	// ErrSeqOverflow is returned when the append counter would pass the
	// maximum sequence number.
	ErrSeqOverflow = errors.New("sequence number overflow")

	// ErrStoreNotReserved is returned for appends against a store id the
	// log device has no reservation for.
	ErrStoreNotReserved = errors.New("store id not reserved on log device")

	// ErrClosed is returned once the log device has shut down.
	ErrClosed = errors.New("log device is closed")

	// ErrUnknownStore is returned when opening a log store id that was
	// never created.
	ErrUnknownStore = errors.New("unknown log store id")
)
