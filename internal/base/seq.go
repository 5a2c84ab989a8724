package base

import (
	"fmt"
	"math"
)

// LSN is a per-log-store sequence number. LSNs are signed and monotonic;
// gaps are allowed but must be filled explicitly before contiguity queries
// can advance past them. As records are appended to a store in append mode
// they are assigned increasing LSNs.
type LSN int64

// InvalidLSN is the sentinel for "no sequence number". It is the minimum
// int64, so every valid LSN compares greater than it.
const InvalidLSN LSN = math.MinInt64

// MaxLSN is the largest assignable sequence number. Appending past it is
// rejected rather than wrapped.
const MaxLSN LSN = math.MaxInt64

// LogDevKey is the log device's address for a persisted record: the id of
// the flush batch that carried it and the device byte offset it was written
// at. Keys order by device offset; the device offset is the unit of
// device-side truncation.
type LogDevKey struct {
	Batch     int64
	DevOffset int64
}

// InvalidLogDevKey is the sentinel for "no device key yet".
var InvalidLogDevKey = LogDevKey{Batch: -1, DevOffset: -1}

func (k LogDevKey) IsValid() bool {
	return k.Batch >= 0 && k.DevOffset >= 0
}

// Before reports whether k addresses log space strictly below o.
func (k LogDevKey) Before(o LogDevKey) bool {
	return k.DevOffset < o.DevOffset
}

func (k LogDevKey) String() string {
	if !k.IsValid() {
		return "ldkey(invalid)"
	}
	return fmt.Sprintf("ldkey(%d@%d)", k.Batch, k.DevOffset)
}
