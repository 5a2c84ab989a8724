package logdev

import (
	"fmt"

	"bedrock/internal/base"
)

// slotState is the lifecycle of one sequence number in a stream. States
// only move forward: EMPTY to ISSUED to COMPLETED, or EMPTY straight to
// GAP-FILLED. A slot below the truncation floor is TRUNCATED by position,
// not by state.
type slotState uint8

const (
	slotEmpty slotState = iota
	slotIssued
	slotCompleted
	slotGapFilled
)

func (s slotState) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotIssued:
		return "issued"
	case slotCompleted:
		return "completed"
	case slotGapFilled:
		return "gap_filled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type slot struct {
	state slotState
	key   base.LogDevKey
}

// streamTracker is the dense record map of one log store: slot i holds the
// state of LSN base+i, with base pinned to the truncation floor plus one.
// Writers are the log device's completion thread for this store plus the
// application thread for gap fills and truncation; a single lock keeps the
// two honest.
type streamTracker struct {
	base base.LSN
	recs []slot
}

func newStreamTracker(start base.LSN) *streamTracker {
	return &streamTracker{base: start}
}

// rebase moves an untouched tracker's floor up to start. Used when replay
// discovers that everything below the first surviving record was truncated
// before the crash.
func (t *streamTracker) rebase(start base.LSN) {
	if len(t.recs) == 0 && start > t.base {
		t.base = start
	}
}

func (t *streamTracker) index(lsn base.LSN) int {
	return int(lsn - t.base)
}

// status returns the state of lsn. Below the floor it reports truncated.
func (t *streamTracker) status(lsn base.LSN) (slot, bool) {
	if lsn < t.base {
		return slot{}, false
	}
	idx := t.index(lsn)
	if idx >= len(t.recs) {
		return slot{state: slotEmpty}, true
	}
	return t.recs[idx], true
}

func (t *streamTracker) ensure(lsn base.LSN) error {
	if lsn < t.base {
		return fmt.Errorf("lsn %d below truncation floor %d: %w", lsn, t.base, ErrOutOfRange)
	}
	idx := t.index(lsn)
	for len(t.recs) <= idx {
		t.recs = append(t.recs, slot{})
	}
	return nil
}

// transition moves lsn to next, enforcing the forward-only state machine.
func (t *streamTracker) transition(lsn base.LSN, next slotState, key base.LogDevKey) error {
	if err := t.ensure(lsn); err != nil {
		return err
	}
	cur := &t.recs[t.index(lsn)]
	ok := false
	switch next {
	case slotIssued:
		ok = cur.state == slotEmpty
	case slotCompleted:
		// EMPTY to COMPLETED happens during replay, where ISSUED was never
		// observed in this incarnation.
		ok = cur.state == slotIssued || cur.state == slotEmpty
	case slotGapFilled:
		ok = cur.state == slotEmpty
	}
	if !ok {
		if next == slotIssued && cur.state != slotEmpty {
			return fmt.Errorf("lsn %d is %s: %w", lsn, cur.state, ErrAlreadyIssued)
		}
		return fmt.Errorf("lsn %d: illegal transition %s -> %s: %w", lsn, cur.state, next, ErrOutOfRange)
	}
	cur.state = next
	cur.key = key
	return nil
}

// clear undoes a failed issue, returning the slot to EMPTY.
func (t *streamTracker) clear(lsn base.LSN) {
	if lsn < t.base {
		return
	}
	if idx := t.index(lsn); idx < len(t.recs) {
		t.recs[idx] = slot{}
	}
}

// truncate drops every slot at or below upto and advances the floor.
func (t *streamTracker) truncate(upto base.LSN) {
	if upto < t.base {
		return
	}
	drop := t.index(upto) + 1
	if drop > len(t.recs) {
		drop = len(t.recs)
	}
	t.recs = append([]slot(nil), t.recs[drop:]...)
	t.base = upto + 1
}

// rollback discards every slot strictly above to.
func (t *streamTracker) rollback(to base.LSN) {
	keep := t.index(to) + 1
	if keep < 0 {
		keep = 0
	}
	if keep < len(t.recs) {
		t.recs = t.recs[:keep]
	}
}

// contiguous returns the largest k >= from such that every slot in
// (from, k] satisfies pass. Slots below the floor were completed before
// they were truncated, so the truncated prefix always passes.
func (t *streamTracker) contiguous(from base.LSN, pass func(slotState) bool) base.LSN {
	k := from
	i := from + 1
	if i < t.base {
		i = t.base
		k = t.base - 1
	}
	for ; t.index(i) < len(t.recs); i++ {
		if !pass(t.recs[t.index(i)].state) {
			break
		}
		k = i
	}
	return k
}

// issuedDrained reports whether no slot at or below upto is still ISSUED.
func (t *streamTracker) issuedDrained(upto base.LSN) bool {
	for i := 0; i < len(t.recs); i++ {
		if t.base+base.LSN(i) > upto {
			break
		}
		if t.recs[i].state == slotIssued {
			return false
		}
	}
	return true
}
