package sal

import (
	"sync"
	"sync/atomic"
)

// syncModifyState is the per-segment modify/sync gate: a single
// 64-bit atomic whose low bits count active in-place modifiers and whose
// high bit is a sync-request flag. Modifiers back out (and the caller
// copy-on-writes instead) once the flag is set; the syncer waits for the
// count to drain to zero before proceeding.
type syncModifyState struct {
	state atomic.Uint64
	cond  sync.Mutex // blocking lock acquired by startSync
}

const syncMask = uint64(1) << 63

func (s *syncModifyState) reset() {
	s.state.Store(0)
}

// tryModify is the modifier's entry point. It returns true if the
// modifier may write in place; false means a sync is in progress (or
// about to be) and the caller must copy-on-write instead.
func (s *syncModifyState) tryModify() bool {
	prior := s.state.Add(1) - 1
	if prior&syncMask != 0 {
		s.state.Add(^uint64(0)) // fetch_sub(1)
		return false
	}

	return true
}

// endModify releases a modify-holder slot taken by tryModify.
func (s *syncModifyState) endModify() {
	s.state.Add(^uint64(0))
}

// startSync acquires the per-segment blocking lock, then raises the
// sync-request flag and spins until every in-flight modifier has called
// endModify. Must be paired with endSync.
func (s *syncModifyState) startSync() {
	s.cond.Lock()
	s.state.Or(syncMask)

	for {
		v := s.state.Load()
		if v == syncMask {
			return
		}

		spinWait()
	}
}

// endSync clears the sync-request flag, re-admitting modifiers, and
// releases the blocking lock.
func (s *syncModifyState) endSync() {
	s.state.And(^syncMask)
	s.cond.Unlock()
}

// spinWait yields the processor once; kept as a named hook so tests can
// bound worst-case spin duration without sleeping real wall-clock time.
func spinWait() {
	// A plain Gosched is sufficient here: startSync's wait is bounded by
	// however long the last modifier takes to call endModify, typically
	// microseconds, and there are no priority-inversion concerns since
	// modifiers never block on anything else while holding their slot.
	osYield()
}
