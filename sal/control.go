package sal

import "sync/atomic"

// Control-word bit layout, packed into a single atomic uint64 so every
// mutation is a lock-free CAS/fetch_add on one word — explicit
// shift/mask helpers in the same spirit as pkg/slotcache/format.go's
// hand-rolled packed header fields.
const (
	refBits        = 21
	cachelineBits  = 41
	refMask        = 1<<refBits - 1
	cachelineShift = refBits
	cachelineMask  = uint64(1<<cachelineBits-1) << cachelineShift
	activeShift    = refBits + cachelineBits
	activeBit      = uint64(1) << activeShift
	pendingShift   = activeShift + 1
	pendingBit     = uint64(1) << pendingShift

	// maxThreads bounds how far an optimistic fetch_add ref-count can
	// overshoot before fetch_sub corrects it.
	maxThreads = 64

	// MaxRefCount is the highest legal reference count; retain() fails
	// above this rather than risk silently wrapping the 21-bit field.
	MaxRefCount = (1 << refBits) - maxThreads
)

// ControlWord is the decoded, non-atomic view of a control word's 64 bits.
type ControlWord struct {
	Ref          uint32
	Loc          Location
	Active       bool
	PendingCache bool
}

func decodeControlWord(bits uint64) ControlWord {
	return ControlWord{
		Ref:          uint32(bits & refMask),
		Loc:          Location((bits & cachelineMask) >> cachelineShift),
		Active:       bits&activeBit != 0,
		PendingCache: bits&pendingBit != 0,
	}
}

func (c ControlWord) encode() uint64 {
	bits := uint64(c.Ref) & refMask
	bits |= (uint64(c.Loc) << cachelineShift) & cachelineMask
	if c.Active {
		bits |= activeBit
	}
	if c.PendingCache {
		bits |= pendingBit
	}

	return bits
}

// IsFree reports whether the control word represents a free address:
// ref == 0 iff the address is on the allocator's freelist.
func (c ControlWord) IsFree() bool { return c.Ref == 0 }

// Control is one atomic 8-byte control word, addressed by a stable
// [Address] through the shared-pointer table. The zero value represents
// a free slot.
type Control struct {
	word atomic.Uint64
}

// Load returns the current decoded state with relaxed ordering, matching
// the teacher's non-synchronizing "peek" reads in pkg/slotcache/cache.go.
func (c *Control) Load() ControlWord { return decodeControlWord(c.word.Load()) }

// LoadAcquire returns the current state with acquire ordering; readers use
// this before dereferencing Loc so a concurrent compactor's release-store
// of a new location is observed in full.
func (c *Control) LoadAcquire() ControlWord { return decodeControlWord(c.word.Load()) }

// Reset stores a fresh {loc, ref, active=false, pending=false} with
// release ordering, publishing a newly allocated or recovered object.
func (c *Control) Reset(loc Location, ref uint32) {
	c.word.Store(ControlWord{Ref: ref, Loc: loc}.encode())
}

// Retain performs the optimistic fetch_add ref-count protocol: increment
// first, then validate. Returns ErrRefCountSaturated (unwinding the
// increment) if the result would exceed MaxRefCount.
func (c *Control) Retain() error {
	prior := c.word.Add(1) - 1
	if decodeControlWord(prior).Ref >= MaxRefCount {
		c.word.Add(^uint64(0)) // fetch_sub(1)
		return ErrRefCountSaturated
	}

	return nil
}

// Release decrements the reference count (release ordering) and, if it
// transitions to zero, atomically clears active/pending_cache as required
// by the control-word lifecycle invariant.
func (c *Control) Release() (wentToZero bool) {
	for {
		old := c.word.Load()
		oldDecoded := decodeControlWord(old)
		newDecoded := oldDecoded
		newDecoded.Ref--
		if newDecoded.Ref == 0 {
			newDecoded.Active = false
			newDecoded.PendingCache = false
		}

		if c.word.CompareAndSwap(old, newDecoded.encode()) {
			return newDecoded.Ref == 0
		}
	}
}

// Free zeroes the control word. The caller must have already observed
// ref == 0; this does not itself decrement a reference.
func (c *Control) Free() { c.word.Store(0) }

// CASMove updates the location only if the current location still equals
// expected and ref != 0 — the compactor's move primitive. A failed CAS
// means a concurrent allocation reused the slot or another mover already
// relocated it; ErrMoved is returned.
func (c *Control) CASMove(expected, desired Location) error {
	for {
		old := c.word.Load()
		oldDecoded := decodeControlWord(old)
		if oldDecoded.Loc != expected || oldDecoded.Ref == 0 {
			return ErrMoved
		}

		newDecoded := oldDecoded
		newDecoded.Loc = desired
		if c.word.CompareAndSwap(old, newDecoded.encode()) {
			return nil
		}
	}
}

// Move unconditionally updates the location without regard to the prior
// value, preserving ref/active/pending_cache set concurrently by others.
func (c *Control) Move(loc Location) {
	for {
		old := c.word.Load()
		newDecoded := decodeControlWord(old)
		newDecoded.Loc = loc
		if c.word.CompareAndSwap(old, newDecoded.encode()) {
			return
		}
	}
}

// TryIncActivity implements the two-stage read-cache admission signal:
// the first observed read sets Active; a second read (while Active is
// already set) sets PendingCache and returns true, meaning "promote this
// to the cache". Returns false under contention (the caller simply skips
// promotion this time) or once PendingCache is already set.
func (c *Control) TryIncActivity() bool {
	old := c.word.Load()
	decoded := decodeControlWord(old)
	if decoded.PendingCache {
		return false
	}

	updated := decoded
	if decoded.Active {
		updated.PendingCache = true
		return c.word.CompareAndSwap(old, updated.encode())
	}

	updated.Active = true
	c.word.CompareAndSwap(old, updated.encode())

	return false
}

// SetRefOne is used only by recovery to force a reachable address's count
// down to exactly 1 after the retain-then-decrement sweep.
func (c *Control) SetRefOne() {
	for {
		old := c.word.Load()
		decoded := decodeControlWord(old)
		decoded.Ref = 1

		if c.word.CompareAndSwap(old, decoded.encode()) {
			return
		}
	}
}
