// Package sal implements the segment allocator: a memory-mapped,
// copy-on-write object store addressed by stable logical addresses that
// indirect through an atomic control-word table to physical cacheline
// locations inside a sequence of fixed-size segments.
package sal

import "errors"

// Sentinel errors returned by sal operations, grouped by kind.
//
// Callers should use [errors.Is] to classify an error:
//
//	if errors.Is(err, sal.ErrCorruption) { ... }
var (
	// ErrResource wraps file/mmap/mprotect/msync failures. Never caught
	// and retried internally; propagated to the caller.
	ErrResource = errors.New("sal: resource error")

	// ErrConfiguration indicates a bad size, a corrupted magic, or a
	// mismatched on-disk layout. Fatal at Open.
	ErrConfiguration = errors.New("sal: configuration error")

	// ErrSessionTableFull indicates the 64-session table has no free slot.
	ErrSessionTableFull = errors.New("sal: session table full")

	// ErrDirtyQueueOverflow indicates a session accumulated more than
	// maxDirtySegments segments awaiting sync.
	ErrDirtyQueueOverflow = errors.New("sal: dirty segment queue overflow")

	// ErrRefCountSaturated indicates retain() would exceed max_ref_count.
	ErrRefCountSaturated = errors.New("sal: reference count saturated")

	// ErrAddressSpaceExhausted indicates the shared-pointer table has no
	// more free control words to allocate in the requested region.
	ErrAddressSpaceExhausted = errors.New("sal: address space exhausted")

	// ErrCorruption indicates a sync-header checksum mismatch or invalid
	// header detected during recovery.
	ErrCorruption = errors.New("sal: corruption detected")

	// ErrClosed indicates an operation on an already-closed Database,
	// Session, or mapping.
	ErrClosed = errors.New("sal: closed")

	// ErrRetry is the retryable-conflict sentinel. No function in this
	// package returns it: bounded CAS retry loops report
	// ErrCapacityRetryExhausted when they give up.
	ErrRetry = errors.New("sal: retryable conflict")

	// ErrCapacityRetryExhausted indicates a bounded CAS retry loop gave
	// up; this signals pathological contention, not a logic bug.
	ErrCapacityRetryExhausted = errors.New("sal: retry budget exhausted")

	// ErrMoved indicates a realloc's location-move CAS observed that the
	// compactor already relocated the object; the caller must re-read the
	// control word and retry.
	ErrMoved = errors.New("sal: location moved concurrently")

	// ErrInvalidAddress indicates an operation was given the null address
	// or an address outside any allocated region.
	ErrInvalidAddress = errors.New("sal: invalid address")

	// ErrObjectTooLarge indicates an allocation size exceeds a segment.
	ErrObjectTooLarge = errors.New("sal: object larger than segment")
)
