package sal

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/arbtrie/sal/sal/mapping"
)

// SegmentStore owns the sequence of fixed-size segments backing a
// Database. One mapping block is exactly one segment: the mapping is
// opened with BlockSize == segmentSize, so segment number and mapping
// block number are the same value.
type SegmentStore struct {
	m           *mapping.Mapping
	segmentSize uint64
	maxSegments uint32

	mu       sync.Mutex
	segments []*Segment

	// freeWords[w] has bit i set iff segment w*64+i is free.
	freeWords []atomic.Uint64
}

// NewSegmentStore wraps an already-open Mapping. The mapping's block size
// must equal segmentSize.
func NewSegmentStore(m *mapping.Mapping, segmentSize uint64, maxSegments uint32) *SegmentStore {
	return &SegmentStore{m: m, segmentSize: segmentSize, maxSegments: maxSegments}
}

// ensureCapacity grows the segment/free-bitmap bookkeeping (and, via the
// mapping, the backing file) so that segment numbers up to n-1 exist and
// start out free. Growth is mutex-serialized; Get is lock-free once a
// segment exists, reusing the block-mapping growth discipline for
// segment-level bookkeeping.
func (st *SegmentStore) ensureCapacity(n uint32) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if uint32(len(st.segments)) >= n {
		return nil
	}

	if st.maxSegments != 0 && n > st.maxSegments {
		return fmt.Errorf("segment store: %d exceeds max_segments %d: %w", n, st.maxSegments, ErrConfiguration)
	}

	if err := st.m.Reserve(uint64(n)); err != nil {
		return fmt.Errorf("segment store: %w: %w", err, ErrResource)
	}

	for num := uint32(len(st.segments)); num < n; num++ {
		data, err := st.m.GetBlock(uint64(num))
		if err != nil {
			return fmt.Errorf("segment store: %w: %w", err, ErrResource)
		}

		st.segments = append(st.segments, newSegment(num, st.segmentSize, data))

		wordIdx := num / 64
		for int(wordIdx) >= len(st.freeWords) {
			st.freeWords = append(st.freeWords, atomic.Uint64{})
		}

		st.freeWords[wordIdx].Or(uint64(1) << uint(num%64))
	}

	return nil
}

// NumSegments returns how many segments currently exist (mapped, whether
// free or in use).
func (st *SegmentStore) NumSegments() uint32 {
	st.mu.Lock()
	defer st.mu.Unlock()

	return uint32(len(st.segments))
}

// Get returns the segment with the given number, which must already
// exist.
func (st *SegmentStore) Get(num uint32) *Segment {
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.segments[num]
}

// markFree sets num's free bit. Recyclable segments return here after
// every session has unlocked past them.
func (st *SegmentStore) markFree(num uint32) {
	st.mu.Lock()
	wordIdx := num / 64
	for int(wordIdx) >= len(st.freeWords) {
		st.freeWords = append(st.freeWords, atomic.Uint64{})
	}
	st.mu.Unlock()

	st.freeWords[wordIdx].Or(uint64(1) << uint(num%64))
}

// markUsed clears num's free bit, used by recovery to withdraw segments
// discovered to already hold data from the free pool (ensureCapacity
// otherwise marks every newly registered segment free by default).
func (st *SegmentStore) markUsed(num uint32) {
	st.mu.Lock()
	wordIdx := num / 64
	for int(wordIdx) >= len(st.freeWords) {
		st.freeWords = append(st.freeWords, atomic.Uint64{})
	}
	st.mu.Unlock()

	st.freeWords[wordIdx].And(^(uint64(1) << uint(num%64)))
}

// claimFree clears the lowest free bit and returns that segment, growing
// the store by one segment first if none is free. Growing on demand
// keeps the file small until the working set actually needs more
// segments.
func (st *SegmentStore) claimFree() (*Segment, error) {
	for {
		num, ok := st.findFreeBit()
		if !ok {
			if err := st.ensureCapacity(st.NumSegments() + 1); err != nil {
				return nil, err
			}

			continue
		}

		wordIdx := num / 64
		for {
			v := st.freeWords[wordIdx].Load()
			bit := uint64(1) << uint(num%64)
			if v&bit == 0 {
				// Someone else claimed it first; look again.
				break
			}

			if st.freeWords[wordIdx].CompareAndSwap(v, v&^bit) {
				seg := st.Get(num)
				seg.resetForReuse()

				return seg, nil
			}
		}
	}
}

func (st *SegmentStore) findFreeBit() (uint32, bool) {
	st.mu.Lock()
	words := len(st.freeWords)
	st.mu.Unlock()

	for w := 0; w < words; w++ {
		v := st.freeWords[w].Load()
		if v == 0 {
			continue
		}

		return uint32(w)*64 + uint32(bits.TrailingZeros64(v)), true
	}

	return 0, false
}

// AbsoluteOffset returns the byte offset of (segNum, within) in the
// overall mapped data store, for constructing a Location.
func (st *SegmentStore) AbsoluteOffset(segNum uint32, within uint64) uint64 {
	return uint64(segNum)*st.segmentSize + within
}

// Mlock pins a segment's pages in RAM, called when the segment is first
// pushed into the pinned buffer.
func (st *SegmentStore) Mlock(segNum uint32) error {
	return st.m.Mlock(uint64(segNum)*st.segmentSize, st.segmentSize)
}

// Munlock unpins a segment's pages, demoting it to the unpinned pool.
func (st *SegmentStore) Munlock(segNum uint32) error {
	return st.m.Munlock(uint64(segNum)*st.segmentSize, st.segmentSize)
}

// Madvise releases a recycled segment's physical pages back to the OS.
func (st *SegmentStore) Madvise(segNum uint32, advice int) error {
	return st.m.Madvise(uint64(segNum)*st.segmentSize, st.segmentSize, advice)
}

// ProtectReadOnly seals [0, length) of a segment read-only.
func (st *SegmentStore) ProtectReadOnly(segNum uint32, length uint64, prot int) error {
	return st.m.Mprotect(uint64(segNum)*st.segmentSize, length, prot)
}

// Sync flushes [0, length) of a segment to the backing file.
func (st *SegmentStore) Sync(segNum uint32, length uint64, flags int) error {
	return st.m.Msync(uint64(segNum)*st.segmentSize, length, flags)
}
