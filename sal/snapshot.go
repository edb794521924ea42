package sal

import (
	"fmt"
	"strings"
)

// Snapshot is a point-in-time view of allocator occupancy. It never
// blocks a writer: every field is read with a single atomic load.
type Snapshot struct {
	NumSegments    uint32
	FreeSegments   uint32
	PinnedSegments uint32
	ReadLockQueueLen uint64
	CacheDifficulty  uint32
	Segments       []SegmentSnapshot
}

// SegmentSnapshot is one segment's occupancy at snapshot time.
type SegmentSnapshot struct {
	Number        uint32
	Finalized     bool
	Pinned        bool
	FilledBytes   uint64
	FreedBytes    uint64
	LiveBytes     uint64
	FreedFraction float64
	VirtualAge    uint64
}

// Stats returns a Snapshot of the database's current occupancy.
func (db *Database) Stats() Snapshot {
	n := db.segments.NumSegments()

	snap := Snapshot{
		NumSegments:      n,
		ReadLockQueueLen: db.readLockQueue.Len(),
		CacheDifficulty:  db.difficulty.Difficulty(),
		Segments:         make([]SegmentSnapshot, 0, n),
	}

	for num := uint32(0); num < n; num++ {
		seg := db.segments.Get(num)

		s := SegmentSnapshot{
			Number:        num,
			Finalized:     seg.IsFinalized(),
			Pinned:        seg.IsPinned(),
			FilledBytes:   seg.FilledBytes(),
			FreedBytes:    seg.FreedBytes(),
			LiveBytes:     seg.LiveBytes(),
			FreedFraction: seg.FreedFraction(),
			VirtualAge:    seg.meta.vage.Average(),
		}

		if s.Pinned {
			snap.PinnedSegments++
		}

		if s.FilledBytes == 0 && !s.Finalized {
			snap.FreeSegments++
		}

		snap.Segments = append(snap.Segments, s)
	}

	return snap
}

// DumpText renders a Snapshot as human-readable text, grounded on the
// teacher's cmd/tk/show.go plain-text inspection output.
func DumpText(snap Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "segments: %d total, %d free, %d pinned\n", snap.NumSegments, snap.FreeSegments, snap.PinnedSegments)
	fmt.Fprintf(&b, "read-lock queue: %d pending\n", snap.ReadLockQueueLen)
	fmt.Fprintf(&b, "cache difficulty: %d\n", snap.CacheDifficulty)

	for _, s := range snap.Segments {
		fmt.Fprintf(&b, "  segment %-6d filled=%-10d freed=%-10d live=%-10d freed_frac=%.2f finalized=%-5v pinned=%-5v vage=%d\n",
			s.Number, s.FilledBytes, s.FreedBytes, s.LiveBytes, s.FreedFraction, s.Finalized, s.Pinned, s.VirtualAge)
	}

	return b.String()
}
