package sal

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

func xxhashSum(b []byte) uint64 { return xxhash.Sum64(b) }

// RootWalker is supplied by the (out-of-scope) node-layout layer: given a
// root location, it must call retain on every address reachable from
// that root's tree. Recovery's reachability sweep is a no-op without one
// — every address discovered by the segment scan is conservatively kept
// at ref=1 (never freed) rather than guessed as unreachable, since sal
// has no knowledge of node encodings.
type RootWalker func(root Location, retain func(Address) error) error

// WithRootWalker installs the reachability-sweep callback used during
// recovery.
func WithRootWalker(w RootWalker) Option {
	return func(db *Database) { db.rootWalker = w }
}

// recover rebuilds the shared-pointer table and free-segment bitmap from
// an unclean shutdown, then (if a RootWalker is configured) establishes
// exact reachable refcounts.
func (db *Database) recover() (RecoveryReport, error) {
	report := RecoveryReport{}

	// Step 1: the control-block allocator starts empty — db.sharedPtrs
	// was just constructed fresh in Open, nothing further to clear.

	n := db.segments.NumSegments()
	segNums := make([]uint32, n)
	for i := range segNums {
		segNums[i] = uint32(i)
	}

	// Step 2: sort segments by descending provider_sequence (newest
	// first), so the first writer of a given address wins.
	sort.Slice(segNums, func(i, j int) bool {
		return db.segments.Get(segNums[i]).meta.providerSequence.Load() >
			db.segments.Get(segNums[j]).meta.providerSequence.Load()
	})

	for _, num := range segNums {
		seg := db.segments.Get(num)
		truncateAt, scanErr := db.recoverSegment(seg, &report)
		if scanErr != nil {
			return report, scanErr
		}

		if truncateAt >= 0 {
			report.TruncatedSegments = append(report.TruncatedSegments, TruncatedSegment{
				Segment:    num,
				TruncateAt: uint64(truncateAt),
			})
		}

		report.SegmentsScanned++
	}

	// Step 4: segments never used (provider_sequence == 0, i.e. never
	// claimed by the provider) are free; ensureCapacity marks every
	// newly-registered segment free by default, so a segment discovered
	// to actually hold data must be explicitly withdrawn from that pool.
	for _, num := range segNums {
		seg := db.segments.Get(num)
		if seg.meta.providerSequence.Load() == 0 && seg.meta.allocPos.Load() == 0 {
			db.segments.markFree(num)
		} else {
			db.segments.markUsed(num)
		}
	}

	if db.rootWalker == nil {
		return report, nil
	}

	// Step 5: DFS from every non-null top root, retaining everything
	// reachable.
	db.rootsMu.Lock()
	roots := make([]Location, 0, numTopRoots)
	for i := range db.topRoots {
		loc := db.topRoots[i].Load().Loc
		if !loc.IsNull() {
			roots = append(roots, loc)
		}
	}
	db.rootsMu.Unlock()

	for _, root := range roots {
		if err := db.rootWalker(root, db.sharedPtrs.Retain); err != nil {
			return report, err
		}
	}

	// Step 6: decrement every non-zero ref by one; whatever reaches zero
	// was never retained by the walk above and is returned to the free
	// lists.
	db.sharedPtrs.ResetAllRefsAboveOneToOne()

	return report, nil
}

// recoverSegment scans one segment's committed records during recovery:
// on a sync-header checksum mismatch, it truncates the scan at the last
// good sync header and returns that offset (or -1 if nothing needed
// truncating).
//
// Segment metadata (alloc_pos, first_writable_page, ...) lives in plain
// process memory (see segmentMeta's doc comment) and is gone the moment
// the process exits, so a segment rediscovered via ensureCapacity on
// reopen always starts with alloc_pos == 0 regardless of how much it
// actually holds. The scan below can't trust FilledBytes() for that
// reason; it walks the full segment capacity instead, and a decoded
// object header with Sequence == 0 is the signal that real content has
// ended (objSequence is 1-based, so no genuinely written object ever
// has Sequence 0 — that pattern can only be unwritten, zero-initialized
// space). Whatever boundary the scan lands on is written back into the
// segment's alloc_pos/first_writable_page so the in-memory segment
// matches the bytes it's backed by; a segment found holding data but
// never finalized is finalized here too, since whatever session had it
// active did not survive to resume writing it.
func (db *Database) recoverSegment(seg *Segment, report *RecoveryReport) (int64, error) {
	limit := seg.size
	var offset uint64
	truncatedAt := int64(-1)

scan:
	for offset < limit {
		if offset+recordPrefixSize > limit {
			break scan
		}

		switch peekHeaderType(seg.data[offset:]) {
		case headerTypeSync:
			if offset+syncHeaderSize > limit {
				break scan
			}

			hdr := DecodeSyncHeader(seg.data[offset : offset+syncHeaderSize])

			if db.cfg.ChecksumCommits && hdr.XXH3Checksum != 0 {
				region := seg.data[hdr.StartOfChecksumRegion : hdr.StartOfChecksumRegion+hdr.ChecksumByteCount]
				if xxhashSum(region) != hdr.XXH3Checksum {
					truncatedAt = int64(offset)
					break scan
				}
			}

			// A sync header's own mprotect call seals the whole page it
			// falls in (rounded up from alloc_pos), and
			// syncSegment carries the bump pointer forward to match — so
			// the bytes between here and that boundary are unwritten
			// padding, not a zero-valued object header.
			next := nextPageBoundary(offset)
			if next < offset+syncHeaderSize {
				next = offset + syncHeaderSize
			}
			if next > limit {
				next = limit
			}

			offset = next

		case headerTypeObject:
			if offset+objectHeaderSize > limit {
				break scan
			}

			hdr := DecodeObjectHeader(seg.data[offset : offset+objectHeaderSize])
			if hdr.Sequence == 0 {
				// Unwritten tail: the natural, non-corrupt end of content.
				break scan
			}

			total := uint64(objectHeaderSize) + uint64(roundUp64(hdr.SizeBytes))

			if offset+total > limit {
				truncatedAt = int64(offset)
				break scan
			}

			loc := LocationFromAbsolute(db.segments.AbsoluteOffset(seg.Number(), offset))
			db.recoverObject(hdr, loc, total, report)

			offset += total

		default:
			truncatedAt = int64(offset)
			break scan
		}
	}

	db.restoreSegmentState(seg, offset)

	return truncatedAt, nil
}

// restoreSegmentState re-establishes a rediscovered segment's bump
// pointer and read-only boundary from the content boundary the scan
// found. A segment with no content at all is left exactly as
// newSegment left it, so step 4's free/used classification still sees
// alloc_pos == 0 for a genuinely never-used segment. Anything else is
// finalized: no live session survived the restart to keep writing it.
func (db *Database) restoreSegmentState(seg *Segment, contentEnd uint64) {
	if contentEnd == 0 {
		return
	}

	seg.meta.finalSize.Store(contentEnd)
	seg.meta.firstWritablePage.Store(contentEnd)
	seg.meta.allocPos.Store(segmentFinalized)
}

// recoverObject applies the placement rule: first writer (by descending
// segment sequence) of an address wins; later copies are counted as
// already-freed bytes in their segment.
func (db *Database) recoverObject(hdr ObjectHeader, loc Location, total uint64, report *RecoveryReport) {
	region := hdr.LogicalAddress.Region()
	r := db.sharedPtrs.ensureRegion(region)
	r.growTo(int(hdr.LogicalAddress.Index()/slotsPerPage) + 1)

	ctrl, err := db.sharedPtrs.Get(hdr.LogicalAddress)
	if err != nil {
		return
	}

	cur := ctrl.Load()
	if cur.Ref == 0 {
		ctrl.Reset(loc, 1)
		db.sharedPtrs.markUsed(hdr.LogicalAddress)
		report.LiveAddresses++
	} else {
		// A newer segment already placed this address; these bytes are
		// dead on arrival.
		segNum := loc.SegmentNumber(db.cfg.SegmentSize)
		db.segments.Get(segNum).recordFreed(uint32(total))
		report.FreedAddresses++
	}
}
