package sal

import (
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"
)

// Record header layout.
//
// The reference implementation overlaps object and sync headers across a
// single discriminator bit inside a bitfield; this port instead uses an
// explicit tagged layout: a shared prefix struct whose header_type bit is
// checked, then a size-tagged variant switch, so no field can move
// without also moving in the other variant. recordPrefix is that shared
// prefix; objectHeader and syncHeader both start with it at the same
// byte offsets.
const (
	recordPrefixSize = 8
	objectHeaderSize = 32
	syncHeaderSize   = 64

	headerTypeObject = 0
	headerTypeSync   = 1
)

// recordPrefix offsets, identical in both header variants.
const (
	offHeaderType = 0 // uint8
	offSubtype    = 1 // uint8: object.Type or sync.Subtype
	offPad        = 2 // uint16, reserved
	offSizeBytes  = 4 // uint32: body size in bytes, not counting the header
)

// peekHeaderType reads byte 0 of a record header without decoding the
// rest — the scanner's single-bit discriminator.
func peekHeaderType(buf []byte) uint8 { return buf[offHeaderType] }

// ObjectHeader precedes every allocated object's body in a segment log.
type ObjectHeader struct {
	Type           uint8
	SizeBytes      uint32
	Sequence       uint32
	Checksum       uint32
	LogicalAddress Address
	BranchRegion   uint16
	NumBranches    uint16
}

// EncodeObjectHeader serializes h into a fresh objectHeaderSize buffer,
// native (little) endian.
func EncodeObjectHeader(h ObjectHeader) []byte {
	buf := make([]byte, objectHeaderSize)
	buf[offHeaderType] = headerTypeObject
	buf[offSubtype] = h.Type
	binary.LittleEndian.PutUint32(buf[offSizeBytes:], h.SizeBytes)
	binary.LittleEndian.PutUint32(buf[8:], h.Sequence)
	binary.LittleEndian.PutUint32(buf[12:], h.Checksum)
	binary.LittleEndian.PutUint64(buf[16:], uint64(h.LogicalAddress))
	binary.LittleEndian.PutUint16(buf[24:], h.BranchRegion)
	binary.LittleEndian.PutUint16(buf[26:], h.NumBranches)

	return buf
}

// DecodeObjectHeader parses an objectHeaderSize-byte buffer. The caller
// must have already checked peekHeaderType == headerTypeObject.
func DecodeObjectHeader(buf []byte) ObjectHeader {
	return ObjectHeader{
		Type:           buf[offSubtype],
		SizeBytes:      binary.LittleEndian.Uint32(buf[offSizeBytes:]),
		Sequence:       binary.LittleEndian.Uint32(buf[8:]),
		Checksum:       binary.LittleEndian.Uint32(buf[12:]),
		LogicalAddress: Address(binary.LittleEndian.Uint64(buf[16:])),
		BranchRegion:   binary.LittleEndian.Uint16(buf[24:]),
		NumBranches:    binary.LittleEndian.Uint16(buf[26:]),
	}
}

// SyncHeader delimits a region of a segment made read-only and optionally
// checksummed.
type SyncHeader struct {
	Subtype               uint8
	SizeBytes             uint32 // bytes covered by this header's preceding run
	XXH3Checksum          uint64
	TimestampUsec         uint64
	StartOfChecksumRegion uint32
	ChecksumByteCount     uint32
	PreviousSyncOffset    uint32
	SourceAgeMs           uint64
	SourceSegment         uint32
	UserData              [16]byte
}

// EncodeSyncHeader serializes h into a fresh syncHeaderSize buffer.
func EncodeSyncHeader(h SyncHeader) []byte {
	buf := make([]byte, syncHeaderSize)
	buf[offHeaderType] = headerTypeSync
	buf[offSubtype] = h.Subtype
	binary.LittleEndian.PutUint32(buf[offSizeBytes:], h.SizeBytes)
	binary.LittleEndian.PutUint64(buf[8:], h.XXH3Checksum)
	binary.LittleEndian.PutUint64(buf[16:], h.TimestampUsec)
	binary.LittleEndian.PutUint32(buf[24:], h.StartOfChecksumRegion)
	binary.LittleEndian.PutUint32(buf[28:], h.ChecksumByteCount)
	binary.LittleEndian.PutUint32(buf[32:], h.PreviousSyncOffset)
	binary.LittleEndian.PutUint64(buf[36:], h.SourceAgeMs)
	binary.LittleEndian.PutUint32(buf[44:], h.SourceSegment)
	copy(buf[48:], h.UserData[:])

	return buf
}

// DecodeSyncHeader parses a syncHeaderSize-byte buffer. The caller must
// have already checked peekHeaderType == headerTypeSync.
func DecodeSyncHeader(buf []byte) SyncHeader {
	var h SyncHeader
	h.Subtype = buf[offSubtype]
	h.SizeBytes = binary.LittleEndian.Uint32(buf[offSizeBytes:])
	h.XXH3Checksum = binary.LittleEndian.Uint64(buf[8:])
	h.TimestampUsec = binary.LittleEndian.Uint64(buf[16:])
	h.StartOfChecksumRegion = binary.LittleEndian.Uint32(buf[24:])
	h.ChecksumByteCount = binary.LittleEndian.Uint32(buf[28:])
	h.PreviousSyncOffset = binary.LittleEndian.Uint32(buf[32:])
	h.SourceAgeMs = binary.LittleEndian.Uint64(buf[36:])
	h.SourceSegment = binary.LittleEndian.Uint32(buf[44:])
	copy(h.UserData[:], buf[48:64])

	return h
}

// crc32c is used for the per-object checksum field when
// Config.UpdateChecksumOnModify is enabled; cheap, hardware-accelerated
// on amd64/arm64 via the standard library's castagnoli table.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func checksumBytes(b []byte) uint32 { return crc32.Checksum(b, crc32cTable) }

const (
	// DefaultSegmentSize is the reference configuration's segment
	// granularity: 32 MiB, a power of two.
	DefaultSegmentSize = 32 << 20

	// allocAlignment is the 64-byte rounding applied to every allocation.
	allocAlignment = 64

	// segmentFinalized is the allocPos sentinel meaning "full, no more
	// allocations".
	segmentFinalized = -1
)

// roundUp64 rounds size up to the next multiple of 64.
func roundUp64(size uint32) uint32 {
	return (size + allocAlignment - 1) &^ (allocAlignment - 1)
}

// segmentMeta holds the cacheline-padded atomic state for one segment.
// It is embedded in Segment rather than mapped into the segment's own
// bytes: in this Go port, segment
// metadata lives in regular process (or shared, see mapping.Mapping)
// memory managed by the allocator, while the segment's data bytes are the
// mmap'd region the bump pointer writes into.
type segmentMeta struct {
	allocPos            atomic.Int64  // bump pointer; -1 == finalized
	firstWritablePage   atomic.Uint64 // byte offset; pages below are read-only
	sessionID           atomic.Uint64
	providerSequence    atomic.Uint64 // provider claim time (unix nanos); 0 == never claimed
	openTimeUsec        atomic.Uint64
	closeTimeUsec       atomic.Uint64
	freedBytes          atomic.Uint64
	freedObjects        atomic.Uint64
	isAlloc             atomic.Bool
	isPinned            atomic.Bool
	readLockQueuePos    atomic.Int64 // push position in the read-lock queue, -1 if not pushed
	vage                WeightedAverage
	sync                syncModifyState
	objSequence         atomic.Uint32  // monotonic per-object counter
	finalSize           atomic.Uint64  // allocPos captured at finalize(), since the sentinel overwrites it
}

// Segment is one fixed-size contiguous log of objects and sync headers,
// backed by a byte slice view into the block mapping.
type Segment struct {
	number uint32
	size   uint64
	data   []byte // view into mapping.Mapping, length == size
	meta   segmentMeta
}

func newSegment(number uint32, size uint64, data []byte) *Segment {
	s := &Segment{number: number, size: size, data: data}
	s.resetForReuse()

	return s
}

// resetForReuse restores a recycled segment to the free/allocating-ready
// state: Recyclable -> Reclaimable -> Free -> Ready.
func (s *Segment) resetForReuse() {
	s.meta.allocPos.Store(0)
	s.meta.firstWritablePage.Store(0)
	s.meta.sessionID.Store(0)
	s.meta.freedBytes.Store(0)
	s.meta.freedObjects.Store(0)
	s.meta.isAlloc.Store(false)
	s.meta.isPinned.Store(false)
	s.meta.readLockQueuePos.Store(-1)
	s.meta.vage.Reset()
	s.meta.sync.reset()
	s.meta.objSequence.Store(0)
	s.meta.finalSize.Store(0)
}

// FilledBytes returns how many bytes of the segment have been written so
// far, whether or not it has been finalized (finalize() overwrites
// allocPos with a sentinel, so the real count is captured separately at
// that moment).
func (s *Segment) FilledBytes() uint64 {
	pos := s.meta.allocPos.Load()
	if pos >= 0 {
		return uint64(pos)
	}

	return s.meta.finalSize.Load()
}

// nextSequence returns a monotonically increasing per-segment object
// sequence number, used to order objects during recovery's newest-first
// segment scan.
func (s *Segment) nextSequence() uint32 {
	return s.meta.objSequence.Add(1)
}

// Number returns this segment's index in the segment store.
func (s *Segment) Number() uint32 { return s.number }

// AllocPos returns the current bump pointer, or segmentFinalized.
func (s *Segment) AllocPos() int64 { return s.meta.allocPos.Load() }

// IsFinalized reports whether the segment has been sealed.
func (s *Segment) IsFinalized() bool { return s.meta.allocPos.Load() == segmentFinalized }

// IsPinned reports whether the segment is in the pinned (mlock'd) pool.
func (s *Segment) IsPinned() bool { return s.meta.isPinned.Load() }

// isReadOnly reports whether offset lies before first_writable_page —
// i.e. the sync pipeline has already mprotect'd it PROT_READ. Only bytes
// at or past first_writable_page are still mutable by their owning
// session.
func (s *Segment) isReadOnly(offset uint64) bool {
	return offset < s.meta.firstWritablePage.Load()
}

// isCompactable reports whether the segment is eligible for the
// compactor's linear walk: it must be finalized, not merely synced —
// the freeable predicate is "finalized", not "has a sync header".
func (s *Segment) isCompactable() bool {
	return s.IsFinalized()
}

// FreedBytes / LiveBytes report the segment's freed-space accounting used
// by the compactor's candidate selection.
func (s *Segment) FreedBytes() uint64 { return s.meta.freedBytes.Load() }

func (s *Segment) LiveBytes() uint64 {
	filled := s.FilledBytes()
	freed := s.meta.freedBytes.Load()
	if filled <= freed {
		return 0
	}

	return filled - freed
}

// FreedFraction is used by the compactor to pick high-freed segments.
func (s *Segment) FreedFraction() float64 {
	filled := s.FilledBytes()
	if filled == 0 {
		return 0
	}

	return float64(s.meta.freedBytes.Load()) / float64(filled)
}

// recordFreed accounts bytes as no-longer-live (called by realloc, the
// compactor, and copy-on-write after the old copy is superseded).
func (s *Segment) recordFreed(bytes uint32) {
	s.meta.freedBytes.Add(uint64(bytes))
	s.meta.freedObjects.Add(1)
}

// tryBumpAlloc attempts to claim [pos, pos+size) via the single-writer
// relaxed bump pointer — segment bump-pointer stores are relaxed, only
// the segment's owner writes. Returns the claimed offset and true, or
// false if the segment lacks room.
func (s *Segment) tryBumpAlloc(size uint32) (uint64, bool) {
	pos := s.meta.allocPos.Load()
	if pos < 0 || uint64(pos)+uint64(size) > s.size {
		return 0, false
	}

	s.meta.allocPos.Store(pos + int64(size))

	return uint64(pos), true
}

// unbump rewinds the bump pointer by size iff the most recent allocation
// was exactly that size — the unalloc/abort path. Callers are
// responsible for only calling this immediately after the matching
// allocation with no intervening allocation, since the single-writer
// bump pointer has no history beyond its current value.
func (s *Segment) unbump(priorPos uint64, size uint32) bool {
	expect := priorPos + uint64(size)

	return s.meta.allocPos.CompareAndSwap(int64(expect), int64(priorPos))
}

// advanceAllocTo forces the bump pointer forward to pos, abandoning
// whatever lies between it and the current position as permanent padding.
// Used by sync to carry the bump pointer past the page it just sealed
// read-only: tryBumpAlloc has no notion of first_writable_page,
// so without this the very next allocation on this still-active segment
// would claim bytes inside the page sync just wrote-protected. A no-op on
// a finalized segment or once pos has already been passed.
func (s *Segment) advanceAllocTo(pos uint64) {
	for {
		cur := s.meta.allocPos.Load()
		if cur < 0 || uint64(cur) >= pos {
			return
		}

		if s.meta.allocPos.CompareAndSwap(cur, int64(pos)) {
			return
		}
	}
}

// finalize seals the segment: no more allocations, bump pointer set to
// the sentinel. The real fill length is captured into finalSize first
// since the sentinel store overwrites it.
func (s *Segment) finalize() {
	pos := s.meta.allocPos.Load()
	if pos >= 0 {
		s.meta.finalSize.Store(uint64(pos))
	}

	s.meta.allocPos.Store(segmentFinalized)
}
