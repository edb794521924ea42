package sal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSegment(size uint64) *Segment {
	return newSegment(0, size, make([]byte, size))
}

func TestSegment_TryBumpAllocAdvancesAndRejectsOverflow(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(256)

	off, ok := seg.tryBumpAlloc(64)
	require.True(t, ok)
	assert.Equal(t, uint64(0), off)

	off, ok = seg.tryBumpAlloc(64)
	require.True(t, ok)
	assert.Equal(t, uint64(64), off)

	_, ok = seg.tryBumpAlloc(1000)
	assert.False(t, ok)
}

func TestSegment_UnbumpRewindsOnlyImmediatePriorAlloc(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(256)

	off, ok := seg.tryBumpAlloc(64)
	require.True(t, ok)

	require.True(t, seg.unbump(off, 64))
	assert.Equal(t, int64(0), seg.AllocPos())

	// A stale unbump (as if another alloc already happened) fails.
	off2, ok := seg.tryBumpAlloc(32)
	require.True(t, ok)

	assert.False(t, seg.unbump(off, 64))
	assert.Equal(t, int64(off2)+32, seg.AllocPos())
}

func TestSegment_FinalizeCapturesFilledBytes(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(256)

	_, ok := seg.tryBumpAlloc(100)
	require.True(t, ok)

	seg.finalize()

	assert.True(t, seg.IsFinalized())
	assert.Equal(t, uint64(100), seg.FilledBytes())
	assert.True(t, seg.isCompactable())
}

func TestSegment_NotFinalizedIsNotCompactable(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(256)
	_, _ = seg.tryBumpAlloc(64)

	assert.False(t, seg.isCompactable())
}

func TestSegment_LiveBytesAndFreedFraction(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(256)
	_, _ = seg.tryBumpAlloc(200)
	seg.finalize()

	assert.Equal(t, uint64(200), seg.LiveBytes())
	assert.Equal(t, float64(0), seg.FreedFraction())

	seg.recordFreed(50)

	assert.Equal(t, uint64(150), seg.LiveBytes())
	assert.InDelta(t, 0.25, seg.FreedFraction(), 0.0001)
}

func TestSegment_FreedFractionNeverGoesNegativeOnOverFree(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(256)
	_, _ = seg.tryBumpAlloc(100)
	seg.finalize()

	seg.recordFreed(100)
	seg.recordFreed(1) // defensive over-accounting shouldn't underflow

	assert.Equal(t, uint64(0), seg.LiveBytes())
}

func TestSegment_ResetForReuseClearsState(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(256)
	_, _ = seg.tryBumpAlloc(100)
	seg.finalize()
	seg.recordFreed(50)
	seg.nextSequence()

	seg.resetForReuse()

	assert.False(t, seg.IsFinalized())
	assert.Equal(t, uint64(0), seg.FilledBytes())
	assert.Equal(t, uint64(0), seg.FreedBytes())
	assert.Equal(t, uint32(1), seg.nextSequence()) // counter restarted from 0
}

func TestSegment_NextSequenceMonotonic(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(256)

	assert.Equal(t, uint32(1), seg.nextSequence())
	assert.Equal(t, uint32(2), seg.nextSequence())
	assert.Equal(t, uint32(3), seg.nextSequence())
}

func TestSegment_IsReadOnlyBeforeFirstWritablePage(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(4096 * 2)
	seg.meta.firstWritablePage.Store(4096)

	assert.True(t, seg.isReadOnly(0))
	assert.True(t, seg.isReadOnly(4095))
	assert.False(t, seg.isReadOnly(4096))
	assert.False(t, seg.isReadOnly(5000))
}

func TestRoundUp64(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(0), roundUp64(0))
	assert.Equal(t, uint32(64), roundUp64(1))
	assert.Equal(t, uint32(64), roundUp64(64))
	assert.Equal(t, uint32(128), roundUp64(65))
}

func TestObjectHeader_EncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	h := ObjectHeader{
		Type:           3,
		SizeBytes:      128,
		Sequence:       7,
		Checksum:       0xDEADBEEF,
		LogicalAddress: NewAddress(5, 99),
		BranchRegion:   2,
		NumBranches:    4,
	}

	buf := EncodeObjectHeader(h)
	require.Equal(t, uint8(headerTypeObject), peekHeaderType(buf))

	got := DecodeObjectHeader(buf)
	assert.Equal(t, h, got)
}

func TestSyncHeader_EncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	h := SyncHeader{
		Subtype:               1,
		SizeBytes:             256,
		XXH3Checksum:          0x1234567890ABCDEF,
		TimestampUsec:         99999,
		StartOfChecksumRegion: 64,
		ChecksumByteCount:     192,
		SourceSegment:         42,
	}

	buf := EncodeSyncHeader(h)
	require.Equal(t, uint8(headerTypeSync), peekHeaderType(buf))

	got := DecodeSyncHeader(buf)
	h.PreviousSyncOffset = got.PreviousSyncOffset // zero-value round trip
	h.SourceAgeMs = got.SourceAgeMs
	h.UserData = got.UserData
	assert.Equal(t, h, got)
}
