package sal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbtrie/sal/sal"
)

func TestAddress_RegionIndexRoundTrip(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		region uint16
		index  uint32
	}{
		{name: "Zero", region: 0, index: 0},
		{name: "MaxRegion", region: 0xFFFF, index: 0},
		{name: "MaxIndex", region: 0, index: 1<<24 - 1},
		{name: "Mixed", region: 42, index: 1234567},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			addr := sal.NewAddress(testCase.region, testCase.index)
			assert.Equal(t, testCase.region, addr.Region())
			assert.Equal(t, testCase.index, addr.Index())
			assert.False(t, addr.IsNull())
		})
	}
}

func TestAddress_NullAddress(t *testing.T) {
	t.Parallel()

	require.True(t, sal.NullAddress.IsNull())
	assert.False(t, sal.NewAddress(0, 1).IsNull())
}

func TestLocation_AbsoluteAddressRoundTrip(t *testing.T) {
	t.Parallel()

	for _, off := range []uint64{0, 64, 128, 1 << 30} {
		loc := sal.LocationFromAbsolute(off)
		assert.Equal(t, off, loc.AbsoluteAddress())
	}
}

func TestLocation_SegmentNumberAndOffset(t *testing.T) {
	t.Parallel()

	const segmentSize = 32 << 20

	loc := sal.LocationFromAbsolute(segmentSize*3 + 128)
	assert.Equal(t, uint32(3), loc.SegmentNumber(segmentSize))
	assert.Equal(t, uint64(128), loc.SegmentOffset(segmentSize))
}

func TestLocation_IsNull(t *testing.T) {
	t.Parallel()

	require.True(t, sal.NullLocation.IsNull())
	assert.False(t, sal.LocationFromAbsolute(0).IsNull())
}
