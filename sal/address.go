package sal

import "fmt"

// Address is a stable 40-bit logical identifier: a 16-bit region and a
// 24-bit index inside that region. Addresses never change for the life
// of the object; callers traffic only in addresses, never in physical
// locations.
type Address uint64

const (
	regionBits = 16
	indexBits  = 24
	indexMask  = 1<<indexBits - 1

	// NullAddress is the reserved sentinel meaning "no object".
	NullAddress Address = 0
)

// NewAddress packs a region id and an in-region index into an Address.
func NewAddress(region uint16, index uint32) Address {
	return Address(uint64(region)<<indexBits | uint64(index&indexMask))
}

// Region returns the 16-bit region (hash-bucket/namespace) component.
func (a Address) Region() uint16 { return uint16(a >> indexBits) }

// Index returns the 24-bit in-region index component.
func (a Address) Index() uint32 { return uint32(a) & indexMask }

// IsNull reports whether a is the reserved null address.
func (a Address) IsNull() bool { return a == NullAddress }

func (a Address) String() string {
	return fmt.Sprintf("addr{region=%d index=%d}", a.Region(), a.Index())
}

// Location is a 64-byte-aligned physical offset inside the mapped data
// store, addressing up to 128 TiB via a 41-bit cacheline index.
type Location uint64

const (
	locationShift = 6 // 64 == 1<<6

	// NullLocation is the sentinel meaning "nowhere" (all cacheline bits set).
	NullLocation Location = (1<<41 - 1)
)

// LocationFromAbsolute builds a Location from a byte offset, which must be
// 64-byte aligned.
func LocationFromAbsolute(byteOffset uint64) Location {
	return Location(byteOffset >> locationShift)
}

// LocationFromCacheline builds a Location directly from a cacheline index.
func LocationFromCacheline(cacheline uint64) Location { return Location(cacheline) }

// AbsoluteAddress returns the byte offset this location refers to.
func (l Location) AbsoluteAddress() uint64 { return uint64(l) << locationShift }

// Cacheline returns the raw 41-bit cacheline index.
func (l Location) Cacheline() uint64 { return uint64(l) }

// IsNull reports whether l is the null location.
func (l Location) IsNull() bool { return l == NullLocation }

// SegmentNumber returns which fixed-size segment this location falls in,
// given the configured segment size (power of two).
func (l Location) SegmentNumber(segmentSize uint64) uint32 {
	return uint32(l.AbsoluteAddress() / segmentSize)
}

// SegmentOffset returns the byte offset within its segment.
func (l Location) SegmentOffset(segmentSize uint64) uint64 {
	return l.AbsoluteAddress() % segmentSize
}
