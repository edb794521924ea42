package sal

import (
	"sync"
	"sync/atomic"
)

// SharedPointerTable is the indirection table that turns stable logical
// [Address]es into atomic [Control] words. It owns one [Region]
// per namespace the caller allocates with NewRegion, each independently
// growable and independently bitmap-scanned; there is no global lock on
// the steady-state allocate/get/retain/release path.
type SharedPointerTable struct {
	nextRegion atomic.Uint64 // monotonic region-id counter

	mu      sync.RWMutex // guards the regions map's growth only
	regions map[uint16]*Region
}

// NewSharedPointerTable constructs an empty table.
func NewSharedPointerTable() *SharedPointerTable {
	return &SharedPointerTable{regions: make(map[uint16]*Region)}
}

// NewRegion allocates a fresh, monotonically increasing 16-bit region id
// and creates its backing page array.
func (t *SharedPointerTable) NewRegion() uint16 {
	id := uint16(t.nextRegion.Add(1) - 1)

	t.mu.Lock()
	t.regions[id] = newRegion(id)
	t.mu.Unlock()

	return id
}

// regionFor returns the Region for id, which must already exist (created
// by NewRegion or recovery's region-rebuild step).
func (t *SharedPointerTable) regionFor(id uint16) *Region {
	t.mu.RLock()
	r := t.regions[id]
	t.mu.RUnlock()

	return r
}

// ensureRegion returns the region for id, creating it if this is the
// first time it's observed (used by recovery, which discovers region ids
// by scanning segments rather than by calling NewRegion).
func (t *SharedPointerTable) ensureRegion(id uint16) *Region {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.regions[id]
	if !ok {
		r = newRegion(id)
		t.regions[id] = r

		for uint64(id) >= t.nextRegion.Load() {
			t.nextRegion.Store(uint64(id) + 1)
		}
	}

	return r
}

// Allocate reserves a fresh address in region and returns it along with
// its control word. hint optionally biases placement onto the same page
// as an existing nearby address for prefetch locality.
func (t *SharedPointerTable) Allocate(region uint16, hint []Address) (Address, *Control, error) {
	r := t.regionFor(region)
	if r == nil {
		return NullAddress, nil, ErrInvalidAddress
	}

	var (
		index uint32
		ctrl  *Control
		err   error
	)

	if len(hint) > 0 {
		index, ctrl, err = r.allocateWithHint(hint)
	} else {
		index, ctrl, err = r.allocate()
	}

	if err != nil {
		return NullAddress, nil, err
	}

	return NewAddress(region, index), ctrl, nil
}

// Get resolves an address to its control word in O(1) via pointer
// arithmetic over the region's page array — no locks on the read path
// once the page exists.
func (t *SharedPointerTable) Get(addr Address) (*Control, error) {
	if addr.IsNull() {
		return nil, ErrInvalidAddress
	}

	r := t.regionFor(addr.Region())
	if r == nil {
		return nil, ErrInvalidAddress
	}

	pageIdx := int(addr.Index() / slotsPerPage)
	if pageIdx >= r.pageCount() {
		return nil, ErrInvalidAddress
	}

	within := addr.Index() % slotsPerPage

	return &r.pageAt(pageIdx).slots[within], nil
}

// markUsed withdraws addr's slot from its region's free bitmaps without
// touching the control word already stored there, for recovery's direct
// Reset-then-claim sequence.
func (t *SharedPointerTable) markUsed(addr Address) {
	r := t.regionFor(addr.Region())
	if r == nil {
		return
	}

	r.markUsed(addr.Index())
}

// Free releases addr's control-word slot back to its region's bitmaps.
// The caller must have already zeroed the control word (observed ref==0):
// Free only flips the bitmap bits.
func (t *SharedPointerTable) Free(addr Address) error {
	r := t.regionFor(addr.Region())
	if r == nil {
		return ErrInvalidAddress
	}

	r.free(addr.Index())

	return nil
}

// Retain increments addr's reference count.
func (t *SharedPointerTable) Retain(addr Address) error {
	ctrl, err := t.Get(addr)
	if err != nil {
		return err
	}

	return ctrl.Retain()
}

// Release decrements addr's reference count, freeing the slot back to
// the region bitmaps when it drops to zero.
func (t *SharedPointerTable) Release(addr Address) error {
	ctrl, err := t.Get(addr)
	if err != nil {
		return err
	}

	if ctrl.Release() {
		ctrl.Free()

		return t.Free(addr)
	}

	return nil
}

// ResetAllRefsAboveOneToOne is used only by recovery: it
// walks every control word in every region and, for every non-zero ref,
// decrements it by one; addresses whose ref reaches zero are returned to
// the free lists. This undoes the retain() sweep done while establishing
// reachability from the root set, leaving exactly the correct refcounts.
func (t *SharedPointerTable) ResetAllRefsAboveOneToOne() {
	t.mu.RLock()
	regions := make([]*Region, 0, len(t.regions))
	for _, r := range t.regions {
		regions = append(regions, r)
	}
	t.mu.RUnlock()

	for _, r := range regions {
		n := r.pageCount()
		for pi := 0; pi < n; pi++ {
			p := r.pageAt(pi)
			for i := range p.slots {
				ctrl := &p.slots[i]

				for {
					old := ctrl.Load()
					if old.Ref == 0 {
						break
					}

					if old.Ref == 1 {
						index := uint32(pi)*slotsPerPage + uint32(i)
						ctrl.Free()
						r.free(index)

						break
					}

					oldWord := old.encode()
					newDecoded := old
					newDecoded.Ref--

					if ctrl.word.CompareAndSwap(oldWord, newDecoded.encode()) {
						break
					}
				}
			}
		}
	}
}
