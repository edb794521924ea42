package sal

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Region bitmap geometry: each page holds 512 control words laid out as
// 8 cacheline-groups of 64 words each, so a single 64-bit word gives
// exact per-group "has a free word" and per-word "free slot" bitmaps.
// See DESIGN.md for how this compares to the original's narrower
// per-cacheline width.
const (
	cachelineGroupsPerPage = 8
	slotsPerCachelineGroup = 64
	slotsPerPage           = cachelineGroupsPerPage * slotsPerCachelineGroup // 512

	// pageWordsPerRegion is the width of the region-level "page has a
	// free word" bitmap: two 64-bit words, i.e. up to 128 pages per
	// region before the region must grow a third word. We grow this
	// slice on demand rather than hard-capping at 128 pages, since index
	// is 24 bits (up to 32768 pages).
	pageWordsInitial = 2
)

// page is one lazily-allocated array of 512 control words plus its two
// levels of free bitmaps.
type page struct {
	slots [slotsPerPage]Control

	// freeSlotWords[g] has bit i set iff slots[g*64+i] is free.
	freeSlotWords [cachelineGroupsPerPage]atomic.Uint64

	// freeGroupWord has bit g set iff freeSlotWords[g] != 0.
	freeGroupWord atomic.Uint64
}

func newPage() *page {
	p := &page{}
	for g := range p.freeSlotWords {
		p.freeSlotWords[g].Store(^uint64(0))
	}

	p.freeGroupWord.Store(^uint64(0))

	return p
}

// Region is a lazily-grown array of pages holding the control words for
// every address allocated under one region id.
type Region struct {
	id uint16

	mu    sync.Mutex // guards page-slice growth only; allocation is lock-free
	pages []*page

	// freePageWords[w] has bit p set iff pages[w*64+p] has a free word.
	// Grown alongside pages.
	freePageWords []atomic.Uint64
}

func newRegion(id uint16) *Region {
	r := &Region{id: id}
	r.freePageWords = make([]atomic.Uint64, pageWordsInitial)

	return r
}

// growTo ensures at least n pages exist, appending fresh free pages and
// setting their bit in freePageWords. Serialized by mu — growth is
// serialized by a mutex, reads lock-free — matching the block-mapping
// growth discipline this allocator is built on top of.
func (r *Region) growTo(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.pages) < n {
		idx := len(r.pages)
		wordIdx := idx / 64
		for wordIdx >= len(r.freePageWords) {
			r.freePageWords = append(r.freePageWords, atomic.Uint64{})
		}

		r.pages = append(r.pages, newPage())
		r.freePageWords[wordIdx].Or(1 << uint(idx%64))
	}
}

func (r *Region) pageAt(idx int) *page {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pages[idx]
}

func (r *Region) pageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pages)
}

// allocate performs the three-level bit-scan trichotomy: free-page bit
// -> free-cacheline(-group) bit -> free-slot bit, each cleared with a
// CAS, cascading the clear upward when a level empties.
// It retries on transient CAS loss from concurrent allocators.
func (r *Region) allocate() (uint32, *Control, error) {
	const maxSpin = 1 << 16

	for attempt := 0; attempt < maxSpin; attempt++ {
		pageIdx, ok := r.findFreePage()
		if !ok {
			r.growTo(r.pageCount() + 1)
			continue
		}

		p := r.pageAt(pageIdx)

		groupIdx, ok := findSetBit(&p.freeGroupWord)
		if !ok {
			// Page's last free group was claimed by someone else; retry.
			continue
		}

		slotIdx, ok := claimLowestBit(&p.freeSlotWords[groupIdx])
		if !ok {
			continue
		}

		// Propagate clears upward when a level became empty.
		if p.freeSlotWords[groupIdx].Load() == 0 {
			prior := p.freeGroupWord.And(^(uint64(1) << uint(groupIdx)))
			if prior&^(uint64(1)<<uint(groupIdx)) == 0 {
				r.clearPageBit(pageIdx)
			}
		}

		index := uint32(pageIdx)*slotsPerPage + uint32(groupIdx)*slotsPerCachelineGroup + uint32(slotIdx)

		return index, &p.slots[groupIdx*slotsPerCachelineGroup+slotIdx], nil
	}

	return 0, nil, ErrCapacityRetryExhausted
}

// allocateWithHint is identical to allocate but first tries to place the
// new address on the same page as one of the hinted addresses, to
// colocate related objects for prefetch efficiency.
func (r *Region) allocateWithHint(hint []Address) (uint32, *Control, error) {
	for _, h := range hint {
		pageIdx := int(h.Index() / slotsPerPage)
		if pageIdx >= r.pageCount() {
			continue
		}

		p := r.pageAt(pageIdx)
		if p.freeGroupWord.Load() == 0 {
			continue
		}

		groupIdx, ok := findSetBit(&p.freeGroupWord)
		if !ok {
			continue
		}

		slotIdx, ok := claimLowestBit(&p.freeSlotWords[groupIdx])
		if !ok {
			continue
		}

		if p.freeSlotWords[groupIdx].Load() == 0 {
			prior := p.freeGroupWord.And(^(uint64(1) << uint(groupIdx)))
			if prior&^(uint64(1)<<uint(groupIdx)) == 0 {
				r.clearPageBit(pageIdx)
			}
		}

		index := uint32(pageIdx)*slotsPerPage + uint32(groupIdx)*slotsPerCachelineGroup + uint32(slotIdx)

		return index, &p.slots[groupIdx*slotsPerCachelineGroup+slotIdx], nil
	}

	return r.allocate()
}

// free reverses the propagation done by allocate: set the slot bit, then
// the group bit if the page transitioned from "no free slots in this
// group" to "has one", then the page bit likewise.
func (r *Region) free(index uint32) {
	pageIdx := int(index / slotsPerPage)
	within := index % slotsPerPage
	groupIdx := within / slotsPerCachelineGroup
	slotIdx := within % slotsPerCachelineGroup

	p := r.pageAt(pageIdx)

	prior := p.freeSlotWords[groupIdx].Or(uint64(1) << slotIdx)
	if prior == 0 {
		// Group went from fully-allocated to has-a-free-slot.
		groupPrior := p.freeGroupWord.Or(uint64(1) << uint(groupIdx))
		if groupPrior == 0 {
			r.setPageBit(pageIdx)
		}
	}
}

// markUsed withdraws index from the free bitmaps without touching its
// control word, the mirror image of free — used by recovery, which
// writes a control word directly into a freshly grown page via Reset
// rather than going through allocate, and so must separately tell the
// bitmaps that slot is no longer free.
func (r *Region) markUsed(index uint32) {
	pageIdx := int(index / slotsPerPage)
	within := index % slotsPerPage
	groupIdx := within / slotsPerCachelineGroup
	slotIdx := within % slotsPerCachelineGroup

	p := r.pageAt(pageIdx)

	prior := p.freeSlotWords[groupIdx].And(^(uint64(1) << slotIdx))
	if prior&^(uint64(1)<<slotIdx) == 0 {
		// Group transitioned to fully-allocated.
		groupPrior := p.freeGroupWord.And(^(uint64(1) << uint(groupIdx)))
		if groupPrior&^(uint64(1)<<uint(groupIdx)) == 0 {
			r.clearPageBit(pageIdx)
		}
	}
}

func (r *Region) findFreePage() (int, bool) {
	r.mu.Lock()
	words := len(r.freePageWords)
	r.mu.Unlock()

	for w := 0; w < words; w++ {
		v := r.freePageWords[w].Load()
		if v == 0 {
			continue
		}

		bit := bits.TrailingZeros64(v)

		return w*64 + bit, true
	}

	return 0, false
}

func (r *Region) setPageBit(pageIdx int) {
	r.mu.Lock()
	for pageIdx/64 >= len(r.freePageWords) {
		r.freePageWords = append(r.freePageWords, atomic.Uint64{})
	}
	r.mu.Unlock()

	r.freePageWords[pageIdx/64].Or(uint64(1) << uint(pageIdx%64))
}

func (r *Region) clearPageBit(pageIdx int) {
	r.mu.Lock()
	words := len(r.freePageWords)
	r.mu.Unlock()

	if pageIdx/64 >= words {
		return
	}

	r.freePageWords[pageIdx/64].And(^(uint64(1) << uint(pageIdx%64)))
}

// findSetBit finds and returns the index of the lowest set bit without
// clearing it (used for the group-level scan, whose corresponding slot
// word is the real authority on emptiness).
func findSetBit(w *atomic.Uint64) (int, bool) {
	v := w.Load()
	if v == 0 {
		return 0, false
	}

	return bits.TrailingZeros64(v), true
}

// claimLowestBit clears the lowest set bit of w with a CAS loop and
// returns its index, or false if w was already zero.
func claimLowestBit(w *atomic.Uint64) (int, bool) {
	for {
		v := w.Load()
		if v == 0 {
			return 0, false
		}

		bit := bits.TrailingZeros64(v)
		if w.CompareAndSwap(v, v&^(uint64(1)<<uint(bit))) {
			return bit, true
		}
	}
}
