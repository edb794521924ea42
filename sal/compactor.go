package sal

import (
	"sync"
	"sync/atomic"
	"time"
)

// compactorPinnedSessionID and compactorUnpinnedSessionID place the
// compactor's two destination "sessions" past the real session table's 64 slots, so segment
// ownership checks never collide with a real session id.
const (
	compactorPinnedSessionID   = maxSessions
	compactorUnpinnedSessionID = maxSessions + 1
)

// Compactor is the background reclamation thread: it scans segments for
// compaction candidates and relocates their still-live objects elsewhere.
type Compactor struct {
	db    *Database
	store *SegmentStore
	queue *ReadLockQueue

	freedThreshold float64

	pinnedDest, unpinnedDest *Session
	rng                      *lehmer64

	wake chan struct{}
	stop atomic.Bool
	done chan struct{}

	heartbeat atomic.Int64

	now    func() time.Time
	logger func(string, ...any)

	mu sync.Mutex
}

// NewCompactor constructs a compactor bound to db. Call Run in its own
// goroutine.
func NewCompactor(db *Database, freedThreshold float64, now func() time.Time, logger func(string, ...any)) *Compactor {
	if now == nil {
		now = time.Now
	}

	if logger == nil {
		logger = func(string, ...any) {}
	}

	c := &Compactor{
		db:             db,
		store:          db.segments,
		queue:          db.readLockQueue,
		freedThreshold: freedThreshold,
		rng:            newLehmer64(0xC0FFEE),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		now:            now,
		logger:         logger,
	}

	c.pinnedDest = &Session{id: compactorPinnedSessionID, db: db, allocToPinned: true}
	c.unpinnedDest = &Session{id: compactorUnpinnedSessionID, db: db, allocToPinned: false}

	return c
}

// Stop requests the compactor loop to exit and blocks until it does.
func (c *Compactor) Stop() {
	c.stop.Store(true)
	c.Wake()
	<-c.done
}

// Wake nudges the compactor to run a cycle immediately.
func (c *Compactor) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Heartbeat returns the last time the compactor completed a loop
// iteration.
func (c *Compactor) Heartbeat() time.Time { return time.Unix(0, c.heartbeat.Load()) }

// Run is the compactor's event loop.
func (c *Compactor) Run() {
	defer close(c.done)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		c.cycle()
		c.heartbeat.Store(c.now().UnixNano())

		if c.stop.Load() {
			return
		}

		select {
		case <-c.wake:
		case <-ticker.C:
		}

		if c.stop.Load() {
			return
		}
	}
}

// cycle scans every segment once for a compaction candidate and, if
// found, compacts it.
func (c *Compactor) cycle() {
	n := c.store.NumSegments()

	for num := uint32(0); num < n; num++ {
		if c.stop.Load() {
			return
		}

		seg := c.store.Get(num)
		if !seg.isCompactable() || seg.FreedFraction() < c.freedThreshold {
			continue
		}

		c.compact(seg)
	}

	c.drainReadCaches()
}

// compact walks a source segment's committed records and relocates each
// still-live object out before the segment is recycled.
func (c *Compactor) compact(seg *Segment) {
	allocPos := seg.AllocPos()
	if allocPos < 0 {
		allocPos = int64(seg.size)
	}

	var offset uint64
	for offset < uint64(allocPos) {
		if offset+recordPrefixSize > uint64(allocPos) {
			break
		}

		switch peekHeaderType(seg.data[offset:]) {
		case headerTypeSync:
			offset += syncHeaderSize

		case headerTypeObject:
			hdr := DecodeObjectHeader(seg.data[offset : offset+objectHeaderSize])
			total := uint64(objectHeaderSize) + uint64(roundUp64(hdr.SizeBytes))

			c.relocateIfLive(seg, offset, hdr, uint32(total))

			offset += total

		default:
			// Unrecognized byte at this offset means the segment's tail
			// past the last sync header was never committed; stop the
			// walk here rather than interpreting garbage as a header.
			return
		}
	}
}

// relocateIfLive moves one object out of seg if its control word still
// points at this exact location.
func (c *Compactor) relocateIfLive(seg *Segment, offset uint64, hdr ObjectHeader, total uint32) {
	ctrl, err := c.db.sharedPtrs.Get(hdr.LogicalAddress)
	if err != nil {
		return
	}

	cur := ctrl.LoadAcquire()
	loc := LocationFromAbsolute(c.store.AbsoluteOffset(seg.Number(), offset))
	if cur.Ref == 0 || cur.Loc != loc {
		return // dead, or already moved by someone else
	}

	dest := c.chooseDestination(hdr.SizeBytes)

	newSeg, newOffset, err := dest.reserveSpace(total)
	if err != nil {
		c.logger("compactor: reserve failed", "err", err)
		return
	}

	copy(newSeg.data[newOffset:newOffset+uint64(total)], seg.data[offset:offset+uint64(total)])

	relocatedHdr := hdr
	relocatedHdr.Sequence = newSeg.nextSequence()
	copy(newSeg.data[newOffset:newOffset+objectHeaderSize], EncodeObjectHeader(relocatedHdr))

	newLoc := LocationFromAbsolute(c.store.AbsoluteOffset(newSeg.Number(), newOffset))
	if err := ctrl.CASMove(loc, newLoc); err != nil {
		newSeg.unbump(newOffset, total)
		return
	}

	newSeg.meta.vage.Add(uint64(total), seg.meta.vage.Average())
	seg.recordFreed(total)

	if newSeg.IsPinned() {
		c.db.difficulty.Report(uint64(total), c.now())
	}

	if seg.LiveBytes() == 0 {
		c.pushRecyclable(seg)
	}
}

// chooseDestination applies the cache-difficulty decision: objects that
// clear ShouldCache go to the pinned destination, others to the
// unpinned one.
func (c *Compactor) chooseDestination(size uint32) *Session {
	if c.db.difficulty.ShouldCache(c.rng.next32(), size) {
		return c.pinnedDest
	}

	return c.unpinnedDest
}

// pushRecyclable pushes an emptied segment onto the read-lock queue,
// guarding against pushing the same segment twice.
func (c *Compactor) pushRecyclable(seg *Segment) {
	if !seg.meta.readLockQueuePos.CompareAndSwap(-1, 0) {
		return
	}

	c.queue.Push(seg.Number())
}

// drainReadCaches drains every session's read-cache ring and forwards
// reported bytes to the difficulty controller. Each address observed
// here is already sitting in a read-only segment, so there is nothing
// further to relocate; draining only feeds the difficulty controller's
// trigger evaluation.
func (c *Compactor) drainReadCaches() {
	c.db.sessions.mu.RLock()
	sessions := make([]*Session, 0, maxSessions)
	for _, s := range c.db.sessions.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	c.db.sessions.mu.RUnlock()

	for _, s := range sessions {
		addrs := s.readCache.DrainAll()
		if len(addrs) == 0 {
			continue
		}

		c.db.difficulty.Report(uint64(len(addrs))*64, c.now())
	}
}
