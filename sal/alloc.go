package sal

// Session allocation API: alloc, realloc, unalloc against tagged,
// explicit object headers in a segment's bump-allocated region.

// Alloc reserves size bytes for a fresh object of the given type in the
// session's active segment, writes the object header, and invokes init
// on the (uninitialized) body before publishing the control word with
// ref=1. hint optionally colocates the new address on the same
// shared-pointer-table page as nearby addresses.
func (s *Session) Alloc(size uint32, objType uint8, region uint16, hint []Address, init func(body []byte)) (Address, error) {
	size64 := roundUp64(size)
	total := uint32(objectHeaderSize) + size64
	if uint64(total) > s.db.cfg.SegmentSize {
		return NullAddress, ErrObjectTooLarge
	}

	seg, offset, err := s.reserveSpace(total)
	if err != nil {
		return NullAddress, err
	}

	addr, ctrl, err := s.db.sharedPtrs.Allocate(region, hint)
	if err != nil {
		seg.unbump(offset, total)
		return NullAddress, err
	}

	seq := seg.nextSequence()
	s.writeObject(seg, offset, ObjectHeader{
		Type:           objType,
		SizeBytes:      size,
		Sequence:       seq,
		LogicalAddress: addr,
	}, init)

	loc := LocationFromAbsolute(s.db.segments.AbsoluteOffset(seg.Number(), offset))
	ctrl.Reset(loc, 1)

	s.lastAllocSeg = seg
	s.lastAllocOffset = offset
	s.lastAllocSize = total

	return addr, nil
}

// Realloc replaces addr's content with a fresh size-byte body of the
// given type, reusing the existing address. The old bytes
// are recorded as freed on their segment; the control word's location is
// updated with CAS-move. ErrMoved means a concurrent compactor relocated
// the object first — the caller should re-read the control word and
// retry.
func (s *Session) Realloc(addr Address, size uint32, objType uint8, init func(body []byte)) error {
	ctrl, err := s.db.sharedPtrs.Get(addr)
	if err != nil {
		return err
	}

	old := ctrl.LoadAcquire()
	if old.Ref == 0 {
		return ErrInvalidAddress
	}

	oldSeg, oldOffset, oldTotal, err := s.db.resolveObject(old.Loc)
	if err != nil {
		return err
	}

	size64 := roundUp64(size)
	total := uint32(objectHeaderSize) + size64
	if uint64(total) > s.db.cfg.SegmentSize {
		return ErrObjectTooLarge
	}

	seg, offset, err := s.reserveSpace(total)
	if err != nil {
		return err
	}

	seq := seg.nextSequence()
	s.writeObject(seg, offset, ObjectHeader{
		Type:           objType,
		SizeBytes:      size,
		Sequence:       seq,
		LogicalAddress: addr,
	}, init)

	newLoc := LocationFromAbsolute(s.db.segments.AbsoluteOffset(seg.Number(), offset))
	if err := ctrl.CASMove(old.Loc, newLoc); err != nil {
		seg.unbump(offset, total)
		return err
	}

	oldSeg.recordFreed(oldTotal)

	s.lastAllocSeg = seg
	s.lastAllocOffset = offset
	s.lastAllocSize = total

	return nil
}

// Unalloc rewinds the active segment's bump pointer by size, but only if
// the most recent allocation from this session was of exactly that size.
// This is the abort path for a caller that allocated and then decided not
// to keep the object.
func (s *Session) Unalloc(size uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := uint32(objectHeaderSize) + roundUp64(size)
	if s.lastAllocSeg == nil || s.lastAllocSize != total {
		return false
	}

	ok := s.lastAllocSeg.unbump(s.lastAllocOffset, total)
	if ok {
		s.lastAllocSeg = nil
		s.lastAllocSize = 0
	}

	return ok
}

// Get resolves addr to its object header and body. The caller must hold
// the session's read lock around any dereference of an address.
func (s *Session) Get(addr Address) (ObjectHeader, []byte, error) {
	s.Lock()
	defer s.Unlock()

	ctrl, err := s.db.sharedPtrs.Get(addr)
	if err != nil {
		return ObjectHeader{}, nil, err
	}

	cur := ctrl.LoadAcquire()
	if cur.Ref == 0 {
		return ObjectHeader{}, nil, ErrInvalidAddress
	}

	seg, offset, _, err := s.db.resolveObject(cur.Loc)
	if err != nil {
		return ObjectHeader{}, nil, err
	}

	hdr := DecodeObjectHeader(seg.data[offset : offset+objectHeaderSize])
	body := seg.data[offset+objectHeaderSize : offset+objectHeaderSize+roundUp64(hdr.SizeBytes)][:hdr.SizeBytes]

	// Only a read of an already read-only (synced) location that clears
	// the cache-difficulty bar and is the *second* observed read
	// (TryIncActivity) is queued for promotion.
	if s.db.cfg.CacheOnRead && seg.isReadOnly(offset) &&
		s.db.difficulty.ShouldCache(s.rng.next32(), hdr.SizeBytes) && ctrl.TryIncActivity() {
		s.readCache.Push(addr)
	}

	return hdr, body, nil
}

// reserveSpace claims total bytes in the session's active segment,
// finalizing and replacing it via the provider as needed.
func (s *Session) reserveSpace(total uint32) (*Segment, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < 64; attempt++ {
		if s.active == nil {
			seg, err := s.db.provider.Claim(s.allocToPinned)
			if err != nil {
				return nil, 0, err
			}

			s.adopt(seg)
		}

		if offset, ok := s.active.tryBumpAlloc(total); ok {
			return s.active, offset, nil
		}

		if err := s.finalizeActiveLocked(); err != nil {
			return nil, 0, err
		}
	}

	return nil, 0, ErrCapacityRetryExhausted
}

// adopt takes ownership of a freshly claimed segment.
func (s *Session) adopt(seg *Segment) {
	seg.meta.sessionID.Store(uint64(s.id))
	seg.meta.isAlloc.Store(true)
	seg.meta.openTimeUsec.Store(uint64(s.db.now().UnixMicro()))
	s.active = seg
}

// finalizeActiveLocked seals the active segment and enqueues it for sync.
// Must be called with s.mu held.
func (s *Session) finalizeActiveLocked() error {
	if s.active == nil {
		return nil
	}

	s.active.finalize()
	s.active.meta.closeTimeUsec.Store(uint64(s.db.now().UnixMicro()))

	if len(s.dirty) >= maxDirtySegments {
		return ErrDirtyQueueOverflow
	}

	s.dirty = append(s.dirty, s.active)
	s.active = nil

	return nil
}

// writeObject serializes hdr and calls init on the body slice, then
// optionally checksums the body, per Config.UpdateChecksumOnMod.
func (s *Session) writeObject(seg *Segment, offset uint64, hdr ObjectHeader, init func([]byte)) {
	size64 := roundUp64(hdr.SizeBytes)
	body := seg.data[offset+objectHeaderSize : offset+objectHeaderSize+uint64(size64)][:hdr.SizeBytes]

	if init != nil {
		init(body)
	}

	if s.db.cfg.UpdateChecksumOnMod {
		hdr.Checksum = checksumBytes(body)
	}

	copy(seg.data[offset:offset+objectHeaderSize], EncodeObjectHeader(hdr))
}

// resolveObject maps a Location back to its segment, in-segment offset,
// and total on-disk span (header + rounded body), by reading the object
// header already present there.
func (db *Database) resolveObject(loc Location) (*Segment, uint64, uint32, error) {
	segNum := loc.SegmentNumber(db.cfg.SegmentSize)
	if segNum >= db.segments.NumSegments() {
		return nil, 0, 0, ErrInvalidAddress
	}

	seg := db.segments.Get(segNum)
	offset := loc.SegmentOffset(db.cfg.SegmentSize)

	if offset+objectHeaderSize > seg.size {
		return nil, 0, 0, ErrCorruption
	}

	hdr := DecodeObjectHeader(seg.data[offset : offset+objectHeaderSize])
	total := uint32(objectHeaderSize) + roundUp64(hdr.SizeBytes)

	return seg, offset, total, nil
}
