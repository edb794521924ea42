package sal

// Copy-on-write modify path, against the explicit object-header layout
// from segment.go.

// ModifyGuard is the scoped modify handle: an explicit acquisition type
// whose release frees the per-segment modify counter. Release must be
// called exactly once; Go has no destructors, so callers use Modify's
// functional form or call Release themselves via defer.
type ModifyGuard struct {
	seg    *Segment
	inPlace bool
	body   []byte
}

// Release ends the modify-holder slot taken for an in-place modification
// (no-op for a copy-on-write modification, which never takes one).
func (g *ModifyGuard) Release() {
	if g.inPlace {
		g.seg.meta.sync.endModify()
	}
}

// Body returns the mutable body slice the caller should write into.
func (g *ModifyGuard) Body() []byte { return g.body }

// Modify mutates addr's content via mutate, choosing in-place mutation
// when possible and falling back to copy-on-write otherwise:
//
//  1. In place is possible only if the current location's segment is
//     owned by this session, is not past its read-only boundary, and
//     try_modify() succeeds (no sync currently in progress on it).
//  2. Otherwise: allocate a same-size region in this session's active
//     segment, copy the old bytes in, run mutate on the copy, and
//     CAS-move the control word to the new location. A failed CAS means
//     a concurrent compactor already relocated the object; the caller
//     should re-read the control word and retry.
//
// On return (success or not), the per-segment modify counter has already
// been released — callers do not need their own guard in the common
// case; ModifyWithGuard is available for callers that need to hold the
// in-place slot open across more than a single mutate call.
func (s *Session) Modify(addr Address, mutate func(body []byte)) error {
	guard, err := s.ModifyWithGuard(addr, mutate)
	if err != nil {
		return err
	}

	guard.Release()

	if s.db.cfg.UpdateChecksumOnMod {
		s.updateChecksum(addr)
	}

	return nil
}

// ModifyWithGuard is Modify's non-auto-releasing form: the caller must
// call guard.Release() exactly once when done mutating guard.Body().
func (s *Session) ModifyWithGuard(addr Address, mutate func(body []byte)) (*ModifyGuard, error) {
	ctrl, err := s.db.sharedPtrs.Get(addr)
	if err != nil {
		return nil, err
	}

	old := ctrl.LoadAcquire()
	if old.Ref == 0 {
		return nil, ErrInvalidAddress
	}

	seg, offset, _, err := s.db.resolveObject(old.Loc)
	if err != nil {
		return nil, err
	}

	owned := seg.meta.sessionID.Load() == uint64(s.id)
	if owned && !seg.isReadOnly(offset) && seg.meta.sync.tryModify() {
		hdr := DecodeObjectHeader(seg.data[offset : offset+objectHeaderSize])
		body := seg.data[offset+objectHeaderSize : offset+objectHeaderSize+roundUp64(hdr.SizeBytes)][:hdr.SizeBytes]

		if mutate != nil {
			mutate(body)
		}

		return &ModifyGuard{seg: seg, inPlace: true, body: body}, nil
	}

	return s.copyOnWrite(addr, ctrl, old.Loc, seg, offset, mutate)
}

// copyOnWrite allocates a fresh region, copies the old bytes in, runs
// mutate on the copy, and CAS-moves the control word to the new location.
func (s *Session) copyOnWrite(addr Address, ctrl *Control, oldLoc Location, oldSeg *Segment, oldOffset uint64, mutate func([]byte)) (*ModifyGuard, error) {
	oldHdr := DecodeObjectHeader(oldSeg.data[oldOffset : oldOffset+objectHeaderSize])
	total := uint32(objectHeaderSize) + roundUp64(oldHdr.SizeBytes)

	newSeg, newOffset, err := s.reserveSpace(total)
	if err != nil {
		return nil, err
	}

	copy(newSeg.data[newOffset:newOffset+uint64(total)], oldSeg.data[oldOffset:oldOffset+uint64(total)])

	newHdr := oldHdr
	newHdr.Sequence = newSeg.nextSequence()
	copy(newSeg.data[newOffset:newOffset+objectHeaderSize], EncodeObjectHeader(newHdr))

	body := newSeg.data[newOffset+objectHeaderSize : newOffset+objectHeaderSize+roundUp64(newHdr.SizeBytes)][:newHdr.SizeBytes]
	if mutate != nil {
		mutate(body)
	}

	newLoc := LocationFromAbsolute(s.db.segments.AbsoluteOffset(newSeg.Number(), newOffset))
	if err := ctrl.CASMove(oldLoc, newLoc); err != nil {
		newSeg.unbump(newOffset, total)
		return nil, err
	}

	oldSeg.recordFreed(total)
	newSeg.meta.vage.Add(uint64(total), oldSeg.meta.vage.Average())

	s.lastAllocSeg = newSeg
	s.lastAllocOffset = newOffset
	s.lastAllocSize = total

	_ = addr // addr is unchanged by design; retained for signature symmetry

	return &ModifyGuard{seg: newSeg, inPlace: false, body: body}, nil
}

// updateChecksum recomputes and stores addr's per-object checksum after a
// Modify call, when Config.UpdateChecksumOnMod is set.
func (s *Session) updateChecksum(addr Address) {
	ctrl, err := s.db.sharedPtrs.Get(addr)
	if err != nil {
		return
	}

	cur := ctrl.LoadAcquire()
	if cur.Ref == 0 {
		return
	}

	seg, offset, _, err := s.db.resolveObject(cur.Loc)
	if err != nil {
		return
	}

	hdr := DecodeObjectHeader(seg.data[offset : offset+objectHeaderSize])
	body := seg.data[offset+objectHeaderSize : offset+objectHeaderSize+roundUp64(hdr.SizeBytes)][:hdr.SizeBytes]
	hdr.Checksum = checksumBytes(body)
	copy(seg.data[offset:offset+objectHeaderSize], EncodeObjectHeader(hdr))
}
