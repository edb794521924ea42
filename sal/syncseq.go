package sal

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// pageSize is the granularity sync rounds first_writable_page to: the
// next page boundary past the segment's bump-alloc position.
const pageSize = 4096

func nextPageBoundary(pos uint64) uint64 {
	return (pos + pageSize - 1) &^ (pageSize - 1)
}

// Sync drains the session's dirty-segment queue, running the sync
// sequence on each finalized segment, then runs the same sequence
// (without finalizing) on the still-active segment so newly written
// bytes become visible to readers without waiting for it to fill.
func (s *Session) Sync(mode SyncMode) error {
	s.mu.Lock()
	dirty := s.dirty
	s.dirty = nil
	active := s.active
	s.mu.Unlock()

	for _, seg := range dirty {
		if err := s.db.syncSegment(seg, mode); err != nil {
			return err
		}
	}

	if active != nil {
		return s.db.syncSegment(active, mode)
	}

	return nil
}

// syncSegment carries one segment through its sync sequence: extend its
// read-only boundary, checksum and append a sync header, then flush.
func (db *Database) syncSegment(seg *Segment, mode SyncMode) error {
	seg.meta.sync.startSync()
	defer seg.meta.sync.endSync()

	oldFirstWritable := seg.meta.firstWritablePage.Load()
	filled := seg.FilledBytes()

	if filled <= oldFirstWritable {
		return nil // nothing new since the last sync
	}

	newFirstWritable := nextPageBoundary(filled)
	if newFirstWritable > seg.size {
		newFirstWritable = seg.size
	}

	startChecksum := oldFirstWritable
	if oldFirstWritable == 0 {
		startChecksum = 0
	} else if peekHeaderType(seg.data[previousSyncOffsetHint(seg, oldFirstWritable):]) == headerTypeSync {
		startChecksum = oldFirstWritable
	}

	var checksum uint64
	checksumByteCount := uint32(filled - startChecksum)
	if db.cfg.ChecksumCommits {
		// xxhash (XXH64, github.com/cespare/xxhash/v2) gives the same
		// streaming, non-cryptographic, 64-bit checksum shape the commit
		// format calls for.
		checksum = xxhash.Sum64(seg.data[startChecksum:filled])
	}

	syncHdr := SyncHeader{
		TimestampUsec:         uint64(db.now().UnixMicro()),
		StartOfChecksumRegion: uint32(startChecksum),
		ChecksumByteCount:     checksumByteCount,
		SourceSegment:         seg.Number(),
		XXH3Checksum:          checksum,
	}

	// The sync header itself is appended at the current fill position if
	// room remains; a finalized segment (filled == size already, or no
	// trailing space for a header) skips the physical append and only
	// performs the protect/flush steps, matching the terminal sync header
	// written implicitly at finalize time by the allocator's last real
	// object allocation boundary.
	headerWritten := false
	if filled+syncHeaderSize <= seg.size && seg.meta.allocPos.Load() >= 0 {
		offset, ok := seg.tryBumpAlloc(syncHeaderSize)
		if ok {
			copy(seg.data[offset:offset+syncHeaderSize], EncodeSyncHeader(syncHdr))
			headerWritten = true
		}
	}

	seg.meta.firstWritablePage.Store(newFirstWritable)

	// Carry the bump pointer past the page we're about to seal: it would
	// otherwise still sit just past the sync header inside that page, and
	// nothing stops the next allocation from landing in now-read-only
	// memory. Only do this when a header was actually placed to mark the
	// jump — recoverSegment skips a sync header to the same page boundary,
	// so an un-marked jump would leave a gap of zero bytes recovery can't
	// tell apart from a (SizeBytes==0, Type==0) object header.
	if headerWritten {
		seg.advanceAllocTo(newFirstWritable)
	}

	if err := db.segments.ProtectReadOnly(seg.Number(), newFirstWritable, unix.PROT_READ); err != nil {
		return err
	}

	switch mode {
	case SyncMsyncAsync:
		return db.segments.Sync(seg.Number(), newFirstWritable, unix.MS_ASYNC)
	case SyncMsyncSync:
		return db.segments.Sync(seg.Number(), newFirstWritable, unix.MS_SYNC)
	case SyncFsync:
		return db.mapping.Sync()
	default:
		return nil
	}
}

// previousSyncOffsetHint is a defensive bound so the header-type peek
// never reads before the start of the segment.
func previousSyncOffsetHint(seg *Segment, offset uint64) uint64 {
	if offset+recordPrefixSize > seg.size {
		return 0
	}

	return offset
}

func (db *Database) now() time.Time { return db.clock() }
