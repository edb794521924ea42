package sal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	natomic "github.com/natefinch/atomic"

	"github.com/arbtrie/sal/pkg/fs"
	"github.com/arbtrie/sal/sal/mapping"
)

// numTopRoots is the reference configuration's root-control-word count:
// an array of N top-root control words, N=512.
const numTopRoots = 512

const (
	dbMagic       = 0x3153414C // stored little-endian: bytes "LAS1"
	dbHeaderSize  = 4 + 4 + 4 + 8 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + numTopRoots*8
	dbFileName    = "dbfile.bin"
	segmentsFile  = "segments.bin"
	flagChecksumCommits = 1 << 0
	flagUpdateChecksum  = 1 << 1
	flagCacheOnRead     = 1 << 2
	flagRunCompactor    = 1 << 3
	flagRunProvider     = 1 << 4
	flagRunReadDecay    = 1 << 5
)

// dbHeader is the on-disk, fixed-size layout of dbfile.bin: magic,
// flags, clean_shutdown, runtime_config, and the top-root control words.
// Every integer is encoded little-endian, on every architecture.
type dbHeader struct {
	magic         uint32
	flags         uint32
	cleanShutdown uint32
	segmentSize   uint64
	maxSegments   uint32
	maxMlocked    uint32
	syncMode      uint32
	cacheWindowMs uint64
	freedThresholdMilli uint64
	tightenNum, tightenDen uint64
	loosenNumDen  uint64 // packed: high32=loosenNum low32=loosenDen (kept compact; see encode/decode)
	topRoots      [numTopRoots]uint64
}

func encodeDBHeader(h dbHeader) []byte {
	buf := make([]byte, dbHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.magic)
	binary.LittleEndian.PutUint32(buf[4:], h.flags)
	binary.LittleEndian.PutUint32(buf[8:], h.cleanShutdown)
	binary.LittleEndian.PutUint64(buf[12:], h.segmentSize)
	binary.LittleEndian.PutUint32(buf[20:], h.maxSegments)
	binary.LittleEndian.PutUint32(buf[24:], h.maxMlocked)
	binary.LittleEndian.PutUint32(buf[28:], h.syncMode)
	binary.LittleEndian.PutUint64(buf[32:], h.cacheWindowMs)
	binary.LittleEndian.PutUint64(buf[40:], h.freedThresholdMilli)
	binary.LittleEndian.PutUint64(buf[48:], h.tightenNum)
	binary.LittleEndian.PutUint64(buf[56:], h.tightenDen)
	binary.LittleEndian.PutUint64(buf[64:], h.loosenNumDen)

	off := 72
	for i := range h.topRoots {
		binary.LittleEndian.PutUint64(buf[off:], h.topRoots[i])
		off += 8
	}

	return buf
}

func decodeDBHeader(buf []byte) (dbHeader, error) {
	if len(buf) != dbHeaderSize {
		return dbHeader{}, fmt.Errorf("dbfile.bin: size %d, want %d: %w", len(buf), dbHeaderSize, ErrConfiguration)
	}

	var h dbHeader
	h.magic = binary.LittleEndian.Uint32(buf[0:])
	h.flags = binary.LittleEndian.Uint32(buf[4:])
	h.cleanShutdown = binary.LittleEndian.Uint32(buf[8:])
	h.segmentSize = binary.LittleEndian.Uint64(buf[12:])
	h.maxSegments = binary.LittleEndian.Uint32(buf[20:])
	h.maxMlocked = binary.LittleEndian.Uint32(buf[24:])
	h.syncMode = binary.LittleEndian.Uint32(buf[28:])
	h.cacheWindowMs = binary.LittleEndian.Uint64(buf[32:])
	h.freedThresholdMilli = binary.LittleEndian.Uint64(buf[40:])
	h.tightenNum = binary.LittleEndian.Uint64(buf[48:])
	h.tightenDen = binary.LittleEndian.Uint64(buf[56:])
	h.loosenNumDen = binary.LittleEndian.Uint64(buf[64:])

	off := 72
	for i := range h.topRoots {
		h.topRoots[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}

	if h.magic != dbMagic {
		return dbHeader{}, fmt.Errorf("dbfile.bin: bad magic %#x: %w", h.magic, ErrConfiguration)
	}

	return h, nil
}

func headerFromConfig(cfg Config) dbHeader {
	var flags uint32
	if cfg.ChecksumCommits {
		flags |= flagChecksumCommits
	}
	if cfg.UpdateChecksumOnMod {
		flags |= flagUpdateChecksum
	}
	if cfg.CacheOnRead {
		flags |= flagCacheOnRead
	}
	if cfg.RunCompactor {
		flags |= flagRunCompactor
	}
	if cfg.RunProvider {
		flags |= flagRunProvider
	}
	if cfg.RunReadBitDecay {
		flags |= flagRunReadDecay
	}

	return dbHeader{
		magic:               dbMagic,
		flags:               flags,
		cleanShutdown:        1,
		segmentSize:         cfg.SegmentSize,
		maxSegments:         cfg.MaxSegments,
		maxMlocked:          cfg.MaxMlockedSegments,
		syncMode:            uint32(cfg.SyncMode),
		cacheWindowMs:       uint64(cfg.CacheFrequencyWindow / time.Millisecond),
		freedThresholdMilli: uint64(cfg.CompactorFreedThreshold * 1000),
		tightenNum:          cfg.CacheTightenNum,
		tightenDen:          cfg.CacheTightenDen,
		loosenNumDen:        cfg.CacheLoosenNum<<32 | cfg.CacheLoosenDen,
	}
}

func (h dbHeader) toConfig() Config {
	cfg := DefaultConfig()
	cfg.SegmentSize = h.segmentSize
	cfg.MaxSegments = h.maxSegments
	cfg.MaxMlockedSegments = h.maxMlocked
	cfg.SyncMode = SyncMode(h.syncMode)
	cfg.ChecksumCommits = h.flags&flagChecksumCommits != 0
	cfg.UpdateChecksumOnMod = h.flags&flagUpdateChecksum != 0
	cfg.CacheOnRead = h.flags&flagCacheOnRead != 0
	cfg.RunCompactor = h.flags&flagRunCompactor != 0
	cfg.RunProvider = h.flags&flagRunProvider != 0
	cfg.RunReadBitDecay = h.flags&flagRunReadDecay != 0
	cfg.CacheFrequencyWindow = time.Duration(h.cacheWindowMs) * time.Millisecond
	cfg.CompactorFreedThreshold = float64(h.freedThresholdMilli) / 1000
	cfg.CacheTightenNum = h.tightenNum
	cfg.CacheTightenDen = h.tightenDen
	cfg.CacheLoosenNum = h.loosenNumDen >> 32
	cfg.CacheLoosenDen = h.loosenNumDen & 0xFFFFFFFF

	return cfg
}

// RecoveryReport summarizes what Open's recovery pass did; the pass runs
// on every Open, and Clean records whether the previous shutdown was
// clean.
type RecoveryReport struct {
	Clean             bool
	SegmentsScanned   int
	LiveAddresses     int
	FreedAddresses    int
	TruncatedSegments []TruncatedSegment
}

// TruncatedSegment records one segment truncated at its last good sync
// header during recovery.
type TruncatedSegment struct {
	Segment    uint32
	TruncateAt uint64
}

// Database is the top-level handle wiring every allocator component
// together: dbfile.bin and the segments.bin segment store.
type Database struct {
	fsys fs.FS
	dir  string

	cfg   Config
	clock func() time.Time
	log   func(string, ...any)

	mapping     *mapping.Mapping
	segments    *SegmentStore
	sharedPtrs  *SharedPointerTable
	sessions    *SessionTable
	readLockQueue *ReadLockQueue
	difficulty  *CacheDifficultyController
	provider    *Provider
	compactor   *Compactor

	rootsMu  sync.Mutex
	topRoots [numTopRoots]Control

	rootWalker RootWalker

	closed atomic.Bool
}

// Option configures optional Database behavior at Open time.
type Option func(*Database)

// WithClock overrides the time source, replacing the singleton time
// manager with an injected clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(db *Database) { db.clock = now }
}

// WithLogger installs the background-thread diagnostic hook: an optional
// func(event string, fields ...any).
func WithLogger(logger func(string, ...any)) Option {
	return func(db *Database) { db.log = logger }
}

// Open opens or creates a database directory, running recovery as
// needed.
func Open(fsys fs.FS, dir string, cfg Config, opts ...Option) (*Database, RecoveryReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, RecoveryReport{}, err
	}

	if fsys == nil {
		fsys = fs.NewReal()
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, RecoveryReport{}, fmt.Errorf("open %s: %w: %w", dir, err, ErrResource)
	}

	db := &Database{
		fsys:  fsys,
		dir:   dir,
		cfg:   cfg,
		clock: time.Now,
		log:   func(string, ...any) {},
	}

	for _, opt := range opts {
		opt(db)
	}

	headerPath := filepath.Join(dir, dbFileName)

	header, existed, err := db.readOrInitHeader(headerPath, cfg)
	if err != nil {
		return nil, RecoveryReport{}, err
	}

	db.cfg = header.toConfig()

	m, err := mapping.Open(mapping.Options{
		FS:        fsys,
		Path:      filepath.Join(dir, segmentsFile),
		BlockSize: db.cfg.SegmentSize,
		MaxBlocks: uint64(db.cfg.MaxSegments),
	})
	if err != nil {
		return nil, RecoveryReport{}, fmt.Errorf("%w: %w", err, ErrResource)
	}

	db.mapping = m
	db.segments = NewSegmentStore(m, db.cfg.SegmentSize, db.cfg.MaxSegments)

	// Register any segments the mapping already found on disk so recover
	// below can scan them; newly created databases start with zero.
	if n := m.NumBlocks(); n > 0 {
		if err := db.segments.ensureCapacity(uint32(n)); err != nil {
			return nil, RecoveryReport{}, err
		}
	}

	db.sharedPtrs = NewSharedPointerTable()
	db.sessions = newSessionTable()
	db.readLockQueue = newReadLockQueue(db.sessions)

	totalCacheSize := uint64(db.cfg.MaxMlockedSegments) * db.cfg.SegmentSize
	db.difficulty = NewCacheDifficultyController(totalCacheSize, db.cfg.CacheFrequencyWindow, db.clock)
	db.difficulty.tightenNum, db.difficulty.tightenDen = db.cfg.CacheTightenNum, db.cfg.CacheTightenDen
	db.difficulty.loosenNum, db.difficulty.loosenDen = db.cfg.CacheLoosenNum, db.cfg.CacheLoosenDen

	db.rootsMu.Lock()
	for i, word := range header.topRoots {
		db.topRoots[i].word.Store(word)
	}
	db.rootsMu.Unlock()

	db.provider = NewProvider(db.segments, db.readLockQueue, db.cfg.MaxMlockedSegments, db.clock, db.log)
	db.compactor = NewCompactor(db, db.cfg.CompactorFreedThreshold, db.clock, db.log)

	// The shared-pointer table lives entirely in process memory — nothing
	// about it is persisted in dbfile.bin or segments.bin — so it must be
	// rebuilt from the segment log on every Open, clean shutdown or not.
	// cleanShutdown only changes what it means: on an unclean shutdown the
	// scan may also need to truncate a segment at its last good sync
	// header; on a clean one it is expected to find every segment intact
	// and is effectively just an index rebuild.
	report, err := db.recover()
	if err != nil {
		return nil, report, err
	}

	report.Clean = !existed || header.cleanShutdown != 0

	// Mark dirty immediately: a crash between here and a clean Close must
	// be detected as unclean on the next Open.
	if err := db.persistHeader(headerPath, 0); err != nil {
		return nil, report, err
	}

	if db.cfg.RunProvider {
		go db.provider.Run()
	}

	if db.cfg.RunCompactor {
		go db.compactor.Run()
	}

	return db, report, nil
}

func (db *Database) readOrInitHeader(path string, cfg Config) (dbHeader, bool, error) {
	exists, err := db.fsys.Exists(path)
	if err != nil {
		return dbHeader{}, false, fmt.Errorf("stat %s: %w: %w", path, err, ErrResource)
	}

	if !exists {
		if werr := db.persistHeader(path, 1); werr != nil {
			return dbHeader{}, false, werr
		}

		return headerFromConfig(cfg), false, nil
	}

	data, err := db.fsys.ReadFile(path)
	if err != nil {
		return dbHeader{}, false, fmt.Errorf("read %s: %w: %w", path, err, ErrResource)
	}

	h, err := decodeDBHeader(data)
	if err != nil {
		return dbHeader{}, false, err
	}

	return h, true, nil
}

// persistHeader atomically (re)writes dbfile.bin with the given
// clean-shutdown flag, via github.com/natefinch/atomic the same way the
// teacher's root config.go atomically writes ticket files — one of the
// places this module reaches past fs.FS (mapping.Mapping's Truncate and
// Sync calls on its *os.File are the others), since atomic.WriteFile's
// rename-based guarantee has no fs.FS equivalent.
func (db *Database) persistHeader(path string, cleanShutdown uint32) error {
	h := headerFromConfig(db.cfg)
	h.cleanShutdown = cleanShutdown

	db.rootsMu.Lock()
	for i := range db.topRoots {
		h.topRoots[i] = db.topRoots[i].word.Load()
	}
	db.rootsMu.Unlock()

	buf := encodeDBHeader(h)
	if err := natomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("write %s: %w: %w", path, err, ErrResource)
	}

	return nil
}

// Root returns the control word for top-root slot i (0..511), for the
// excluded node-layout layer to anchor its own tree roots in.
func (db *Database) Root(i int) *Control {
	return &db.topRoots[i]
}

// NewRegion mints a fresh region id for callers to pass as Alloc's
// region/namespace argument. Region ids are assigned in-memory and are
// not themselves persisted across restarts; recovery rediscovers a
// region the first time it observes an
// address in it (sharedPtrs.ensureRegion), so callers that need a stable
// mapping from a name to a region id must persist that mapping themselves
// (e.g. in one of the top-root slots), same as the excluded node-layout
// layer is expected to.
func (db *Database) NewRegion() uint16 {
	return db.sharedPtrs.NewRegion()
}

// NewSession claims a session-table slot (capacity: 64 max).
func (db *Database) NewSession() (*Session, error) {
	return db.sessions.acquire(db)
}

// CloseSession finalizes and syncs the session's remaining segments and
// releases its table slot.
func (db *Database) CloseSession(s *Session) error {
	if err := s.Sync(db.cfg.SyncMode); err != nil {
		db.sessions.release(s)
		return err
	}

	db.sessions.release(s)

	return nil
}

// Close stops background threads, flushes every open segment, and marks
// the database cleanly shut down.
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	if db.cfg.RunProvider {
		db.provider.Stop()
	}

	if db.cfg.RunCompactor {
		db.compactor.Stop()
	}

	db.sessions.mu.Lock()
	sessions := make([]*Session, 0, maxSessions)
	for _, s := range db.sessions.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	db.sessions.mu.Unlock()

	for _, s := range sessions {
		if err := s.Sync(db.cfg.SyncMode); err != nil {
			db.log("close: session sync failed", "session", s.id, "err", err)
		}
	}

	if err := db.mapping.Close(); err != nil {
		return fmt.Errorf("%w: %w", err, ErrResource)
	}

	return db.persistHeader(filepath.Join(db.dir, dbFileName), 1)
}
