package sal

import (
	"sync"
	"sync/atomic"
)

// maxSessions bounds concurrent sessions: the table has 64 fixed slots,
// and the 65th concurrent session acquisition fails.
const maxSessions = 64

// maxDirtySegments bounds a session's unsynced segment backlog; more than
// 4096 segments queued before a sync is treated as an overflow.
const maxDirtySegments = 4096

// readCacheQueueCapacity is the SPSC ring size for a session's read-cache
// and release queues: capacity 256 Ki addresses.
const readCacheQueueCapacity = 256 * 1024

// lehmer64 is a fast, non-cryptographic PRNG seeded from the session id,
// used by the cache-difficulty admission check.
type lehmer64 struct {
	state uint64 // low 64 bits of a 128-bit LCG state; see lehmer64.hpp lineage
	hi    uint64
}

func newLehmer64(seed uint64) *lehmer64 {
	// Mix the seed through splitmix64 once so small/sequential session
	// ids (0, 1, 2, ...) don't produce correlated low-order output bits.
	z := seed + 0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z = z ^ (z >> 31)

	return &lehmer64{state: z | 1, hi: 0}
}

const lehmerMul = 0xDA942042E4DD58B5

func (l *lehmer64) next32() uint32 {
	lo, hi := mul128(l.state, lehmerMul)
	l.state = lo
	l.hi = hi

	return uint32(hi)
}

func mul128(a, b uint64) (lo, hi uint64) {
	const mask32 = 0xFFFFFFFF
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	t := aLo * bLo
	w0 := t & mask32
	k := t >> 32

	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32

	t = aLo*bHi + w1
	k = t >> 32

	hi = aHi*bHi + w2 + k
	lo = (t << 32) + w0

	return lo, hi
}

// spscRing is a fixed-capacity single-producer single-consumer ring of
// Addresses, used for a session's read-cache queue (drained by the
// compactor) and release queue (deferred destructions). head is written
// only by the producer (the owning session); tail is written only by the
// consumer (the compactor's drain loop). Each publishes its own counter
// with an atomic store and reads the other's with an atomic load, the
// standard SPSC ring discipline.
type spscRing struct {
	buf      []Address
	capacity uint64

	head atomic.Uint64 // next write index, producer-owned
	tail atomic.Uint64 // next read index, consumer-owned
}

func newSPSCRing(capacity uint64) *spscRing {
	return &spscRing{buf: make([]Address, capacity), capacity: capacity}
}

// Push is called only by the owning session. Returns false if full (the
// consumer hasn't drained fast enough); callers simply drop the
// admission, matching the "best-effort sampling" nature of the cache
// promotion signal.
func (r *spscRing) Push(a Address) bool {
	head := r.head.Load()
	tail := r.tail.Load()

	if head-tail >= r.capacity {
		return false
	}

	r.buf[head%r.capacity] = a
	r.head.Store(head + 1)

	return true
}

// DrainAll is called only by the single consumer (the compactor), and
// returns every address pushed since the last drain.
func (r *spscRing) DrainAll() []Address {
	tail := r.tail.Load()
	head := r.head.Load()

	if head == tail {
		return nil
	}

	out := make([]Address, 0, head-tail)
	for i := tail; i != head; i++ {
		out = append(out, r.buf[i%r.capacity])
	}

	r.tail.Store(head)

	return out
}

// Session is a per-thread handle: it owns
// an active write segment, a RNG, a dirty-segment queue, a read-cache
// queue, a release queue, and a read-lock slot. A session is pinned to
// the goroutine/thread that created it; all of the fields below are
// single-producer structures from every other thread's point of view.
type Session struct {
	id  int
	db  *Database
	rng *lehmer64

	mu            sync.Mutex // guards active/dirty only; readCache/release are lock-free SPSC
	active        *Segment
	allocToPinned bool
	dirty         []*Segment // FIFO queue awaiting sync

	readCache *spscRing // addresses observed for possible cache promotion
	release   *spscRing // addresses queued for deferred destruction

	lockSlot *sessionLockSlot

	lastAllocOffset uint64
	lastAllocSize   uint32
	lastAllocSeg    *Segment
}

// SessionTable is the fixed 64-entry session registry.
type SessionTable struct {
	mu       sync.RWMutex
	sessions [maxSessions]*Session
	// ipMutex serializes session-slot claims across threads of this
	// process; its word lives in process memory.
	ipMutex *interprocessMutex
}

func newSessionTable() *SessionTable {
	return &SessionTable{ipMutex: newInterprocessMutex()}
}

// acquire claims a free slot for a new session, or returns
// ErrSessionTableFull once all 64 are taken.
func (t *SessionTable) acquire(db *Database) (*Session, error) {
	t.ipMutex.Lock()
	defer t.ipMutex.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.sessions {
		if t.sessions[i] == nil {
			s := &Session{
				id:        i,
				db:        db,
				rng:       newLehmer64(uint64(i)),
				readCache: newSPSCRing(readCacheQueueCapacity),
				release:   newSPSCRing(readCacheQueueCapacity),
				lockSlot:  newSessionLockSlot(),
			}
			t.sessions[i] = s

			return s, nil
		}
	}

	return nil, ErrSessionTableFull
}

func (t *SessionTable) release(s *Session) {
	t.mu.Lock()
	t.sessions[s.id] = nil
	t.mu.Unlock()
}

// Lock acquires the session's read lock (reentrant via a plain counter in
// the caller if nested). Cheap: a single atomic add.
func (s *Session) Lock() { s.lockSlot.lock() }

// Unlock releases the session's read lock.
func (s *Session) Unlock() { s.lockSlot.unlock() }

// ID returns the session's slot index (0-63).
func (s *Session) ID() int { return s.id }

// SetAllocToPinned toggles whether this session's next segment request
// prefers the provider's pinned pool.
func (s *Session) SetAllocToPinned(pinned bool) {
	s.mu.Lock()
	s.allocToPinned = pinned
	s.mu.Unlock()
}
