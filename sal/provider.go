package sal

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// providerBufferSlack is the target number of ready segments each pool
// (pinned/unpinned) tries to keep on hand.
const providerBufferSlack = 4

// Provider is the background segment-supply thread. It takes an injected
// clock and log hook instead of relying on process-wide singletons.
type Provider struct {
	store   *SegmentStore
	queue   *ReadLockQueue
	maxMlocked uint32
	wake    chan struct{}
	stop    atomic.Bool
	heartbeat atomic.Int64 // unix nanos, updated every loop iteration

	mu       sync.Mutex
	pinned   []*Segment
	unpinned []*Segment
	mlocked  []*Segment // currently-pinned set, for oldest-vage demotion scan

	now    func() time.Time
	logger func(event string, fields ...any)

	done chan struct{}
}

// NewProvider constructs a provider bound to a segment store and
// read-lock queue. Call Run in its own goroutine.
func NewProvider(store *SegmentStore, queue *ReadLockQueue, maxMlocked uint32, now func() time.Time, logger func(string, ...any)) *Provider {
	if now == nil {
		now = time.Now
	}

	if logger == nil {
		logger = func(string, ...any) {}
	}

	return &Provider{
		store:      store,
		queue:      queue,
		maxMlocked: maxMlocked,
		wake:       make(chan struct{}, 1),
		now:        now,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Stop requests the provider loop to exit and blocks until it does.
func (p *Provider) Stop() {
	p.stop.Store(true)
	p.Wake()
	<-p.done
}

// Wake nudges the provider to run a cycle immediately instead of waiting
// for its next tick.
func (p *Provider) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Heartbeat returns the last time the provider completed a loop
// iteration, for stall detection.
func (p *Provider) Heartbeat() time.Time {
	return time.Unix(0, p.heartbeat.Load())
}

// Run is the provider's event loop; call it in its own goroutine.
func (p *Provider) Run() {
	defer close(p.done)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.cycle()
		p.heartbeat.Store(p.now().UnixNano())

		if p.stop.Load() {
			return
		}

		select {
		case <-p.wake:
		case <-ticker.C:
		}

		if p.stop.Load() {
			return
		}
	}
}

// cycle runs one iteration of the provider's drain-then-refill loop.
func (p *Provider) cycle() {
	p.drainReclaimed()

	for p.fillSlack(true) {
		if p.stop.Load() {
			return
		}
	}

	for p.fillSlack(false) {
		if p.stop.Load() {
			return
		}
	}
}

// drainReclaimed pops every segment the read-lock queue has released back
// to the free pool.
func (p *Provider) drainReclaimed() {
	for {
		segNum, ok := p.queue.Pop()
		if !ok {
			return
		}

		seg := p.store.Get(segNum)
		seg.meta.isPinned.Store(false)

		if err := p.store.Madvise(segNum, unix.MADV_DONTNEED); err != nil {
			p.logger("provider: madvise failed", "segment", segNum, "err", err)
		}

		p.store.markFree(segNum)
	}
}

// fillSlack claims one free segment for pool if it's below
// providerBufferSlack, pinning and mlocking it if requested; returns true
// if it did work (so the caller can keep looping while slack remains).
func (p *Provider) fillSlack(pinned bool) bool {
	p.mu.Lock()
	var pool *[]*Segment
	if pinned {
		pool = &p.pinned
	} else {
		pool = &p.unpinned
	}

	hasSlack := len(*pool) < providerBufferSlack
	p.mu.Unlock()

	if !hasSlack {
		return false
	}

	seg, err := p.store.claimFree()
	if err != nil {
		return false
	}

	seg.meta.providerSequence.Store(uint64(p.now().UnixNano()))

	if pinned {
		if err := p.store.Mlock(seg.Number()); err != nil {
			p.logger("provider: mlock failed", "segment", seg.Number(), "err", err)
		} else {
			seg.meta.isPinned.Store(true)
			p.enforceMlockBudget(seg)
		}
	}

	p.mu.Lock()
	*pool = append(*pool, seg)
	p.mu.Unlock()

	return true
}

// enforceMlockBudget demotes a pinned segment when the mlocked count
// exceeds the configured cap: munlock the pinned segment with the oldest
// weighted vage.
func (p *Provider) enforceMlockBudget(justPinned *Segment) {
	p.mu.Lock()
	p.mlocked = append(p.mlocked, justPinned)

	if uint32(len(p.mlocked)) <= p.maxMlocked {
		p.mu.Unlock()
		return
	}

	oldestIdx := 0
	oldestAge := p.mlocked[0].meta.vage.Average()
	for i, s := range p.mlocked {
		if age := s.meta.vage.Average(); age < oldestAge {
			oldestAge = age
			oldestIdx = i
		}
	}

	oldest := p.mlocked[oldestIdx]
	p.mlocked = append(p.mlocked[:oldestIdx], p.mlocked[oldestIdx+1:]...)
	p.mu.Unlock()

	oldest.meta.isPinned.Store(false)
	if err := p.store.Munlock(oldest.Number()); err != nil {
		p.logger("provider: munlock failed", "segment", oldest.Number(), "err", err)
	}
}

// Claim hands a ready segment to a session requesting a new active
// segment from the provider. Preference follows preferPinned; it falls
// back to the other pool, and then forces one synchronous fillSlack cycle
// if both pools are momentarily empty.
func (p *Provider) Claim(preferPinned bool) (*Segment, error) {
	for attempt := 0; attempt < 64; attempt++ {
		if seg, ok := p.take(preferPinned); ok {
			return seg, nil
		}

		if seg, ok := p.take(!preferPinned); ok {
			return seg, nil
		}

		p.cycle()
	}

	return nil, ErrCapacityRetryExhausted
}

func (p *Provider) take(pinned bool) (*Segment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool := &p.unpinned
	if pinned {
		pool = &p.pinned
	}

	if len(*pool) == 0 {
		return nil, false
	}

	seg := (*pool)[0]
	*pool = (*pool)[1:]

	return seg, true
}
