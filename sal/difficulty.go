package sal

import (
	"sync"
	"time"
)

// maxCacheableObjectSize bounds what the cache-difficulty controller will
// ever admit, independent of difficulty.
const maxCacheableObjectSize = 1 << 20

// CacheDifficultyController throttles how aggressively reads promote
// objects into the pinned cache, targeting one full cache turnover per
// configured frequency window.
type CacheDifficultyController struct {
	mu sync.Mutex

	difficulty      uint32
	bytesPromoted   uint64
	lastUpdate      time.Time
	frequencyWindow time.Duration
	totalCacheSize  uint64

	// Ratios for the asymmetric gap adjustment between tighten and loosen,
	// configurable rather than fixed.
	tightenNum, tightenDen uint64
	loosenNum, loosenDen   uint64

	now func() time.Time
}

// NewCacheDifficultyController constructs a controller with the
// reference defaults: 7/8 tighten, 9/8 loosen.
func NewCacheDifficultyController(totalCacheSize uint64, frequencyWindow time.Duration, now func() time.Time) *CacheDifficultyController {
	if now == nil {
		now = time.Now
	}

	return &CacheDifficultyController{
		totalCacheSize:  totalCacheSize,
		frequencyWindow: frequencyWindow,
		lastUpdate:      now(),
		tightenNum:      7,
		tightenDen:      8,
		loosenNum:       9,
		loosenDen:       8,
		now:             now,
	}
}

// Difficulty returns the current 32-bit threshold.
func (c *CacheDifficultyController) Difficulty() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.difficulty
}

// ShouldCache decides whether an object of size_bytes should be admitted
// to the pinned cache, given a random sample in [0, 2^32).
func (c *CacheDifficultyController) ShouldCache(random uint32, sizeBytes uint32) bool {
	if sizeBytes > maxCacheableObjectSize {
		return false
	}

	clines := uint64(sizeBytes+1+63) / 64
	if clines == 0 {
		clines = 1
	}

	c.mu.Lock()
	difficulty := uint64(c.difficulty)
	c.mu.Unlock()

	adjusted := difficulty * clines
	if adjusted > 0xFFFFFFFF {
		adjusted = 0xFFFFFFFF
	}

	return uint64(random) >= adjusted
}

// Report is called by the compactor (only) each time it promotes bytes
// to the cache; it feeds the bytes/time trigger evaluation.
func (c *CacheDifficultyController) Report(bytes uint64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bytesPromoted += bytes

	elapsed := now.Sub(c.lastUpdate)
	targetBytes := c.totalCacheSize / 16
	targetInterval := c.frequencyWindow / 16

	bytesTrigger := c.bytesPromoted >= targetBytes
	timeTrigger := c.frequencyWindow > 0 && elapsed >= targetInterval

	if !bytesTrigger && !timeTrigger {
		return
	}

	const maxU32 = uint64(1<<32 - 1)
	gap := maxU32 - uint64(c.difficulty)

	var newGap uint64
	if bytesTrigger && (!timeTrigger || elapsed < targetInterval) {
		newGap = gap * c.tightenNum / c.tightenDen
		if newGap < 1 {
			newGap = 1
		}
	} else {
		newGap = gap * c.loosenNum / c.loosenDen
		if newGap > maxU32 {
			newGap = maxU32
		}
	}

	newDifficulty := maxU32 - newGap
	if newDifficulty > maxU32 {
		newDifficulty = maxU32
	}

	c.difficulty = uint32(newDifficulty)
	c.bytesPromoted = 0
	c.lastUpdate = now
}

// roundUpDiv64 returns n/64 rounded up. Nothing in the package calls it;
// ShouldCache computes its cacheline count inline.
func roundUpDiv64(n uint64) uint64 {
	return (n + 63) / 64
}
