package sal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbtrie/sal/sal"
)

func TestCacheDifficultyController_StartsAtZeroDifficultyAdmitsEverything(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	c := sal.NewCacheDifficultyController(1<<20, time.Minute, func() time.Time { return now })

	assert.Equal(t, uint32(0), c.Difficulty())
	assert.True(t, c.ShouldCache(0, 64))
	assert.True(t, c.ShouldCache(0xFFFFFFFF, 64))
}

func TestCacheDifficultyController_RejectsOversizedObjects(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	c := sal.NewCacheDifficultyController(1<<20, time.Minute, func() time.Time { return now })

	assert.False(t, c.ShouldCache(0, (1<<20)+1))
}

func TestCacheDifficultyController_ReportTightensOnByteTrigger(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	totalCacheSize := uint64(1 << 20)
	c := sal.NewCacheDifficultyController(totalCacheSize, time.Hour, func() time.Time { return now })

	// targetBytes == totalCacheSize/16; promoting that much within the
	// window should tighten (raise) difficulty.
	c.Report(totalCacheSize/16, now)

	require.Greater(t, c.Difficulty(), uint32(0))
}

func TestCacheDifficultyController_ReportLoosensOnTimeTriggerAlone(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	totalCacheSize := uint64(1 << 20)
	c := sal.NewCacheDifficultyController(totalCacheSize, time.Minute, func() time.Time { return now })

	c.Report(totalCacheSize/16, now) // tighten once
	tightened := c.Difficulty()
	require.Greater(t, tightened, uint32(0))

	later := now.Add(2 * time.Minute)
	c.Report(0, later) // time trigger alone, no bytes -> loosen

	assert.Less(t, c.Difficulty(), tightened)
}

func TestCacheDifficultyController_ReportNoOpBelowBothTriggers(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	c := sal.NewCacheDifficultyController(1<<20, time.Hour, func() time.Time { return now })

	c.Report(1, now) // far below targetBytes, far below targetInterval
	assert.Equal(t, uint32(0), c.Difficulty())
}
