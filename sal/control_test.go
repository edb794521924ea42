package sal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbtrie/sal/sal"
)

func TestControl_ZeroValueIsFree(t *testing.T) {
	t.Parallel()

	var c sal.Control
	assert.True(t, c.Load().IsFree())
}

func TestControl_ResetThenRetainRelease(t *testing.T) {
	t.Parallel()

	var c sal.Control

	loc := sal.LocationFromAbsolute(64)
	c.Reset(loc, 1)

	state := c.Load()
	require.Equal(t, uint32(1), state.Ref)
	require.Equal(t, loc, state.Loc)
	require.False(t, state.Active)

	require.NoError(t, c.Retain())
	assert.Equal(t, uint32(2), c.Load().Ref)

	wentToZero := c.Release()
	assert.False(t, wentToZero)
	assert.Equal(t, uint32(1), c.Load().Ref)

	wentToZero = c.Release()
	assert.True(t, wentToZero)
	assert.Equal(t, uint32(0), c.Load().Ref)
}

func TestControl_RetainSaturation(t *testing.T) {
	t.Parallel()

	var c sal.Control
	c.Reset(sal.LocationFromAbsolute(0), sal.MaxRefCount)

	err := c.Retain()
	require.Error(t, err)
	assert.Equal(t, uint32(sal.MaxRefCount), c.Load().Ref) // unwound back down
}

func TestControl_ReleaseClearsActiveAndPendingAtZero(t *testing.T) {
	t.Parallel()

	var c sal.Control
	c.Reset(sal.LocationFromAbsolute(0), 1)

	require.False(t, c.TryIncActivity())
	require.True(t, c.Load().Active)

	c.Release()
	state := c.Load()
	assert.False(t, state.Active)
	assert.False(t, state.PendingCache)
}

func TestControl_CASMove(t *testing.T) {
	t.Parallel()

	var c sal.Control

	oldLoc := sal.LocationFromAbsolute(64)
	newLoc := sal.LocationFromAbsolute(128)

	c.Reset(oldLoc, 1)

	require.NoError(t, c.CASMove(oldLoc, newLoc))
	assert.Equal(t, newLoc, c.Load().Loc)

	// Moving from the now-stale expected location fails.
	err := c.CASMove(oldLoc, sal.LocationFromAbsolute(256))
	require.ErrorIs(t, err, sal.ErrMoved)
	assert.Equal(t, newLoc, c.Load().Loc)
}

func TestControl_CASMoveFailsOnFreedSlot(t *testing.T) {
	t.Parallel()

	var c sal.Control

	loc := sal.LocationFromAbsolute(64)
	c.Reset(loc, 1)
	c.Release() // drops to ref 0

	err := c.CASMove(loc, sal.LocationFromAbsolute(128))
	require.ErrorIs(t, err, sal.ErrMoved)
}

func TestControl_TryIncActivityTwoStage(t *testing.T) {
	t.Parallel()

	var c sal.Control
	c.Reset(sal.LocationFromAbsolute(0), 1)

	// First observation: sets Active, reports "not yet a cache candidate".
	promote := c.TryIncActivity()
	assert.False(t, promote)
	assert.True(t, c.Load().Active)
	assert.False(t, c.Load().PendingCache)

	// Second observation: sets PendingCache, reports "promote now".
	promote = c.TryIncActivity()
	assert.True(t, promote)
	assert.True(t, c.Load().PendingCache)

	// Further observations are a no-op once PendingCache is set.
	promote = c.TryIncActivity()
	assert.False(t, promote)
}

func TestControl_SetRefOne(t *testing.T) {
	t.Parallel()

	var c sal.Control
	c.Reset(sal.LocationFromAbsolute(0), 5)

	c.SetRefOne()
	assert.Equal(t, uint32(1), c.Load().Ref)
}
