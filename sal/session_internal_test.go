package sal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLehmer64_DeterministicPerSeed(t *testing.T) {
	t.Parallel()

	a := newLehmer64(7)
	b := newLehmer64(7)

	for i := 0; i < 100; i++ {
		require.Equal(t, a.next32(), b.next32())
	}
}

func TestLehmer64_DifferentSeedsDiverge(t *testing.T) {
	t.Parallel()

	a := newLehmer64(1)
	b := newLehmer64(2)

	same := true

	for i := 0; i < 16; i++ {
		if a.next32() != b.next32() {
			same = false

			break
		}
	}

	assert.False(t, same, "two distinct seeds produced identical streams")
}

func TestSPSCRing_PushDrainFIFO(t *testing.T) {
	t.Parallel()

	r := newSPSCRing(8)

	for i := 0; i < 5; i++ {
		require.True(t, r.Push(NewAddress(0, uint32(i))))
	}

	got := r.DrainAll()
	require.Len(t, got, 5)

	for i, addr := range got {
		assert.Equal(t, uint32(i), addr.Index())
	}

	assert.Nil(t, r.DrainAll())
}

func TestSPSCRing_PushFailsWhenFull(t *testing.T) {
	t.Parallel()

	r := newSPSCRing(4)

	for i := 0; i < 4; i++ {
		require.True(t, r.Push(NewAddress(0, uint32(i))))
	}

	assert.False(t, r.Push(NewAddress(0, 99)))

	r.DrainAll()
	assert.True(t, r.Push(NewAddress(0, 100)))
}

func TestSessionTable_AcquireUpToCapacityThen65thFails(t *testing.T) {
	t.Parallel()

	table := newSessionTable()

	sessions := make([]*Session, 0, maxSessions)
	for i := 0; i < maxSessions; i++ {
		s, err := table.acquire(nil)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	_, err := table.acquire(nil)
	require.ErrorIs(t, err, ErrSessionTableFull)

	// Releasing one slot frees it back up.
	table.release(sessions[0])

	_, err = table.acquire(nil)
	require.NoError(t, err)
}
