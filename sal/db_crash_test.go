package sal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbtrie/sal/pkg/fs"
	"github.com/arbtrie/sal/sal"
)

// Open reads dbfile.bin through the fs.FS it's given (readOrInitHeader's
// Exists/ReadFile), so the teacher's chaos harness can inject a fault
// there even though it has no hook into sal's mmap'd segment content
// (see DESIGN.md's "Crash/chaos harness" section for the boundary). A
// forced read failure on reopen must surface as ErrResource, not a
// panic or a silently fabricated empty database.
func TestDatabase_OpenSurvivesChaosOnHeaderRead(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig()

	db, _, err := sal.Open(fs.NewReal(), dir, cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	chaos := fs.NewChaos(fs.NewReal(), 1, &fs.ChaosConfig{ReadFailRate: 1.0})

	_, _, err = sal.Open(chaos, dir, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, sal.ErrResource)
	assert.True(t, fs.IsChaosErr(err))
}
