package mapping_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbtrie/sal/pkg/fs"
	"github.com/arbtrie/sal/sal/mapping"
)

func TestMapping_OpenEmptyThenAllocGrows(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	m, err := mapping.Open(mapping.Options{
		FS:        fs.NewReal(),
		Path:      filepath.Join(dir, "segments.bin"),
		BlockSize: 4096,
		MaxBlocks: 16,
	})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	assert.Equal(t, uint64(0), m.NumBlocks())

	blockNum, err := m.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), blockNum)
	assert.Equal(t, uint64(1), m.NumBlocks())

	blockNum, err = m.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), blockNum)
}

func TestMapping_WritesSurviveGrowth(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	m, err := mapping.Open(mapping.Options{
		FS:        fs.NewReal(),
		Path:      filepath.Join(dir, "segments.bin"),
		BlockSize: 4096,
		MaxBlocks: 16,
	})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	_, err = m.Alloc()
	require.NoError(t, err)

	block0, err := m.GetBlock(0)
	require.NoError(t, err)
	copy(block0, []byte("hello mapping"))

	_, err = m.Alloc() // triggers mremap growth

	require.NoError(t, err)

	block0Again, err := m.GetBlock(0)
	require.NoError(t, err)
	assert.Equal(t, "hello mapping", string(block0Again[:len("hello mapping")]))
}

func TestMapping_ReserveIsIdempotentBelowCurrentSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	m, err := mapping.Open(mapping.Options{
		FS:        fs.NewReal(),
		Path:      filepath.Join(dir, "segments.bin"),
		BlockSize: 4096,
		MaxBlocks: 16,
	})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.NoError(t, m.Reserve(4))
	assert.Equal(t, uint64(4), m.NumBlocks())

	require.NoError(t, m.Reserve(2)) // smaller request is a no-op, never shrinks
	assert.Equal(t, uint64(4), m.NumBlocks())
}

func TestMapping_GrowBeyondMaxBlocksFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	m, err := mapping.Open(mapping.Options{
		FS:        fs.NewReal(),
		Path:      filepath.Join(dir, "segments.bin"),
		BlockSize: 4096,
		MaxBlocks: 2,
	})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.NoError(t, m.Reserve(2))

	err = m.Reserve(3)
	require.Error(t, err)
}

func TestMapping_GetOutOfRangeFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	m, err := mapping.Open(mapping.Options{
		FS:        fs.NewReal(),
		Path:      filepath.Join(dir, "segments.bin"),
		BlockSize: 4096,
		MaxBlocks: 16,
	})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.NoError(t, m.Reserve(1))

	_, err = m.Get(0, 8192)
	require.Error(t, err)
}

func TestMapping_ReopenSeesPriorContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "segments.bin")

	m1, err := mapping.Open(mapping.Options{FS: fs.NewReal(), Path: path, BlockSize: 4096, MaxBlocks: 16})
	require.NoError(t, err)

	_, err = m1.Alloc()
	require.NoError(t, err)

	block, err := m1.GetBlock(0)
	require.NoError(t, err)
	copy(block, []byte("persisted"))

	require.NoError(t, m1.Close())

	m2, err := mapping.Open(mapping.Options{FS: fs.NewReal(), Path: path, BlockSize: 4096, MaxBlocks: 16})
	require.NoError(t, err)
	defer func() { _ = m2.Close() }()

	assert.Equal(t, uint64(1), m2.NumBlocks())

	block2, err := m2.GetBlock(0)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(block2[:len("persisted")]))
}
