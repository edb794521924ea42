package sal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arbtrie/sal/sal"
)

func TestWeightedAverage_EmptyIsZero(t *testing.T) {
	t.Parallel()

	var w sal.WeightedAverage
	assert.Equal(t, uint64(0), w.Average())
	assert.Equal(t, uint64(0), w.SumSize())
}

func TestWeightedAverage_SingleAddIsItsOwnAverage(t *testing.T) {
	t.Parallel()

	var w sal.WeightedAverage
	w.Add(100, 50)

	assert.Equal(t, uint64(50), w.Average())
	assert.Equal(t, uint64(100), w.SumSize())
}

func TestWeightedAverage_WeightsBySize(t *testing.T) {
	t.Parallel()

	var w sal.WeightedAverage
	w.Add(100, 10) // 1000 age-bytes
	w.Add(900, 100) // 90000 age-bytes

	// (1000 + 90000) / 1000 == 91
	assert.Equal(t, uint64(91), w.Average())
	assert.Equal(t, uint64(1000), w.SumSize())
}

func TestWeightedAverage_AddZeroBytesIsNoOp(t *testing.T) {
	t.Parallel()

	var w sal.WeightedAverage
	w.Add(100, 10)
	w.Add(0, 999999)

	assert.Equal(t, uint64(10), w.Average())
}

func TestWeightedAverage_Reset(t *testing.T) {
	t.Parallel()

	var w sal.WeightedAverage
	w.Add(100, 10)
	w.Reset()

	assert.Equal(t, uint64(0), w.Average())
	assert.Equal(t, uint64(0), w.SumSize())
}
