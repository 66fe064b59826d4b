package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensor_SliceRowsSharesBuffer(t *testing.T) {
	full := FromInt64s([]int64{1, 2, 3, 4, 5, 6}, 3, 2)

	mid, err := full.SliceRows(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, mid.Shape)
	assert.Equal(t, []int64{3, 4, 5, 6}, mid.Int64s())

	// Views alias; clones do not.
	clone := mid.Clone()
	full.Data[16] = 0xFF
	assert.NotEqual(t, clone.Int64s(), mid.Int64s())

	_, err = full.SliceRows(2, 5)
	assert.Error(t, err)
}

func TestTensor_RowDropsLeadingDim(t *testing.T) {
	full := FromFloat64s([]float64{1, 2, 3, 4, 5, 6}, 3, 2)

	row, err := full.Row(1)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, row.Shape)
	assert.Equal(t, []float64{3, 4}, row.Float64s())

	// The row owns its buffer.
	full.Data[22] = 0
	assert.Equal(t, []float64{3, 4}, row.Float64s())
}

func TestConcat(t *testing.T) {
	a := FromInt64s([]int64{1, 2}, 1, 2)
	b := FromInt64s([]int64{3, 4, 5, 6}, 2, 2)

	out, err := Concat([]Tensor{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, out.Shape)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, out.Int64s())

	_, err = Concat([]Tensor{a, FromInt64s([]int64{1, 2, 3}, 1, 3)})
	assert.Error(t, err)
	_, err = Concat([]Tensor{a, FromFloat64s([]float64{1, 2}, 1, 2)})
	assert.Error(t, err)
	_, err = Concat(nil)
	assert.Error(t, err)
}

func TestSqueezeUnsqueeze(t *testing.T) {
	unit := FromInt64s([]int64{7, 8}, 1, 2)

	squeezed, err := unit.Squeeze0()
	require.NoError(t, err)
	assert.Equal(t, []int{2}, squeezed.Shape)

	assert.True(t, squeezed.Unsqueeze0().Equal(unit))

	wide := FromInt64s([]int64{1, 2, 3, 4}, 2, 2)
	_, err = wide.Squeeze0()
	assert.Error(t, err)
}

func TestFillBroadcast(t *testing.T) {
	keys := FillUint64(42, 3)
	assert.Equal(t, []uint64{42, 42, 42}, keys.Uint64s())

	probs := FillFloat64(0.25, 2)
	assert.Equal(t, []float64{0.25, 0.25}, probs.Float64s())

	sizes := FillInt64(-1, 2)
	assert.Equal(t, []int64{-1, -1}, sizes.Int64s())
}

func TestDelta_RoundTripInt64(t *testing.T) {
	orig := FromInt64s([]int64{10, 100, 12, 101, 15, 103, 11, 99}, 4, 2)

	encoded := DeltaEncode(orig)
	// First row unchanged, later rows hold differences.
	assert.Equal(t, []int64{10, 100, 2, 1, 3, 2, -4, -4}, encoded.Int64s())

	decoded := DeltaDecode(encoded)
	assert.True(t, decoded.Equal(orig))
}

func TestDelta_FloatPassesThrough(t *testing.T) {
	orig := FromFloat64s([]float64{1.5, 2.5, 3.5}, 3)
	assert.True(t, DeltaEncode(orig).Equal(orig))
	assert.True(t, DeltaDecode(orig).Equal(orig))
}

func TestCompress_RoundTrip(t *testing.T) {
	// Repetitive data compresses; the round trip must be exact either way.
	vals := make([]int64, 256)
	for i := range vals {
		vals[i] = int64(i % 4)
	}
	orig := FromInt64s(vals, 64, 4)

	c := Compress(orig)
	assert.Less(t, len(c.Raw), len(orig.Data))

	restored, err := c.Decompress()
	require.NoError(t, err)
	assert.True(t, restored.Equal(orig))
}

func TestCompress_IncompressibleStoredVerbatim(t *testing.T) {
	// Two elements cannot beat the lz4 framing overhead.
	orig := FromInt64s([]int64{0x0123456789abcdef, -42}, 2)

	c := Compress(orig)
	assert.True(t, c.Stored)

	restored, err := c.Decompress()
	require.NoError(t, err)
	assert.True(t, restored.Equal(orig))
}
