package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

func TestNewValidation(t *testing.T) {
	_, err := New(0, 16)
	assert.Error(t, err)
	_, err = New(3, 0)
	assert.Error(t, err)

	enc, err := New(3, 16)
	require.NoError(t, err)
	assert.Equal(t, 3, enc.NumSpecies)
	assert.Equal(t, 16, enc.EmbeddingDim)
}

func TestForwardShape(t *testing.T) {
	enc, err := New(2, 8)
	require.NoError(t, err)

	vectors, err := autodiff.NewRandomTensor(3, 3, nil)
	require.NoError(t, err)

	out, err := enc.Forward(vectors, []int{0, 1, 0}, []int{1, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Rows())
	assert.Equal(t, 8, out.Cols())
}

func TestForwardValidation(t *testing.T) {
	enc, err := New(2, 8)
	require.NoError(t, err)

	wide, err := autodiff.NewRandomTensor(3, 4, nil)
	require.NoError(t, err)
	_, err = enc.Forward(wide, []int{0, 1, 0}, []int{1, 0, 1})
	assert.Error(t, err, "edge vectors must have three columns")

	vectors, err := autodiff.NewRandomTensor(3, 3, nil)
	require.NoError(t, err)
	_, err = enc.Forward(vectors, []int{0, 1}, []int{1, 0, 1})
	assert.Error(t, err, "index array length mismatch")

	_, err = enc.Forward(vectors, []int{0, 2, 0}, []int{1, 0, 1})
	assert.Error(t, err, "species index out of range")

	_, err = enc.Forward(vectors, []int{0, -1, 0}, []int{1, 0, 1})
	assert.Error(t, err, "unknown species marker must fail loudly")
}

func TestForwardDependsOnSpecies(t *testing.T) {
	enc, err := New(2, 8)
	require.NoError(t, err)

	vectors, err := autodiff.NewRandomTensor(1, 3, nil)
	require.NoError(t, err)

	a, err := enc.Forward(vectors, []int{0}, []int{1})
	require.NoError(t, err)
	b, err := enc.Forward(vectors, []int{1}, []int{0})
	require.NoError(t, err)

	assert.False(t, autodiff.Equal(a.Data, b.Data, 1e-9),
		"swapping center and neighbor species must change the encoding")
}

func TestForwardDifferentiable(t *testing.T) {
	enc, err := New(2, 8)
	require.NoError(t, err)

	vectors, err := autodiff.NewRandomTensor(2, 3, &autodiff.TensorConfig{RequiresGrad: true})
	require.NoError(t, err)

	out, err := enc.Forward(vectors, []int{0, 1}, []int{1, 0})
	require.NoError(t, err)
	loss, err := autodiff.SumAll(out)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	assert.NotNil(t, vectors.Grad)
	nonZero := false
	for _, v := range vectors.Grad.Data {
		if v != 0 {
			nonZero = true
			break
		}
	}
	assert.True(t, nonZero, "gradient must flow back to the edge vectors")
}
