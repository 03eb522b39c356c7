package autodiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

func radialMaskValues(t *testing.T, distances []float64, cutoff, innerCutoff float64) *Tensor {
	t.Helper()
	m, err := NewMatrixFrom(len(distances), 1, distances)
	require.NoError(t, err)
	r, err := NewTensor(m, nil)
	require.NoError(t, err)
	mask, err := RadialMask(r, cutoff, innerCutoff)
	require.NoError(t, err)
	return mask
}

func TestRadialMaskRegions(t *testing.T) {
	mask := radialMaskValues(t, []float64{0.0, 2.0, 4.5, 4.75, 5.0, 6.0}, 5.0, 4.5)

	assert.InDelta(t, 1.0, mask.Data.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0, mask.Data.At(1, 0), 1e-12)
	assert.InDelta(t, 1.0, mask.Data.At(2, 0), 1e-12)
	assert.InDelta(t, 0.5, mask.Data.At(3, 0), 1e-12) // midpoint of the shell
	assert.InDelta(t, 0.0, mask.Data.At(4, 0), 1e-12)
	assert.InDelta(t, 0.0, mask.Data.At(5, 0), 1e-12)
}

func TestRadialMaskMonotoneInShell(t *testing.T) {
	distances := make([]float64, 50)
	for i := range distances {
		distances[i] = 4.5 + 0.5*float64(i)/49.0
	}
	mask := radialMaskValues(t, distances, 5.0, 4.5)
	for i := 1; i < len(distances); i++ {
		assert.LessOrEqual(t, mask.Data.At(i, 0), mask.Data.At(i-1, 0))
	}
}

func TestRadialMaskContinuity(t *testing.T) {
	eps := 1e-9
	mask := radialMaskValues(t, []float64{4.5 - eps, 4.5 + eps, 5.0 - eps, 5.0 + eps}, 5.0, 4.5)

	assert.InDelta(t, mask.Data.At(0, 0), mask.Data.At(1, 0), 1e-6)
	assert.InDelta(t, mask.Data.At(2, 0), mask.Data.At(3, 0), 1e-6)
}

func TestRadialMaskGradient(t *testing.T) {
	// One point per region plus shell interior, away from the joins where
	// finite differences straddle a kink.
	x := []float64{1.0, 4.6, 4.75, 4.9, 5.5}

	forward := func(v []float64) float64 {
		mask := radialMaskValues(t, v, 5.0, 4.5)
		return mask.Data.Sum()
	}

	m, err := NewMatrixFrom(len(x), 1, x)
	require.NoError(t, err)
	r, err := NewTensor(m, &TensorConfig{RequiresGrad: true})
	require.NoError(t, err)
	mask, err := RadialMask(r, 5.0, 4.5)
	require.NoError(t, err)
	loss, err := SumAll(mask)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	want := fd.Gradient(nil, forward, x, &fd.Settings{Step: 1e-7})
	for i := range x {
		assert.InDelta(t, want[i], r.Grad.At(i, 0), 1e-5, "distance %v", x[i])
	}
}

func TestRadialMaskValidation(t *testing.T) {
	m, err := NewMatrixFrom(1, 1, []float64{1.0})
	require.NoError(t, err)
	r, err := NewTensor(m, nil)
	require.NoError(t, err)

	_, err = RadialMask(r, 0.0, 0.0)
	assert.Error(t, err)
	_, err = RadialMask(r, 5.0, 5.0)
	assert.Error(t, err)
	_, err = RadialMask(r, 5.0, -1.0)
	assert.Error(t, err)
}
