package autodiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

// scalarLoss applies op to a tensor built from x and reduces with SumAll,
// so finite differences can probe a single scalar output.
func scalarLoss(t *testing.T, rows, cols int, op func(*Tensor) (*Tensor, error)) (func(x []float64) float64, func(x []float64) []float64) {
	t.Helper()

	forward := func(x []float64) float64 {
		m, err := NewMatrixFrom(rows, cols, x)
		require.NoError(t, err)
		in, err := NewTensor(m, &TensorConfig{RequiresGrad: true})
		require.NoError(t, err)
		out, err := op(in)
		require.NoError(t, err)
		loss, err := SumAll(out)
		require.NoError(t, err)
		return loss.Data.At(0, 0)
	}
	gradient := func(x []float64) []float64 {
		m, err := NewMatrixFrom(rows, cols, x)
		require.NoError(t, err)
		in, err := NewTensor(m, &TensorConfig{RequiresGrad: true})
		require.NoError(t, err)
		out, err := op(in)
		require.NoError(t, err)
		loss, err := SumAll(out)
		require.NoError(t, err)
		require.NoError(t, loss.Backward())
		return append([]float64(nil), in.Grad.Data...)
	}
	return forward, gradient
}

func checkGradient(t *testing.T, rows, cols int, x []float64, op func(*Tensor) (*Tensor, error)) {
	t.Helper()
	forward, gradient := scalarLoss(t, rows, cols, op)
	got := gradient(x)
	want := fd.Gradient(nil, forward, x, &fd.Settings{Step: 1e-6})
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4, "gradient component %d", i)
	}
}

func TestMatMulForward(t *testing.T) {
	a, err := NewTensor(mustFrom(t, 2, 3, []float64{1, 2, 3, 4, 5, 6}), nil)
	require.NoError(t, err)
	b, err := NewTensor(mustFrom(t, 3, 2, []float64{7, 8, 9, 10, 11, 12}), nil)
	require.NoError(t, err)

	c, err := MatMul(a, b)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Rows())
	assert.Equal(t, 2, c.Cols())
	assert.InDelta(t, 58.0, c.Data.At(0, 0), 1e-12)
	assert.InDelta(t, 64.0, c.Data.At(0, 1), 1e-12)
	assert.InDelta(t, 139.0, c.Data.At(1, 0), 1e-12)
	assert.InDelta(t, 154.0, c.Data.At(1, 1), 1e-12)
}

func TestMatMulShapeMismatch(t *testing.T) {
	a, err := NewRandomTensor(2, 3, nil)
	require.NoError(t, err)
	b, err := NewRandomTensor(4, 2, nil)
	require.NoError(t, err)

	_, err = MatMul(a, b)
	assert.Error(t, err)
}

func TestMatMulGradient(t *testing.T) {
	bData := mustFrom(t, 3, 2, []float64{0.5, -1.0, 2.0, 0.25, -0.75, 1.5})
	b, err := NewTensor(bData, nil)
	require.NoError(t, err)

	checkGradient(t, 2, 3, []float64{1, -2, 3, 0.5, 0.1, -0.4}, func(in *Tensor) (*Tensor, error) {
		return MatMul(in, b)
	})
}

func TestElementwiseGradients(t *testing.T) {
	x := []float64{0.5, -1.2, 2.3, -0.1, 1.7, 0.9}

	t.Run("square", func(t *testing.T) {
		checkGradient(t, 2, 3, x, Square)
	})
	t.Run("gelu", func(t *testing.T) {
		checkGradient(t, 2, 3, x, GELU)
	})
	t.Run("scalar multiply", func(t *testing.T) {
		checkGradient(t, 2, 3, x, func(in *Tensor) (*Tensor, error) {
			return ScalarMultiply(in, -2.5)
		})
	})
	t.Run("sqrt", func(t *testing.T) {
		positive := []float64{0.5, 1.2, 2.3, 0.1, 1.7, 0.9}
		checkGradient(t, 2, 3, positive, Sqrt)
	})
	t.Run("row sum", func(t *testing.T) {
		checkGradient(t, 2, 3, x, RowSum)
	})
	t.Run("row mean", func(t *testing.T) {
		checkGradient(t, 2, 3, x, RowMean)
	})
	t.Run("transpose", func(t *testing.T) {
		checkGradient(t, 2, 3, x, Transpose)
	})
}

func TestBinaryOpGradients(t *testing.T) {
	other, err := NewTensor(mustFrom(t, 2, 3, []float64{1.5, -0.5, 0.25, 2.0, -1.0, 0.75}), nil)
	require.NoError(t, err)
	x := []float64{0.5, -1.2, 2.3, -0.1, 1.7, 0.9}

	t.Run("add", func(t *testing.T) {
		checkGradient(t, 2, 3, x, func(in *Tensor) (*Tensor, error) {
			return Add(in, other)
		})
	})
	t.Run("subtract", func(t *testing.T) {
		checkGradient(t, 2, 3, x, func(in *Tensor) (*Tensor, error) {
			return Subtract(in, other)
		})
	})
	t.Run("multiply", func(t *testing.T) {
		checkGradient(t, 2, 3, x, func(in *Tensor) (*Tensor, error) {
			return Multiply(in, other)
		})
	})
	t.Run("divide", func(t *testing.T) {
		checkGradient(t, 2, 3, x, func(in *Tensor) (*Tensor, error) {
			return Divide(in, other)
		})
	})
}

func TestBroadcastAdd(t *testing.T) {
	a, err := NewTensor(mustFrom(t, 2, 3, []float64{1, 2, 3, 4, 5, 6}), nil)
	require.NoError(t, err)
	row, err := NewTensor(mustFrom(t, 1, 3, []float64{10, 20, 30}), nil)
	require.NoError(t, err)

	c, err := Add(a, row)
	require.NoError(t, err)
	assert.InDelta(t, 11.0, c.Data.At(0, 0), 1e-12)
	assert.InDelta(t, 36.0, c.Data.At(1, 2), 1e-12)

	col, err := NewTensor(mustFrom(t, 2, 1, []float64{100, 200}), nil)
	require.NoError(t, err)
	c, err = Add(a, col)
	require.NoError(t, err)
	assert.InDelta(t, 101.0, c.Data.At(0, 0), 1e-12)
	assert.InDelta(t, 206.0, c.Data.At(1, 2), 1e-12)
}

func TestBroadcastGradientAccumulates(t *testing.T) {
	a, err := NewRandomTensor(3, 4, &TensorConfig{RequiresGrad: true})
	require.NoError(t, err)
	row, err := NewTensor(mustFrom(t, 1, 4, []float64{1, 2, 3, 4}), &TensorConfig{RequiresGrad: true})
	require.NoError(t, err)

	sum, err := Add(a, row)
	require.NoError(t, err)
	loss, err := SumAll(sum)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	// Each broadcast element feeds every one of the 3 rows.
	for j := 0; j < 4; j++ {
		assert.InDelta(t, 3.0, row.Grad.At(0, j), 1e-12)
	}
}

func TestSoftmaxRows(t *testing.T) {
	a, err := NewTensor(mustFrom(t, 2, 3, []float64{1, 2, 3, 0, 0, 0}), nil)
	require.NoError(t, err)

	y, err := SoftmaxRows(a, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rowSum := 0.0
		for j := 0; j < 3; j++ {
			rowSum += y.Data.At(i, j)
		}
		assert.InDelta(t, 1.0, rowSum, 1e-12)
	}
	assert.InDelta(t, 1.0/3.0, y.Data.At(1, 0), 1e-12)
}

func TestSoftmaxRowsBiasExcludes(t *testing.T) {
	a, err := NewTensor(mustFrom(t, 1, 3, []float64{5, 1, 2}), nil)
	require.NoError(t, err)
	bias, err := NewTensor(mustFrom(t, 1, 3, []float64{-1e9, 0, 0}), nil)
	require.NoError(t, err)

	y, err := SoftmaxRows(a, bias)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, y.Data.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0, y.Data.At(0, 1)+y.Data.At(0, 2), 1e-12)
}

func TestSoftmaxRowsGradient(t *testing.T) {
	checkGradient(t, 2, 4, []float64{0.5, -1.2, 2.3, -0.1, 1.7, 0.9, -0.3, 0.2}, func(in *Tensor) (*Tensor, error) {
		y, err := SoftmaxRows(in, nil)
		if err != nil {
			return nil, err
		}
		// Weight the probabilities so the gradient is not identically zero.
		w, err := NewTensor(mustFrom(t, 2, 4, []float64{1, 2, 3, 4, 4, 3, 2, 1}), nil)
		if err != nil {
			return nil, err
		}
		return Multiply(y, w)
	})
}

func TestBackwardRequiresGrad(t *testing.T) {
	a, err := NewRandomTensor(1, 1, nil)
	require.NoError(t, err)
	assert.Error(t, a.Backward())
}

func TestBackwardAccumulatesThroughSharedInput(t *testing.T) {
	a, err := NewTensor(mustFrom(t, 1, 2, []float64{2, 3}), &TensorConfig{RequiresGrad: true})
	require.NoError(t, err)

	// loss = sum(a*a + a) so dloss/da = 2a + 1
	sq, err := Multiply(a, a)
	require.NoError(t, err)
	sum, err := Add(sq, a)
	require.NoError(t, err)
	loss, err := SumAll(sum)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	assert.InDelta(t, 5.0, a.Grad.At(0, 0), 1e-12)
	assert.InDelta(t, 7.0, a.Grad.At(0, 1), 1e-12)
}

func mustFrom(t *testing.T, rows, cols int, data []float64) *Matrix {
	t.Helper()
	m, err := NewMatrixFrom(rows, cols, data)
	require.NoError(t, err)
	return m
}
