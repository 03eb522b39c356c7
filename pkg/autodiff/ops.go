package autodiff

import (
	"fmt"
	"math"
)

// accumulate adds src element-wise into dst.
func accumulate(dst, src *Matrix) {
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
}

// MatMul performs matrix multiplication with gradient tracking.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if a.Cols() != b.Rows() {
		return nil, fmt.Errorf("matrix dimensions don't match for multiplication: a(%dx%d), b(%dx%d)",
			a.Rows(), a.Cols(), b.Rows(), b.Cols())
	}

	result, err := newResult(a.Rows(), b.Cols(), "matmul", a, b)
	if err != nil {
		return nil, err
	}
	matMulInto(result.Data, a.Data, b.Data)

	if result.RequiresGrad {
		result.backwardFn = func() {
			if a.RequiresGrad {
				// dL/dA = dL/dC * B^T
				bT := MustNewMatrix(b.Cols(), b.Rows())
				transposeInto(bT, b.Data)
				dA := MustNewMatrix(a.Rows(), a.Cols())
				matMulInto(dA, result.Grad, bT)
				accumulate(a.Grad, dA)
			}
			if b.RequiresGrad {
				// dL/dB = A^T * dL/dC
				aT := MustNewMatrix(a.Cols(), a.Rows())
				transposeInto(aT, a.Data)
				dB := MustNewMatrix(b.Rows(), b.Cols())
				matMulInto(dB, aT, result.Grad)
				accumulate(b.Grad, dB)
			}
		}
	}

	return result, nil
}

// broadcastKind classifies how b broadcasts against a in element-wise ops.
type broadcastKind int

const (
	broadcastNone broadcastKind = iota
	broadcastRow                // b is 1 x a.Cols, repeated down the rows
	broadcastCol                // b is a.Rows x 1, repeated across the columns
)

func classifyBroadcast(a, b *Tensor) (broadcastKind, error) {
	switch {
	case a.Rows() == b.Rows() && a.Cols() == b.Cols():
		return broadcastNone, nil
	case b.Rows() == 1 && b.Cols() == a.Cols():
		return broadcastRow, nil
	case b.Cols() == 1 && b.Rows() == a.Rows():
		return broadcastCol, nil
	default:
		return broadcastNone, fmt.Errorf("matrix dimensions don't match: a(%dx%d), b(%dx%d)",
			a.Rows(), a.Cols(), b.Rows(), b.Cols())
	}
}

// broadcastAt returns the element of b paired with a's element (i, j).
func broadcastAt(b *Matrix, kind broadcastKind, i, j int) float64 {
	switch kind {
	case broadcastRow:
		return b.At(0, j)
	case broadcastCol:
		return b.At(i, 0)
	default:
		return b.At(i, j)
	}
}

// broadcastAccumulate adds g (shaped like a) into b's gradient, summing over
// the broadcast dimension.
func broadcastAccumulate(bGrad *Matrix, kind broadcastKind, i, j int, g float64) {
	switch kind {
	case broadcastRow:
		bGrad.Data[j] += g
	case broadcastCol:
		bGrad.Data[i*bGrad.Cols] += g
	default:
		bGrad.Set(i, j, bGrad.At(i, j)+g)
	}
}

// Add performs element-wise addition with gradient tracking. The second
// operand may be a broadcastable row or column vector.
func Add(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	kind, err := classifyBroadcast(a, b)
	if err != nil {
		return nil, fmt.Errorf("addition: %w", err)
	}

	result, err := newResult(a.Rows(), a.Cols(), "add", a, b)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Rows(); i++ {
		for j := 0; j < a.Cols(); j++ {
			result.Data.Set(i, j, a.Data.At(i, j)+broadcastAt(b.Data, kind, i, j))
		}
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i := 0; i < a.Rows(); i++ {
				for j := 0; j < a.Cols(); j++ {
					g := result.Grad.At(i, j)
					if a.RequiresGrad {
						a.Grad.Set(i, j, a.Grad.At(i, j)+g)
					}
					if b.RequiresGrad {
						broadcastAccumulate(b.Grad, kind, i, j, g)
					}
				}
			}
		}
	}

	return result, nil
}

// Subtract performs element-wise subtraction with gradient tracking.
func Subtract(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	kind, err := classifyBroadcast(a, b)
	if err != nil {
		return nil, fmt.Errorf("subtraction: %w", err)
	}

	result, err := newResult(a.Rows(), a.Cols(), "subtract", a, b)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Rows(); i++ {
		for j := 0; j < a.Cols(); j++ {
			result.Data.Set(i, j, a.Data.At(i, j)-broadcastAt(b.Data, kind, i, j))
		}
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i := 0; i < a.Rows(); i++ {
				for j := 0; j < a.Cols(); j++ {
					g := result.Grad.At(i, j)
					if a.RequiresGrad {
						a.Grad.Set(i, j, a.Grad.At(i, j)+g)
					}
					if b.RequiresGrad {
						broadcastAccumulate(b.Grad, kind, i, j, -g)
					}
				}
			}
		}
	}

	return result, nil
}

// Multiply performs element-wise multiplication (Hadamard product) with
// gradient tracking. The second operand may broadcast.
func Multiply(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	kind, err := classifyBroadcast(a, b)
	if err != nil {
		return nil, fmt.Errorf("element-wise multiplication: %w", err)
	}

	result, err := newResult(a.Rows(), a.Cols(), "multiply", a, b)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Rows(); i++ {
		for j := 0; j < a.Cols(); j++ {
			result.Data.Set(i, j, a.Data.At(i, j)*broadcastAt(b.Data, kind, i, j))
		}
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i := 0; i < a.Rows(); i++ {
				for j := 0; j < a.Cols(); j++ {
					g := result.Grad.At(i, j)
					if a.RequiresGrad {
						a.Grad.Set(i, j, a.Grad.At(i, j)+g*broadcastAt(b.Data, kind, i, j))
					}
					if b.RequiresGrad {
						broadcastAccumulate(b.Grad, kind, i, j, g*a.Data.At(i, j))
					}
				}
			}
		}
	}

	return result, nil
}

// Divide performs element-wise division with gradient tracking. The divisor
// may broadcast.
func Divide(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	kind, err := classifyBroadcast(a, b)
	if err != nil {
		return nil, fmt.Errorf("element-wise division: %w", err)
	}

	result, err := newResult(a.Rows(), a.Cols(), "divide", a, b)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Rows(); i++ {
		for j := 0; j < a.Cols(); j++ {
			result.Data.Set(i, j, a.Data.At(i, j)/broadcastAt(b.Data, kind, i, j))
		}
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i := 0; i < a.Rows(); i++ {
				for j := 0; j < a.Cols(); j++ {
					g := result.Grad.At(i, j)
					bv := broadcastAt(b.Data, kind, i, j)
					if a.RequiresGrad {
						a.Grad.Set(i, j, a.Grad.At(i, j)+g/bv)
					}
					if b.RequiresGrad {
						broadcastAccumulate(b.Grad, kind, i, j, -g*a.Data.At(i, j)/(bv*bv))
					}
				}
			}
		}
	}

	return result, nil
}

// ScalarMultiply multiplies all elements of a tensor by a scalar value.
func ScalarMultiply(a *Tensor, scalar float64) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	result, err := newResult(a.Rows(), a.Cols(), "scalar_multiply", a)
	if err != nil {
		return nil, err
	}
	for i := range a.Data.Data {
		result.Data.Data[i] = a.Data.Data[i] * scalar
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i := range a.Grad.Data {
				a.Grad.Data[i] += result.Grad.Data[i] * scalar
			}
		}
	}

	return result, nil
}

// Square computes the element-wise square with gradient tracking.
func Square(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	result, err := newResult(a.Rows(), a.Cols(), "square", a)
	if err != nil {
		return nil, err
	}
	for i := range a.Data.Data {
		result.Data.Data[i] = a.Data.Data[i] * a.Data.Data[i]
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i := range a.Grad.Data {
				a.Grad.Data[i] += 2 * a.Data.Data[i] * result.Grad.Data[i]
			}
		}
	}

	return result, nil
}

// Sqrt computes the element-wise square root with gradient tracking.
func Sqrt(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	result, err := newResult(a.Rows(), a.Cols(), "sqrt", a)
	if err != nil {
		return nil, err
	}
	for i := range a.Data.Data {
		result.Data.Data[i] = math.Sqrt(a.Data.Data[i])
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i := range a.Grad.Data {
				if result.Data.Data[i] != 0 {
					a.Grad.Data[i] += result.Grad.Data[i] / (2 * result.Data.Data[i])
				}
			}
		}
	}

	return result, nil
}

// GELU applies the Gaussian Error Linear Unit activation (tanh approximation)
// with gradient tracking.
func GELU(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	result, err := newResult(a.Rows(), a.Cols(), "gelu", a)
	if err != nil {
		return nil, err
	}

	const c = 0.7978845608028654 // sqrt(2/pi)
	for i, x := range a.Data.Data {
		inner := c * (x + 0.044715*x*x*x)
		result.Data.Data[i] = 0.5 * x * (1 + math.Tanh(inner))
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i, x := range a.Data.Data {
				inner := c * (x + 0.044715*x*x*x)
				tanhInner := math.Tanh(inner)
				sech2 := 1 - tanhInner*tanhInner
				dInner := c * (1 + 3*0.044715*x*x)
				deriv := 0.5*(1+tanhInner) + 0.5*x*sech2*dInner
				a.Grad.Data[i] += result.Grad.Data[i] * deriv
			}
		}
	}

	return result, nil
}

// SoftmaxRows applies the softmax function along each row with gradient
// tracking. An optional additive bias (same shape) is applied to the logits
// first; masked-out positions use a large negative bias there.
func SoftmaxRows(a, bias *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if bias != nil && (bias.Rows() != a.Rows() || bias.Cols() != a.Cols()) {
		return nil, fmt.Errorf("softmax bias shape (%dx%d) does not match input (%dx%d)",
			bias.Rows(), bias.Cols(), a.Rows(), a.Cols())
	}

	result, err := newResult(a.Rows(), a.Cols(), "softmax", a)
	if err != nil {
		return nil, err
	}

	for i := 0; i < a.Rows(); i++ {
		// Max-subtraction for numerical stability.
		max := math.Inf(-1)
		for j := 0; j < a.Cols(); j++ {
			v := a.Data.At(i, j)
			if bias != nil {
				v += bias.Data.At(i, j)
			}
			if v > max {
				max = v
			}
		}
		sum := 0.0
		for j := 0; j < a.Cols(); j++ {
			v := a.Data.At(i, j)
			if bias != nil {
				v += bias.Data.At(i, j)
			}
			e := math.Exp(v - max)
			result.Data.Set(i, j, e)
			sum += e
		}
		for j := 0; j < a.Cols(); j++ {
			result.Data.Set(i, j, result.Data.At(i, j)/sum)
		}
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			// dL/dx_j = y_j * (dL/dy_j - sum_k dL/dy_k * y_k), per row.
			for i := 0; i < a.Rows(); i++ {
				dot := 0.0
				for j := 0; j < a.Cols(); j++ {
					dot += result.Grad.At(i, j) * result.Data.At(i, j)
				}
				for j := 0; j < a.Cols(); j++ {
					y := result.Data.At(i, j)
					a.Grad.Set(i, j, a.Grad.At(i, j)+y*(result.Grad.At(i, j)-dot))
				}
			}
		}
	}

	return result, nil
}

// RowSum sums each row into a single column with gradient tracking.
func RowSum(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	result, err := newResult(a.Rows(), 1, "row_sum", a)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Rows(); i++ {
		sum := 0.0
		for j := 0; j < a.Cols(); j++ {
			sum += a.Data.At(i, j)
		}
		result.Data.Set(i, 0, sum)
	}

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i := 0; i < a.Rows(); i++ {
				g := result.Grad.At(i, 0)
				for j := 0; j < a.Cols(); j++ {
					a.Grad.Set(i, j, a.Grad.At(i, j)+g)
				}
			}
		}
	}

	return result, nil
}

// RowMean computes the mean of each row into a single column with gradient
// tracking.
func RowMean(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if a.Cols() == 0 {
		return nil, fmt.Errorf("cannot compute row mean of matrix with zero columns")
	}

	sum, err := RowSum(a)
	if err != nil {
		return nil, err
	}
	return ScalarMultiply(sum, 1.0/float64(a.Cols()))
}

// SumAll sums every element of a tensor into a 1x1 scalar tensor with
// gradient tracking.
func SumAll(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	result, err := newResult(1, 1, "sum_all", a)
	if err != nil {
		return nil, err
	}
	result.Data.Set(0, 0, a.Data.Sum())

	if result.RequiresGrad {
		result.backwardFn = func() {
			g := result.Grad.At(0, 0)
			for i := range a.Grad.Data {
				a.Grad.Data[i] += g
			}
		}
	}

	return result, nil
}

// Transpose returns the transpose of a tensor with gradient tracking.
func Transpose(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	result, err := newResult(a.Cols(), a.Rows(), "transpose", a)
	if err != nil {
		return nil, err
	}
	transposeInto(result.Data, a.Data)

	if result.RequiresGrad {
		result.backwardFn = func() {
			for i := 0; i < result.Rows(); i++ {
				for j := 0; j < result.Cols(); j++ {
					a.Grad.Set(j, i, a.Grad.At(j, i)+result.Grad.At(i, j))
				}
			}
		}
	}

	return result, nil
}
