package autodiff

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix represents a dense 2D matrix of float64 values in row-major layout.
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

// NewMatrix creates a new zero matrix with the specified dimensions.
func NewMatrix(rows, cols int) (*Matrix, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("invalid matrix dimensions: rows=%d, cols=%d (must be non-negative)", rows, cols)
	}

	return &Matrix{
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
	}, nil
}

// MustNewMatrix creates a new zero matrix with the specified dimensions.
// Panics if dimensions are invalid (use in non-production code only).
func MustNewMatrix(rows, cols int) *Matrix {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMatrixFrom creates a matrix wrapping the given row-major data slice.
func NewMatrixFrom(rows, cols int, data []float64) (*Matrix, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("invalid matrix dimensions: rows=%d, cols=%d (must be non-negative)", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("data length %d does not match dimensions %dx%d", len(data), rows, cols)
	}

	return &Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

// NewRandomMatrix creates a new matrix with small random values.
func NewRandomMatrix(rows, cols int) (*Matrix, error) {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}

	// Small uniform values keep early activations in a stable range.
	for i := range m.Data {
		m.Data[i] = rand.Float64()*0.2 - 0.1
	}

	return m, nil
}

// At returns the element at row i, column j.
func (m *Matrix) At(i, j int) float64 {
	return m.Data[i*m.Cols+j]
}

// Set assigns the element at row i, column j.
func (m *Matrix) Set(i, j int, v float64) {
	m.Data[i*m.Cols+j] = v
}

// Row returns a view of row i (shared backing slice, not a copy).
func (m *Matrix) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Clone creates a deep copy of the matrix.
func (m *Matrix) Clone() *Matrix {
	clone := MustNewMatrix(m.Rows, m.Cols)
	copy(clone.Data, m.Data)
	return clone
}

// Zero resets every element to 0.
func (m *Matrix) Zero() {
	for i := range m.Data {
		m.Data[i] = 0
	}
}

// Sum returns the sum of all elements in the matrix.
func (m *Matrix) Sum() float64 {
	return floats.Sum(m.Data)
}

// dense wraps the matrix as a gonum Dense without copying.
func (m *Matrix) dense() *mat.Dense {
	return mat.NewDense(m.Rows, m.Cols, m.Data)
}

// matMulInto computes dst = a*b using gonum kernels. dst must already have
// shape a.Rows x b.Cols. Degenerate shapes produce an all-zero result.
func matMulInto(dst, a, b *Matrix) {
	if a.Rows == 0 || a.Cols == 0 || b.Cols == 0 {
		dst.Zero()
		return
	}
	dst.dense().Mul(a.dense(), b.dense())
}

// transposeInto computes dst = m^T. dst must have shape m.Cols x m.Rows.
func transposeInto(dst, m *Matrix) {
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			dst.Set(j, i, m.At(i, j))
		}
	}
}

// Equal checks if two matrices have the same shape and element-wise values
// within epsilon.
func Equal(a, b *Matrix, epsilon float64) bool {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return false
	}
	for i := range a.Data {
		if math.Abs(a.Data[i]-b.Data[i]) > epsilon {
			return false
		}
	}
	return true
}

// String returns a string representation of the matrix.
func (m *Matrix) String() string {
	if m == nil {
		return "nil"
	}

	result := fmt.Sprintf("Matrix(%dx%d):\n", m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		result += "["
		for j := 0; j < m.Cols; j++ {
			if j > 0 {
				result += ", "
			}
			result += fmt.Sprintf("%.4f", m.At(i, j))
		}
		result += "]\n"
	}

	return result
}
