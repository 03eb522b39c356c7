package structures

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

var testNLOptions = NeighborListOptions{Cutoff: 5.0, FullList: true, Strict: true}

// dimer builds a two-atom system with a full neighbor list at the given
// separation along x.
func dimer(t *testing.T, separation float64, cell *[3][3]float64) *System {
	t.Helper()
	sys, err := NewSystem([][3]float64{{0, 0, 0}, {separation, 0, 0}}, []int{1, 8}, cell)
	require.NoError(t, err)
	err = sys.AddNeighborList(testNLOptions,
		[]int{0, 1}, []int{1, 0}, [][3]int{{0, 0, 0}, {0, 0, 0}})
	require.NoError(t, err)
	return sys
}

func TestNewSystemValidation(t *testing.T) {
	_, err := NewSystem([][3]float64{{0, 0, 0}}, []int{1, 8}, nil)
	assert.Error(t, err, "length mismatch must fail")

	_, err = NewSystem([][3]float64{{0, 0, 0}}, []int{0}, nil)
	assert.Error(t, err, "non-positive species must fail")

	sys, err := NewSystem([][3]float64{{0, 0, 0}}, []int{6}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sys.Len())
	assert.Equal(t, "cpu", sys.Device())
}

func TestNeighborListLookup(t *testing.T) {
	sys := dimer(t, 1.0, nil)

	nl, err := sys.NeighborList(testNLOptions)
	require.NoError(t, err)
	assert.Len(t, nl.Centers, 2)

	_, err = sys.NeighborList(NeighborListOptions{Cutoff: 3.0, FullList: true, Strict: true})
	assert.ErrorIs(t, err, ErrMissingNeighborList)
}

func TestAddNeighborListValidation(t *testing.T) {
	sys, err := NewSystem([][3]float64{{0, 0, 0}, {1, 0, 0}}, []int{1, 1}, nil)
	require.NoError(t, err)

	err = sys.AddNeighborList(testNLOptions, []int{0}, []int{1, 0}, [][3]int{{0, 0, 0}})
	assert.Error(t, err, "array length mismatch must fail")

	err = sys.AddNeighborList(testNLOptions, []int{0}, []int{2}, [][3]int{{0, 0, 0}})
	assert.Error(t, err, "out of range neighbor must fail")
}

func TestConcatenateOffsets(t *testing.T) {
	a := dimer(t, 1.0, nil)
	b := dimer(t, 1.5, nil)

	batch, err := Concatenate([]*System{a, b}, testNLOptions)
	require.NoError(t, err)

	assert.Equal(t, 4, batch.NumAtoms())
	assert.Equal(t, 4, batch.NumEdges())
	assert.Equal(t, 2, batch.NumSystems())

	// Second system's edges index into the global position array.
	assert.Equal(t, []int{0, 1, 2, 3}, batch.Centers)
	assert.Equal(t, []int{1, 0, 3, 2}, batch.Neighbors)
	assert.Equal(t, [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}, batch.Samples)
	assert.Equal(t, []int{0, 0, 1, 1}, batch.EdgeSystem)
}

func TestConcatenateMissingNeighborList(t *testing.T) {
	sys, err := NewSystem([][3]float64{{0, 0, 0}}, []int{1}, nil)
	require.NoError(t, err)
	_, err = Concatenate([]*System{sys}, testNLOptions)
	assert.ErrorIs(t, err, ErrMissingNeighborList)
}

func TestEdgeVectorsNonPeriodic(t *testing.T) {
	batch, err := Concatenate([]*System{dimer(t, 1.5, nil)}, testNLOptions)
	require.NoError(t, err)

	vectors, err := batch.EdgeVectors()
	require.NoError(t, err)

	assert.Equal(t, 2, vectors.Rows())
	assert.InDelta(t, 1.5, vectors.Data.At(0, 0), 1e-12)
	assert.InDelta(t, -1.5, vectors.Data.At(1, 0), 1e-12)
	assert.InDelta(t, 0.0, vectors.Data.At(0, 1), 1e-12)
}

func TestEdgeVectorsPeriodicShift(t *testing.T) {
	cell := &[3][3]float64{{4, 0, 0}, {0, 4, 0}, {0, 0, 4}}
	sys, err := NewSystem([][3]float64{{0.5, 0, 0}, {3.5, 0, 0}}, []int{1, 1}, cell)
	require.NoError(t, err)
	// The short path from atom 0 to atom 1 crosses the -x boundary.
	err = sys.AddNeighborList(testNLOptions,
		[]int{0, 1}, []int{1, 0}, [][3]int{{-1, 0, 0}, {1, 0, 0}})
	require.NoError(t, err)

	batch, err := Concatenate([]*System{sys}, testNLOptions)
	require.NoError(t, err)

	vectors, err := batch.EdgeVectors()
	require.NoError(t, err)

	// 3.5 - 0.5 - 4 = -1
	assert.InDelta(t, -1.0, vectors.Data.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0, vectors.Data.At(1, 0), 1e-12)
}

func TestEdgeVectorsDifferentiable(t *testing.T) {
	batch, err := Concatenate([]*System{dimer(t, 1.5, nil)}, testNLOptions)
	require.NoError(t, err)

	vectors, err := batch.EdgeVectors()
	require.NoError(t, err)
	squared, err := autodiff.Square(vectors)
	require.NoError(t, err)
	loss, err := autodiff.SumAll(squared)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	// loss = 2 * r^2, so d loss / d x1 = 4 (x1 - x0) = 6.
	assert.InDelta(t, 6.0, batch.Positions.Grad.At(1, 0), 1e-10)
	assert.InDelta(t, -6.0, batch.Positions.Grad.At(0, 0), 1e-10)
	assert.False(t, math.IsNaN(batch.Positions.Grad.At(0, 1)))
}

func TestEdgeVectorsCellGradient(t *testing.T) {
	cell := &[3][3]float64{{4, 0, 0}, {0, 4, 0}, {0, 0, 4}}
	sys, err := NewSystem([][3]float64{{0.5, 0, 0}, {3.5, 0, 0}}, []int{1, 1}, cell)
	require.NoError(t, err)
	err = sys.AddNeighborList(testNLOptions,
		[]int{0, 1}, []int{1, 0}, [][3]int{{-1, 0, 0}, {1, 0, 0}})
	require.NoError(t, err)

	batch, err := Concatenate([]*System{sys}, testNLOptions)
	require.NoError(t, err)

	vectors, err := batch.EdgeVectors()
	require.NoError(t, err)
	squared, err := autodiff.Square(vectors)
	require.NoError(t, err)
	loss, err := autodiff.SumAll(squared)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	// d loss / d cell_00 = sum over edges of 2 * v_x * shift_x
	// = 2*(-1)*(-1) + 2*(1)*(1) = 4.
	assert.InDelta(t, 4.0, batch.Cells[0].Grad.At(0, 0), 1e-10)
}
