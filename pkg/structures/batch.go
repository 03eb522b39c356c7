package structures

import (
	"fmt"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

// Batch is the concatenation of several systems into flat arrays. Edge
// indices are globally offset so they index directly into the flat position
// tensor; no cross-system edges exist. Positions and cells are graph leaf
// tensors so that energies can be differentiated back to them for forces and
// stresses.
type Batch struct {
	Positions *autodiff.Tensor   // numAtoms x 3, requires grad
	Cells     []*autodiff.Tensor // one 3x3 tensor per system, requires grad
	Species   []int              // numAtoms
	Centers   []int              // numEdges, global atom indices
	Neighbors []int              // numEdges, global atom indices
	Shifts    [][3]int           // numEdges

	SystemIndex []int    // numAtoms, which system each atom came from
	SystemSizes []int    // atoms per system
	EdgeSystem  []int    // numEdges, which system each edge belongs to
	Samples     [][2]int // numAtoms, (system, atom) identity per feature row
}

// NumAtoms returns the number of atoms in the batch.
func (b *Batch) NumAtoms() int { return len(b.Species) }

// NumEdges returns the number of directed edges in the batch.
func (b *Batch) NumEdges() int { return len(b.Centers) }

// NumSystems returns the number of concatenated systems.
func (b *Batch) NumSystems() int { return len(b.SystemSizes) }

// Concatenate batches systems into flat arrays using the neighbor list that
// matches opts. Atom ordering is the concatenation order of the input
// systems and the sample table follows it exactly. It fails if any system
// lacks a matching neighbor list.
func Concatenate(systems []*System, opts NeighborListOptions) (*Batch, error) {
	if len(systems) == 0 {
		return nil, fmt.Errorf("cannot concatenate zero systems")
	}

	totalAtoms := 0
	for _, sys := range systems {
		totalAtoms += sys.Len()
	}

	posData := make([]float64, 0, totalAtoms*3)
	batch := &Batch{
		Cells:       make([]*autodiff.Tensor, 0, len(systems)),
		Species:     make([]int, 0, totalAtoms),
		SystemIndex: make([]int, 0, totalAtoms),
		SystemSizes: make([]int, 0, len(systems)),
		Samples:     make([][2]int, 0, totalAtoms),
	}

	offset := 0
	for iSystem, sys := range systems {
		nl, err := sys.NeighborList(opts)
		if err != nil {
			return nil, fmt.Errorf("system %d: %w", iSystem, err)
		}

		for iAtom, p := range sys.Positions() {
			posData = append(posData, p[0], p[1], p[2])
			batch.SystemIndex = append(batch.SystemIndex, iSystem)
			batch.Samples = append(batch.Samples, [2]int{iSystem, iAtom})
		}
		batch.Species = append(batch.Species, sys.Species()...)
		batch.SystemSizes = append(batch.SystemSizes, sys.Len())

		for i := range nl.Centers {
			batch.Centers = append(batch.Centers, nl.Centers[i]+offset)
			batch.Neighbors = append(batch.Neighbors, nl.Neighbors[i]+offset)
			batch.Shifts = append(batch.Shifts, nl.Shifts[i])
			batch.EdgeSystem = append(batch.EdgeSystem, iSystem)
		}

		cellMat := autodiff.MustNewMatrix(3, 3)
		if cell := sys.Cell(); cell != nil {
			for i := 0; i < 3; i++ {
				for j := 0; j < 3; j++ {
					cellMat.Set(i, j, cell[i][j])
				}
			}
		}
		cellTensor, err := autodiff.NewTensor(cellMat, &autodiff.TensorConfig{
			RequiresGrad: true,
			Name:         fmt.Sprintf("cell_%d", iSystem),
		})
		if err != nil {
			return nil, err
		}
		batch.Cells = append(batch.Cells, cellTensor)

		offset += sys.Len()
	}

	posMat, err := autodiff.NewMatrixFrom(totalAtoms, 3, posData)
	if err != nil {
		return nil, err
	}
	batch.Positions, err = autodiff.NewTensor(posMat, &autodiff.TensorConfig{
		RequiresGrad: true,
		Name:         "positions",
	})
	if err != nil {
		return nil, err
	}

	return batch, nil
}

// EdgeVectors computes the periodic shift-corrected displacement vector for
// every edge: neighbor position - center position + shift . cell. The result
// stays in the computation graph so forces can be obtained by
// backpropagation.
func (b *Batch) EdgeVectors() (*autodiff.Tensor, error) {
	neighborPos, err := autodiff.RowGather(b.Positions, b.Neighbors)
	if err != nil {
		return nil, fmt.Errorf("gathering neighbor positions: %w", err)
	}
	centerPos, err := autodiff.RowGather(b.Positions, b.Centers)
	if err != nil {
		return nil, fmt.Errorf("gathering center positions: %w", err)
	}

	bare, err := autodiff.Subtract(neighborPos, centerPos)
	if err != nil {
		return nil, err
	}

	contributions, err := b.cellContributions()
	if err != nil {
		return nil, err
	}
	if contributions == nil {
		return bare, nil
	}
	return autodiff.Add(bare, contributions)
}

// cellContributions builds the shift . cell term per edge, or nil when the
// batch has no edges. With a single system one matrix product covers all
// edges; otherwise edges are grouped by system and the per-system products
// are concatenated in edge order (edges are already grouped by construction).
func (b *Batch) cellContributions() (*autodiff.Tensor, error) {
	if b.NumEdges() == 0 {
		return nil, nil
	}

	if b.NumSystems() == 1 {
		shifts, err := b.shiftTensor(0, b.NumEdges())
		if err != nil {
			return nil, err
		}
		return autodiff.MatMul(shifts, b.Cells[0])
	}

	parts := make([]*autodiff.Tensor, 0, b.NumSystems())
	start := 0
	for iSystem := 0; iSystem < b.NumSystems(); iSystem++ {
		end := start
		for end < b.NumEdges() && b.EdgeSystem[end] == iSystem {
			end++
		}
		if end == start {
			continue
		}
		shifts, err := b.shiftTensor(start, end)
		if err != nil {
			return nil, err
		}
		part, err := autodiff.MatMul(shifts, b.Cells[iSystem])
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
		start = end
	}

	return autodiff.ConcatRows(parts)
}

// shiftTensor materializes the integer shifts of edges [start, end) as a
// constant float tensor.
func (b *Batch) shiftTensor(start, end int) (*autodiff.Tensor, error) {
	data := make([]float64, 0, (end-start)*3)
	for _, shift := range b.Shifts[start:end] {
		data = append(data, float64(shift[0]), float64(shift[1]), float64(shift[2]))
	}
	m, err := autodiff.NewMatrixFrom(end-start, 3, data)
	if err != nil {
		return nil, err
	}
	return autodiff.NewTensor(m, &autodiff.TensorConfig{Name: "cell_shifts"})
}
