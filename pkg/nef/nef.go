// Package nef implements the Node-Edge-Feature layout: a dense padded
// indexing scheme that maps a sparse, variable-degree edge list onto a fixed
// [numNodes x maxEdgesPerNode] grid so batched tensor operations can run
// with uniform shapes. Rows are stored flattened as node*maxEdgesPerNode +
// slot; padding slots are marked invalid and stay zero-valued so they are
// neutral under sum-reductions.
package nef

import (
	"fmt"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

// Indices is the padded index structure for one batch. Slot assignment is
// deterministic: edges are encountered in edge-array order and each takes
// the next free slot of its center node, so repeated builds over the same
// edge list reproduce the same layout (and therefore the same summation
// order).
type Indices struct {
	NumNodes        int
	MaxEdgesPerNode int

	// EdgeIDs maps flattened (node, slot) to an edge id, -1 for padding.
	EdgeIDs []int
	// Mask marks real slots true and padding slots false.
	Mask []bool
	// EdgeToSlot maps each edge id to its slot within its center's row.
	EdgeToSlot []int

	centers []int
}

// Build computes the NEF index mapping for the given center-edge array and
// node count. MaxEdgesPerNode is 0 when the edge list is empty.
func Build(centers []int, numNodes int) (*Indices, error) {
	if numNodes < 0 {
		return nil, fmt.Errorf("node count must be non-negative, got %d", numNodes)
	}

	counts := make([]int, numNodes)
	for i, c := range centers {
		if c < 0 || c >= numNodes {
			return nil, fmt.Errorf("edge %d: center %d out of range for %d nodes", i, c, numNodes)
		}
		counts[c]++
	}

	maxEdges := 0
	for _, n := range counts {
		if n > maxEdges {
			maxEdges = n
		}
	}

	ix := &Indices{
		NumNodes:        numNodes,
		MaxEdgesPerNode: maxEdges,
		EdgeIDs:         make([]int, numNodes*maxEdges),
		Mask:            make([]bool, numNodes*maxEdges),
		EdgeToSlot:      make([]int, len(centers)),
		centers:         centers,
	}
	for i := range ix.EdgeIDs {
		ix.EdgeIDs[i] = -1
	}

	filled := make([]int, numNodes)
	for e, c := range centers {
		slot := filled[c]
		filled[c]++
		ix.EdgeIDs[c*maxEdges+slot] = e
		ix.Mask[c*maxEdges+slot] = true
		ix.EdgeToSlot[e] = slot
	}

	return ix, nil
}

// Rows returns the number of flattened NEF rows (numNodes * maxEdgesPerNode).
func (ix *Indices) Rows() int { return ix.NumNodes * ix.MaxEdgesPerNode }

// NodeSegments returns, for every flattened NEF row, the node it belongs to.
// Used as the segment map when pooling edge features into node features.
func (ix *Indices) NodeSegments() []int {
	segments := make([]int, ix.Rows())
	for i := range segments {
		segments[i] = i / ix.MaxEdgesPerNode
	}
	return segments
}

// EdgesToNEF converts a per-edge feature tensor (numEdges x d) to the padded
// NEF layout (numNodes*maxEdgesPerNode x d). Padding rows are zero-filled,
// so the conversion is information-preserving for real edges and neutral
// under masked reductions for padding slots.
func (ix *Indices) EdgesToNEF(edges *autodiff.Tensor) (*autodiff.Tensor, error) {
	if edges.Rows() != len(ix.EdgeToSlot) {
		return nil, fmt.Errorf("edge feature tensor has %d rows, expected %d edges", edges.Rows(), len(ix.EdgeToSlot))
	}
	return autodiff.RowGather(edges, ix.EdgeIDs)
}

// NEFToEdges converts a padded NEF feature tensor back to per-edge layout.
// Round-tripping through EdgesToNEF reproduces the original edge features
// exactly; padding values are discarded.
func (ix *Indices) NEFToEdges(nefFeatures *autodiff.Tensor) (*autodiff.Tensor, error) {
	if nefFeatures.Rows() != ix.Rows() {
		return nil, fmt.Errorf("NEF feature tensor has %d rows, expected %d", nefFeatures.Rows(), ix.Rows())
	}

	rowOf := make([]int, len(ix.EdgeToSlot))
	for e := range rowOf {
		rowOf[e] = ix.centers[e]*ix.MaxEdgesPerNode + ix.EdgeToSlot[e]
	}
	return autodiff.RowGather(nefFeatures, rowOf)
}

// edgeKey identifies a directed edge up to its periodic image.
type edgeKey struct {
	center   int
	neighbor int
	shift    [3]int
}

// CorrespondingEdges computes, for each edge (i, j, S), the index of its
// reverse correspondent (j, i, -S). The neighbor list contract guarantees
// reciprocity; a missing correspondent means the precondition was violated
// and is reported as an error.
func CorrespondingEdges(centers, neighbors []int, shifts [][3]int) ([]int, error) {
	if len(centers) != len(neighbors) || len(centers) != len(shifts) {
		return nil, fmt.Errorf("edge array length mismatch: %d centers, %d neighbors, %d shifts",
			len(centers), len(neighbors), len(shifts))
	}

	lookup := make(map[edgeKey]int, len(centers))
	for e := range centers {
		lookup[edgeKey{centers[e], neighbors[e], shifts[e]}] = e
	}

	corresponding := make([]int, len(centers))
	for e := range centers {
		reverse := edgeKey{
			center:   neighbors[e],
			neighbor: centers[e],
			shift:    [3]int{-shifts[e][0], -shifts[e][1], -shifts[e][2]},
		}
		partner, ok := lookup[reverse]
		if !ok {
			return nil, fmt.Errorf("neighbor list is not reciprocal: edge %d (%d -> %d, shift %v) has no reverse correspondent",
				e, centers[e], neighbors[e], shifts[e])
		}
		corresponding[e] = partner
	}

	return corresponding, nil
}
