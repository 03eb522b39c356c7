// Package encoder maps raw per-edge inputs (displacement vector, center
// species, neighbor species) into the latent embedding the transformer
// layers operate on.
package encoder

import (
	"fmt"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

// Encoder embeds the three per-edge inputs into a single vector of the
// configured width. The displacement goes through a linear layer, the two
// species indices through learned embedding tables; the three embeddings are
// concatenated and compressed back to the embedding width.
type Encoder struct {
	NumSpecies   int
	EmbeddingDim int

	CartesianWeight   *autodiff.Tensor // 3 x d
	CartesianBias     *autodiff.Tensor // 1 x d
	CenterEmbedding   *autodiff.Tensor // numSpecies x d
	NeighborEmbedding *autodiff.Tensor // numSpecies x d
	CompressWeight    *autodiff.Tensor // 3d x d
	CompressBias      *autodiff.Tensor // 1 x d
}

// New creates an encoder for the given number of known species and embedding
// width.
func New(numSpecies, embeddingDim int) (*Encoder, error) {
	if numSpecies <= 0 {
		return nil, fmt.Errorf("number of species must be positive, got %d", numSpecies)
	}
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", embeddingDim)
	}

	param := func(rows, cols int, name string) (*autodiff.Tensor, error) {
		return autodiff.NewRandomTensor(rows, cols, &autodiff.TensorConfig{RequiresGrad: true, Name: name})
	}

	cartW, err := param(3, embeddingDim, "encoder.cartesian_weight")
	if err != nil {
		return nil, err
	}
	cartB, err := autodiff.NewZerosTensor(1, embeddingDim, &autodiff.TensorConfig{RequiresGrad: true, Name: "encoder.cartesian_bias"})
	if err != nil {
		return nil, err
	}
	centerEmb, err := param(numSpecies, embeddingDim, "encoder.center_embedding")
	if err != nil {
		return nil, err
	}
	neighborEmb, err := param(numSpecies, embeddingDim, "encoder.neighbor_embedding")
	if err != nil {
		return nil, err
	}
	compressW, err := param(3*embeddingDim, embeddingDim, "encoder.compress_weight")
	if err != nil {
		return nil, err
	}
	compressB, err := autodiff.NewZerosTensor(1, embeddingDim, &autodiff.TensorConfig{RequiresGrad: true, Name: "encoder.compress_bias"})
	if err != nil {
		return nil, err
	}

	return &Encoder{
		NumSpecies:        numSpecies,
		EmbeddingDim:      embeddingDim,
		CartesianWeight:   cartW,
		CartesianBias:     cartB,
		CenterEmbedding:   centerEmb,
		NeighborEmbedding: neighborEmb,
		CompressWeight:    compressW,
		CompressBias:      compressB,
	}, nil
}

// Forward computes the per-edge embeddings. The species index slices must
// contain valid indices into the species tables; an unknown species (index
// out of range, including the -1 sentinel of the lookup table) is a hard
// error rather than a silent mapping.
func (e *Encoder) Forward(edgeVectors *autodiff.Tensor, centerIndices, neighborIndices []int) (*autodiff.Tensor, error) {
	if edgeVectors.Cols() != 3 {
		return nil, fmt.Errorf("edge vectors must have 3 columns, got %d", edgeVectors.Cols())
	}
	if edgeVectors.Rows() != len(centerIndices) || edgeVectors.Rows() != len(neighborIndices) {
		return nil, fmt.Errorf("edge count mismatch: %d vectors, %d center indices, %d neighbor indices",
			edgeVectors.Rows(), len(centerIndices), len(neighborIndices))
	}
	for i, idx := range centerIndices {
		if idx < 0 || idx >= e.NumSpecies {
			return nil, fmt.Errorf("edge %d: unknown center species index %d", i, idx)
		}
	}
	for i, idx := range neighborIndices {
		if idx < 0 || idx >= e.NumSpecies {
			return nil, fmt.Errorf("edge %d: unknown neighbor species index %d", i, idx)
		}
	}

	cartesian, err := autodiff.MatMul(edgeVectors, e.CartesianWeight)
	if err != nil {
		return nil, fmt.Errorf("cartesian projection: %w", err)
	}
	cartesian, err = autodiff.Add(cartesian, e.CartesianBias)
	if err != nil {
		return nil, err
	}

	centers, err := autodiff.RowGather(e.CenterEmbedding, centerIndices)
	if err != nil {
		return nil, fmt.Errorf("center species embedding: %w", err)
	}
	neighbors, err := autodiff.RowGather(e.NeighborEmbedding, neighborIndices)
	if err != nil {
		return nil, fmt.Errorf("neighbor species embedding: %w", err)
	}

	combined, err := autodiff.ConcatCols([]*autodiff.Tensor{cartesian, centers, neighbors})
	if err != nil {
		return nil, err
	}
	combined, err = autodiff.GELU(combined)
	if err != nil {
		return nil, err
	}

	out, err := autodiff.MatMul(combined, e.CompressWeight)
	if err != nil {
		return nil, fmt.Errorf("compression: %w", err)
	}
	return autodiff.Add(out, e.CompressBias)
}

// Parameters returns the encoder's trainable tensors.
func (e *Encoder) Parameters() []*autodiff.Tensor {
	return []*autodiff.Tensor{
		e.CartesianWeight, e.CartesianBias,
		e.CenterEmbedding, e.NeighborEmbedding,
		e.CompressWeight, e.CompressBias,
	}
}
