package transformer

import (
	"fmt"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

// LayerNorm normalizes each row to zero mean and unit variance, then applies
// a learned scale and shift.
type LayerNorm struct {
	Dim   int
	Gamma *autodiff.Tensor // 1 x dim
	Beta  *autodiff.Tensor // 1 x dim
	Eps   float64
}

// NewLayerNorm creates a layer normalization module of the given width.
func NewLayerNorm(dim int) (*LayerNorm, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("layer norm dimension must be positive, got %d", dim)
	}

	gammaData := autodiff.MustNewMatrix(1, dim)
	for j := 0; j < dim; j++ {
		gammaData.Set(0, j, 1.0)
	}
	gamma, err := autodiff.NewTensor(gammaData, &autodiff.TensorConfig{RequiresGrad: true, Name: "layernorm.gamma"})
	if err != nil {
		return nil, err
	}
	beta, err := autodiff.NewZerosTensor(1, dim, &autodiff.TensorConfig{RequiresGrad: true, Name: "layernorm.beta"})
	if err != nil {
		return nil, err
	}

	return &LayerNorm{Dim: dim, Gamma: gamma, Beta: beta, Eps: 1e-5}, nil
}

// Forward applies layer normalization along the feature axis of each row.
func (ln *LayerNorm) Forward(input *autodiff.Tensor) (*autodiff.Tensor, error) {
	if input.Cols() != ln.Dim {
		return nil, fmt.Errorf("layer norm expects width %d, got %d", ln.Dim, input.Cols())
	}

	mean, err := autodiff.RowMean(input)
	if err != nil {
		return nil, fmt.Errorf("layer norm mean: %w", err)
	}
	centered, err := autodiff.Subtract(input, mean)
	if err != nil {
		return nil, fmt.Errorf("layer norm center: %w", err)
	}
	squared, err := autodiff.Square(centered)
	if err != nil {
		return nil, err
	}
	variance, err := autodiff.RowMean(squared)
	if err != nil {
		return nil, fmt.Errorf("layer norm variance: %w", err)
	}

	epsData := autodiff.MustNewMatrix(variance.Rows(), 1)
	for i := 0; i < variance.Rows(); i++ {
		epsData.Set(i, 0, ln.Eps)
	}
	eps, err := autodiff.NewTensor(epsData, &autodiff.TensorConfig{Name: "layernorm.eps"})
	if err != nil {
		return nil, err
	}
	variance, err = autodiff.Add(variance, eps)
	if err != nil {
		return nil, err
	}
	std, err := autodiff.Sqrt(variance)
	if err != nil {
		return nil, err
	}

	normalized, err := autodiff.Divide(centered, std)
	if err != nil {
		return nil, fmt.Errorf("layer norm divide: %w", err)
	}
	scaled, err := autodiff.Multiply(normalized, ln.Gamma)
	if err != nil {
		return nil, fmt.Errorf("layer norm scale: %w", err)
	}
	return autodiff.Add(scaled, ln.Beta)
}

// Parameters returns the trainable tensors.
func (ln *LayerNorm) Parameters() []*autodiff.Tensor {
	return []*autodiff.Tensor{ln.Gamma, ln.Beta}
}
