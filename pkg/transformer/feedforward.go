package transformer

import (
	"fmt"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

// FeedForward is the position-wise two-layer MLP of a transformer block with
// GELU activation.
type FeedForward struct {
	InputDim  int
	HiddenDim int
	W1        *autodiff.Tensor // inputDim x hiddenDim
	B1        *autodiff.Tensor // 1 x hiddenDim
	W2        *autodiff.Tensor // hiddenDim x inputDim
	B2        *autodiff.Tensor // 1 x inputDim
	Dropout   *Dropout
}

// NewFeedForward creates a feed-forward module.
func NewFeedForward(inputDim, hiddenDim int, dropoutRate float64) (*FeedForward, error) {
	if inputDim <= 0 || hiddenDim <= 0 {
		return nil, fmt.Errorf("feed-forward dimensions must be positive: input=%d, hidden=%d", inputDim, hiddenDim)
	}

	dropout, err := NewDropout(dropoutRate)
	if err != nil {
		return nil, err
	}
	w1, err := autodiff.NewRandomTensor(inputDim, hiddenDim, &autodiff.TensorConfig{RequiresGrad: true, Name: "ffn.w1"})
	if err != nil {
		return nil, err
	}
	b1, err := autodiff.NewZerosTensor(1, hiddenDim, &autodiff.TensorConfig{RequiresGrad: true, Name: "ffn.b1"})
	if err != nil {
		return nil, err
	}
	w2, err := autodiff.NewRandomTensor(hiddenDim, inputDim, &autodiff.TensorConfig{RequiresGrad: true, Name: "ffn.w2"})
	if err != nil {
		return nil, err
	}
	b2, err := autodiff.NewZerosTensor(1, inputDim, &autodiff.TensorConfig{RequiresGrad: true, Name: "ffn.b2"})
	if err != nil {
		return nil, err
	}

	return &FeedForward{
		InputDim:  inputDim,
		HiddenDim: hiddenDim,
		W1:        w1,
		B1:        b1,
		W2:        w2,
		B2:        b2,
		Dropout:   dropout,
	}, nil
}

// Forward applies the MLP to each row independently.
func (ff *FeedForward) Forward(input *autodiff.Tensor, training bool) (*autodiff.Tensor, error) {
	hidden, err := autodiff.MatMul(input, ff.W1)
	if err != nil {
		return nil, fmt.Errorf("ffn first projection: %w", err)
	}
	hidden, err = autodiff.Add(hidden, ff.B1)
	if err != nil {
		return nil, err
	}
	hidden, err = autodiff.GELU(hidden)
	if err != nil {
		return nil, err
	}
	hidden, err = ff.Dropout.Forward(hidden, training)
	if err != nil {
		return nil, err
	}

	out, err := autodiff.MatMul(hidden, ff.W2)
	if err != nil {
		return nil, fmt.Errorf("ffn second projection: %w", err)
	}
	return autodiff.Add(out, ff.B2)
}

// Parameters returns the trainable tensors.
func (ff *FeedForward) Parameters() []*autodiff.Tensor {
	return []*autodiff.Tensor{ff.W1, ff.B1, ff.W2, ff.B2}
}
