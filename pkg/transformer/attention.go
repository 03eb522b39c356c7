package transformer

import (
	"fmt"
	"math"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

// maskedOutBias is the additive logit bias for slots that must not receive
// attention: padding slots and edges at or beyond the cutoff.
const maskedOutBias = -1e9

// MultiHeadAttention applies scaled dot-product attention along the
// neighbor (edge-slot) axis within each node's row of the NEF layout,
// independently per node. The radial mask enters twice: as an additive
// large-negative logit bias that hard-excludes invalid slots, and as a
// multiplicative weight on the attention probabilities so edges in the
// cutoff shell fade out smoothly.
type MultiHeadAttention struct {
	NumHeads int
	ModelDim int
	HeadDim  int

	QueryWeight  *autodiff.Tensor // d x d
	KeyWeight    *autodiff.Tensor // d x d
	ValueWeight  *autodiff.Tensor // d x d
	OutputWeight *autodiff.Tensor // d x d

	AttentionDropout *Dropout
}

// NewMultiHeadAttention creates a multi-head attention module.
func NewMultiHeadAttention(modelDim, numHeads int, dropoutRate float64) (*MultiHeadAttention, error) {
	if numHeads <= 0 {
		return nil, fmt.Errorf("number of heads must be positive, got %d", numHeads)
	}
	if modelDim <= 0 {
		return nil, fmt.Errorf("model dimension must be positive, got %d", modelDim)
	}
	if modelDim%numHeads != 0 {
		return nil, fmt.Errorf("model dimension (%d) must be divisible by number of heads (%d)", modelDim, numHeads)
	}

	dropout, err := NewDropout(dropoutRate)
	if err != nil {
		return nil, err
	}

	weight := func(name string) (*autodiff.Tensor, error) {
		return autodiff.NewRandomTensor(modelDim, modelDim, &autodiff.TensorConfig{RequiresGrad: true, Name: name})
	}
	queryWeight, err := weight("attention.query_weight")
	if err != nil {
		return nil, err
	}
	keyWeight, err := weight("attention.key_weight")
	if err != nil {
		return nil, err
	}
	valueWeight, err := weight("attention.value_weight")
	if err != nil {
		return nil, err
	}
	outputWeight, err := weight("attention.output_weight")
	if err != nil {
		return nil, err
	}

	return &MultiHeadAttention{
		NumHeads:         numHeads,
		ModelDim:         modelDim,
		HeadDim:          modelDim / numHeads,
		QueryWeight:      queryWeight,
		KeyWeight:        keyWeight,
		ValueWeight:      valueWeight,
		OutputWeight:     outputWeight,
		AttentionDropout: dropout,
	}, nil
}

// Forward runs attention over every node's row block. features and
// radialMask are in flattened NEF layout with maxEdgesPerNode rows per node.
func (mha *MultiHeadAttention) Forward(features, radialMask *autodiff.Tensor, maxEdgesPerNode int, training bool) (*autodiff.Tensor, error) {
	if features.Cols() != mha.ModelDim {
		return nil, fmt.Errorf("attention expects width %d, got %d", mha.ModelDim, features.Cols())
	}
	if radialMask.Rows() != features.Rows() || radialMask.Cols() != 1 {
		return nil, fmt.Errorf("radial mask shape (%dx%d) does not match features with %d rows",
			radialMask.Rows(), radialMask.Cols(), features.Rows())
	}
	if maxEdgesPerNode <= 0 || features.Rows()%maxEdgesPerNode != 0 {
		return nil, fmt.Errorf("feature rows (%d) are not a multiple of max edges per node (%d)",
			features.Rows(), maxEdgesPerNode)
	}

	numNodes := features.Rows() / maxEdgesPerNode
	nodeOutputs := make([]*autodiff.Tensor, 0, numNodes)
	scale := 1.0 / math.Sqrt(float64(mha.HeadDim))

	for n := 0; n < numNodes; n++ {
		rows, err := autodiff.SliceRows(features, n*maxEdgesPerNode, maxEdgesPerNode)
		if err != nil {
			return nil, err
		}
		maskCol, err := autodiff.SliceRows(radialMask, n*maxEdgesPerNode, maxEdgesPerNode)
		if err != nil {
			return nil, err
		}
		maskRow, err := autodiff.Transpose(maskCol)
		if err != nil {
			return nil, err
		}

		bias, err := attentionBias(radialMask, n*maxEdgesPerNode, maxEdgesPerNode)
		if err != nil {
			return nil, err
		}

		q, err := autodiff.MatMul(rows, mha.QueryWeight)
		if err != nil {
			return nil, fmt.Errorf("query projection: %w", err)
		}
		k, err := autodiff.MatMul(rows, mha.KeyWeight)
		if err != nil {
			return nil, fmt.Errorf("key projection: %w", err)
		}
		v, err := autodiff.MatMul(rows, mha.ValueWeight)
		if err != nil {
			return nil, fmt.Errorf("value projection: %w", err)
		}

		headOutputs := make([]*autodiff.Tensor, 0, mha.NumHeads)
		for h := 0; h < mha.NumHeads; h++ {
			start := h * mha.HeadDim
			qh, err := autodiff.SliceCols(q, start, mha.HeadDim)
			if err != nil {
				return nil, err
			}
			kh, err := autodiff.SliceCols(k, start, mha.HeadDim)
			if err != nil {
				return nil, err
			}
			vh, err := autodiff.SliceCols(v, start, mha.HeadDim)
			if err != nil {
				return nil, err
			}

			kt, err := autodiff.Transpose(kh)
			if err != nil {
				return nil, err
			}
			scores, err := autodiff.MatMul(qh, kt)
			if err != nil {
				return nil, err
			}
			scores, err = autodiff.ScalarMultiply(scores, scale)
			if err != nil {
				return nil, err
			}

			probs, err := autodiff.SoftmaxRows(scores, bias)
			if err != nil {
				return nil, err
			}
			probs, err = autodiff.Multiply(probs, maskRow)
			if err != nil {
				return nil, err
			}
			probs, err = mha.AttentionDropout.Forward(probs, training)
			if err != nil {
				return nil, err
			}

			headOut, err := autodiff.MatMul(probs, vh)
			if err != nil {
				return nil, err
			}
			headOutputs = append(headOutputs, headOut)
		}

		combined, err := autodiff.ConcatCols(headOutputs)
		if err != nil {
			return nil, err
		}
		out, err := autodiff.MatMul(combined, mha.OutputWeight)
		if err != nil {
			return nil, fmt.Errorf("output projection: %w", err)
		}
		nodeOutputs = append(nodeOutputs, out)
	}

	return autodiff.ConcatRows(nodeOutputs)
}

// attentionBias builds the constant additive logit bias for one node's row:
// every key column whose radial mask weight is exactly zero (padding or
// beyond cutoff) gets a large negative bias. The bias carries no gradient;
// the smooth part of the masking is the multiplicative weight applied to the
// attention probabilities.
func attentionBias(radialMask *autodiff.Tensor, start, numSlots int) (*autodiff.Tensor, error) {
	bias := autodiff.MustNewMatrix(numSlots, numSlots)
	for j := 0; j < numSlots; j++ {
		if radialMask.Data.At(start+j, 0) == 0 {
			for i := 0; i < numSlots; i++ {
				bias.Set(i, j, maskedOutBias)
			}
		}
	}
	return autodiff.NewTensor(bias, &autodiff.TensorConfig{Name: "attention.bias"})
}

// Parameters returns the trainable tensors.
func (mha *MultiHeadAttention) Parameters() []*autodiff.Tensor {
	return []*autodiff.Tensor{mha.QueryWeight, mha.KeyWeight, mha.ValueWeight, mha.OutputWeight}
}
