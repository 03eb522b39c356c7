package transformer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

func testConfig() Config {
	return Config{
		ModelDim:           8,
		HiddenDim:          32,
		NumHeads:           2,
		NumAttentionLayers: 2,
	}
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig()
	cfg.NumAttentionLayers = 0
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.NumHeads = 3 // does not divide ModelDim
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestForwardShape(t *testing.T) {
	tr, err := New(testConfig())
	require.NoError(t, err)

	// 2 nodes, 3 slots each.
	features, err := autodiff.NewRandomTensor(6, 8, nil)
	require.NoError(t, err)
	mask, err := onesMask(6)
	require.NoError(t, err)

	out, err := tr.Forward(features, mask, 3, false)
	require.NoError(t, err)
	assert.Equal(t, 6, out.Rows())
	assert.Equal(t, 8, out.Cols())
}

func TestForwardPaddingInvariance(t *testing.T) {
	tr, err := New(testConfig())
	require.NoError(t, err)

	// One node, 3 slots, last slot masked out.
	maskData, err := autodiff.NewMatrixFrom(3, 1, []float64{1, 1, 0})
	require.NoError(t, err)
	mask, err := autodiff.NewTensor(maskData, nil)
	require.NoError(t, err)

	base, err := autodiff.NewRandomTensor(3, 8, nil)
	require.NoError(t, err)

	perturbed, err := autodiff.NewTensor(base.Data.Clone(), nil)
	require.NoError(t, err)
	for j := 0; j < 8; j++ {
		perturbed.Data.Set(2, j, 42.0+float64(j))
	}

	outBase, err := tr.Forward(base, mask, 3, false)
	require.NoError(t, err)
	outPerturbed, err := tr.Forward(perturbed, mask, 3, false)
	require.NoError(t, err)

	// Valid slots must not see the padded slot's contents.
	for i := 0; i < 2; i++ {
		for j := 0; j < 8; j++ {
			assert.InDelta(t, outBase.Data.At(i, j), outPerturbed.Data.At(i, j), 1e-9,
				"row %d col %d", i, j)
		}
	}
}

func TestForwardRadialMaskWeighting(t *testing.T) {
	cfg := testConfig()
	cfg.NumAttentionLayers = 1
	tr, err := New(cfg)
	require.NoError(t, err)

	features, err := autodiff.NewRandomTensor(2, 8, nil)
	require.NoError(t, err)

	full, err := onesMask(2)
	require.NoError(t, err)
	halfData, err := autodiff.NewMatrixFrom(2, 1, []float64{1, 0.5})
	require.NoError(t, err)
	half, err := autodiff.NewTensor(halfData, nil)
	require.NoError(t, err)

	outFull, err := tr.Forward(features, full, 2, false)
	require.NoError(t, err)
	outHalf, err := tr.Forward(features, half, 2, false)
	require.NoError(t, err)

	// A fractional mask scales attention weights, so the outputs differ.
	assert.False(t, autodiff.Equal(outFull.Data, outHalf.Data, 1e-9))
}

func TestAttentionShapeValidation(t *testing.T) {
	mha, err := NewMultiHeadAttention(8, 2, 0)
	require.NoError(t, err)

	features, err := autodiff.NewRandomTensor(6, 8, nil)
	require.NoError(t, err)
	mask, err := onesMask(5)
	require.NoError(t, err)

	// Mask row count must match the features.
	_, err = mha.Forward(features, mask, 3, false)
	assert.Error(t, err)

	mask, err = onesMask(6)
	require.NoError(t, err)
	// Row count must divide evenly into node blocks.
	_, err = mha.Forward(features, mask, 4, false)
	assert.Error(t, err)
}

func TestLayerNormNormalizes(t *testing.T) {
	ln, err := NewLayerNorm(4)
	require.NoError(t, err)

	data, err := autodiff.NewMatrixFrom(1, 4, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	in, err := autodiff.NewTensor(data, nil)
	require.NoError(t, err)

	out, err := ln.Forward(in)
	require.NoError(t, err)

	mean := 0.0
	for j := 0; j < 4; j++ {
		mean += out.Data.At(0, j)
	}
	assert.InDelta(t, 0.0, mean/4, 1e-6)
}

func TestDropoutIdentityAtEval(t *testing.T) {
	d, err := NewDropout(0.5)
	require.NoError(t, err)

	in, err := autodiff.NewRandomTensor(3, 4, nil)
	require.NoError(t, err)

	out, err := d.Forward(in, false)
	require.NoError(t, err)
	assert.True(t, autodiff.Equal(in.Data, out.Data, 0))
}

func onesMask(rows int) (*autodiff.Tensor, error) {
	data := make([]float64, rows)
	for i := range data {
		data[i] = 1
	}
	m, err := autodiff.NewMatrixFrom(rows, 1, data)
	if err != nil {
		return nil, err
	}
	return autodiff.NewTensor(m, nil)
}
