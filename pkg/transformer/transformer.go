// Package transformer implements the attention-based blocks that process
// edge features in NEF layout: multi-head self-attention over each node's
// neighbor axis with radial cutoff masking, position-wise feed-forward
// networks, layer normalization and residual connections.
package transformer

import (
	"fmt"

	"github.com/atomistic-ml/nanopet/pkg/autodiff"
)

// Config holds the transformer hyperparameters. The reference configuration
// keeps both dropout rates at zero.
type Config struct {
	ModelDim           int
	HiddenDim          int
	NumHeads           int
	NumAttentionLayers int
	MLPDropout         float64
	AttentionDropout   float64
}

// AttentionLayer is one pre-norm transformer block: attention and
// feed-forward sub-blocks, each wrapped in a residual connection.
type AttentionLayer struct {
	Norm1         *LayerNorm
	SelfAttention *MultiHeadAttention
	Norm2         *LayerNorm
	FeedForward   *FeedForward
	Dropout       *Dropout
}

// NewAttentionLayer creates one transformer block.
func NewAttentionLayer(cfg Config) (*AttentionLayer, error) {
	norm1, err := NewLayerNorm(cfg.ModelDim)
	if err != nil {
		return nil, err
	}
	attention, err := NewMultiHeadAttention(cfg.ModelDim, cfg.NumHeads, cfg.AttentionDropout)
	if err != nil {
		return nil, err
	}
	norm2, err := NewLayerNorm(cfg.ModelDim)
	if err != nil {
		return nil, err
	}
	feedForward, err := NewFeedForward(cfg.ModelDim, cfg.HiddenDim, cfg.MLPDropout)
	if err != nil {
		return nil, err
	}
	dropout, err := NewDropout(cfg.MLPDropout)
	if err != nil {
		return nil, err
	}

	return &AttentionLayer{
		Norm1:         norm1,
		SelfAttention: attention,
		Norm2:         norm2,
		FeedForward:   feedForward,
		Dropout:       dropout,
	}, nil
}

// Forward runs the block over NEF features with the given radial mask.
func (l *AttentionLayer) Forward(features, radialMask *autodiff.Tensor, maxEdgesPerNode int, training bool) (*autodiff.Tensor, error) {
	normed, err := l.Norm1.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("attention layer norm1: %w", err)
	}
	attnOut, err := l.SelfAttention.Forward(normed, radialMask, maxEdgesPerNode, training)
	if err != nil {
		return nil, fmt.Errorf("self attention: %w", err)
	}
	attnOut, err = l.Dropout.Forward(attnOut, training)
	if err != nil {
		return nil, err
	}
	features, err = autodiff.Add(features, attnOut)
	if err != nil {
		return nil, err
	}

	normed, err = l.Norm2.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("attention layer norm2: %w", err)
	}
	ffOut, err := l.FeedForward.Forward(normed, training)
	if err != nil {
		return nil, fmt.Errorf("feed forward: %w", err)
	}
	ffOut, err = l.Dropout.Forward(ffOut, training)
	if err != nil {
		return nil, err
	}
	return autodiff.Add(features, ffOut)
}

// Parameters returns the trainable tensors.
func (l *AttentionLayer) Parameters() []*autodiff.Tensor {
	params := l.Norm1.Parameters()
	params = append(params, l.SelfAttention.Parameters()...)
	params = append(params, l.Norm2.Parameters()...)
	params = append(params, l.FeedForward.Parameters()...)
	return params
}

// Transformer is a stack of attention layers sharing one radial mask.
type Transformer struct {
	Config Config
	Layers []*AttentionLayer
}

// New creates a transformer stack from the configuration.
func New(cfg Config) (*Transformer, error) {
	if cfg.NumAttentionLayers <= 0 {
		return nil, fmt.Errorf("number of attention layers must be positive, got %d", cfg.NumAttentionLayers)
	}

	layers := make([]*AttentionLayer, cfg.NumAttentionLayers)
	for i := range layers {
		layer, err := NewAttentionLayer(cfg)
		if err != nil {
			return nil, fmt.Errorf("attention layer %d: %w", i, err)
		}
		layers[i] = layer
	}

	return &Transformer{Config: cfg, Layers: layers}, nil
}

// Forward runs the stack over NEF features.
func (t *Transformer) Forward(features, radialMask *autodiff.Tensor, maxEdgesPerNode int, training bool) (*autodiff.Tensor, error) {
	var err error
	for i, layer := range t.Layers {
		features, err = layer.Forward(features, radialMask, maxEdgesPerNode, training)
		if err != nil {
			return nil, fmt.Errorf("transformer layer %d: %w", i, err)
		}
	}
	return features, nil
}

// Parameters returns the trainable tensors of all layers.
func (t *Transformer) Parameters() []*autodiff.Tensor {
	var params []*autodiff.Tensor
	for _, layer := range t.Layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}
