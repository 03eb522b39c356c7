package pet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHypersValid(t *testing.T) {
	assert.NoError(t, DefaultHypers().Validate())
}

func TestDecodeHypers(t *testing.T) {
	h, err := DecodeHypers(map[string]any{
		"cutoff":               4.5,
		"cutoff_width":         0.2,
		"d_pet":                64,
		"num_heads":            2,
		"num_attention_layers": 1,
		"num_gnn_layers":       3,
		"zbl":                  true,
	})
	require.NoError(t, err)
	assert.Equal(t, 4.5, h.Cutoff)
	assert.Equal(t, 64, h.DPET)
	assert.Equal(t, 3, h.NumGNNLayers)
	assert.True(t, h.ZBL)
}

func TestDecodeHypersRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeHypers(map[string]any{"cutof": 4.5})
	assert.Error(t, err)
}

func TestHypersValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Hypers)
	}{
		{"zero cutoff", func(h *Hypers) { h.Cutoff = 0 }},
		{"width exceeds cutoff", func(h *Hypers) { h.CutoffWidth = h.Cutoff + 1 }},
		{"zero width", func(h *Hypers) { h.CutoffWidth = 0 }},
		{"zero embedding", func(h *Hypers) { h.DPET = 0 }},
		{"heads do not divide", func(h *Hypers) { h.DPET = 10; h.NumHeads = 4 }},
		{"zero attention layers", func(h *Hypers) { h.NumAttentionLayers = 0 }},
		{"zero gnn layers", func(h *Hypers) { h.NumGNNLayers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := DefaultHypers()
			tc.mutate(&h)
			assert.Error(t, h.Validate())
		})
	}
}
