package pet

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Hypers represents the configurable architecture parameters of the model.
type Hypers struct {
	Cutoff             float64 `json:"cutoff" mapstructure:"cutoff"`
	CutoffWidth        float64 `json:"cutoff_width" mapstructure:"cutoff_width"`
	DPET               int     `json:"d_pet" mapstructure:"d_pet"`
	NumHeads           int     `json:"num_heads" mapstructure:"num_heads"`
	NumAttentionLayers int     `json:"num_attention_layers" mapstructure:"num_attention_layers"`
	NumGNNLayers       int     `json:"num_gnn_layers" mapstructure:"num_gnn_layers"`
	ZBL                bool    `json:"zbl" mapstructure:"zbl"`
}

// DefaultHypers returns the reference configuration.
func DefaultHypers() Hypers {
	return Hypers{
		Cutoff:             5.0,
		CutoffWidth:        0.5,
		DPET:               128,
		NumHeads:           4,
		NumAttentionLayers: 2,
		NumGNNLayers:       2,
		ZBL:                false,
	}
}

// DecodeHypers decodes a generic hyperparameter map, as found in persisted
// checkpoints or configuration files, into a Hypers struct. Unknown keys are
// rejected.
func DecodeHypers(raw map[string]any) (Hypers, error) {
	hypers := DefaultHypers()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &hypers,
		ErrorUnused: true,
	})
	if err != nil {
		return Hypers{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Hypers{}, fmt.Errorf("decoding hyperparameters: %w", err)
	}
	if err := hypers.Validate(); err != nil {
		return Hypers{}, err
	}
	return hypers, nil
}

// Validate checks the hyperparameters for internal consistency.
func (h Hypers) Validate() error {
	if h.Cutoff <= 0 {
		return fmt.Errorf("cutoff must be positive, got %f", h.Cutoff)
	}
	if h.CutoffWidth <= 0 || h.CutoffWidth >= h.Cutoff {
		return fmt.Errorf("cutoff width %f must lie in (0, cutoff=%f)", h.CutoffWidth, h.Cutoff)
	}
	if h.DPET <= 0 {
		return fmt.Errorf("d_pet must be positive, got %d", h.DPET)
	}
	if h.NumHeads <= 0 || h.DPET%h.NumHeads != 0 {
		return fmt.Errorf("d_pet (%d) must be divisible by num_heads (%d)", h.DPET, h.NumHeads)
	}
	if h.NumAttentionLayers <= 0 {
		return fmt.Errorf("num_attention_layers must be positive, got %d", h.NumAttentionLayers)
	}
	if h.NumGNNLayers <= 0 {
		return fmt.Errorf("num_gnn_layers must be positive, got %d", h.NumGNNLayers)
	}
	return nil
}
